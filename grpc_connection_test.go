package hastate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGrpcConnection_getConnection(t *testing.T) {
	assert := assert.New(t)

	t.Run("cached", func(t *testing.T) {
		c := newConnectionManager("a", testLogger())
		conn, err := c.getConnection("127.0.0.1:50051")
		assert.Nil(err)
		assert.NotNil(conn)

		again, err := c.getConnection("127.0.0.1:50051")
		assert.Nil(err)
		assert.Same(conn, again)
		c.disconnectAllPeers()
	})

	t.Run("disconnect", func(t *testing.T) {
		c := newConnectionManager("a", testLogger())
		conn, err := c.getConnection("127.0.0.1:50051")
		assert.Nil(err)
		c.disconnect("127.0.0.1:50051")
		c.disconnect("127.0.0.1:50052")

		again, err := c.getConnection("127.0.0.1:50051")
		assert.Nil(err)
		assert.NotSame(conn, again)
		c.disconnectAllPeers()
	})

	t.Run("disconnect_all", func(t *testing.T) {
		c := newConnectionManager("a", testLogger())
		_, err := c.getConnection("127.0.0.1:50051")
		assert.Nil(err)
		c.disconnectAllPeers()

		conn, err := c.getConnection("127.0.0.1:50051")
		assert.ErrorIs(err, ErrShutdown)
		assert.Nil(conn)
	})
}
