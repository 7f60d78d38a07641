package hastate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServerVoterManager(t *testing.T) {
	assert := assert.New(t)

	t.Run("register_limit", func(t *testing.T) {
		v := NewServerVoterManager(2, testLogger())
		assert.Equal(int64(0), v.RegisterVoter("a"))
		assert.Equal(int64(0), v.RegisterVoter("b"))
		assert.Equal(InvalidVoter, v.RegisterVoter("c"))
		assert.Equal(int64(0), v.RegisterVoter("a"))
		assert.Equal(2, v.RegisteredVoters())
		assert.Equal(2, v.VoterLimit())
	})

	t.Run("no_voters_allowed", func(t *testing.T) {
		v := NewServerVoterManager(0, testLogger())
		assert.Equal(InvalidVoter, v.RegisterVoter("a"))
	})

	t.Run("eviction", func(t *testing.T) {
		now := time.Now()
		v := NewServerVoterManager(1, testLogger())
		v.now = func() time.Time { return now }
		assert.Equal(int64(0), v.RegisterVoter("a"))
		assert.Equal(InvalidVoter, v.RegisterVoter("b"))

		now = now.Add(voteBeatTimeout + time.Millisecond)
		assert.Equal(int64(0), v.RegisterVoter("b"))
		assert.Equal(InvalidVoter, v.Heartbeat("a"))
		assert.Equal([]string{"b"}, v.Snapshot().RegisteredVoters)
	})

	t.Run("heartbeat", func(t *testing.T) {
		v := NewServerVoterManager(1, testLogger())
		assert.Equal(InvalidVoter, v.Heartbeat("a"))
		v.RegisterVoter("a")
		assert.Equal(HeartbeatOK, v.Heartbeat("a"))
		v.StartVoting(3)
		assert.Equal(int64(3), v.Heartbeat("a"))
	})

	t.Run("vote", func(t *testing.T) {
		v := NewServerVoterManager(2, testLogger())
		v.RegisterVoter("a")
		v.RegisterVoter("b")

		assert.Equal(HeartbeatOK, v.Vote("a", 1))
		assert.Equal(0, v.VoteCount())

		v.StartVoting(1)
		assert.Equal(InvalidVoter, v.RegisterVoter("c"))
		assert.Equal(int64(1), v.Vote("a", 2))
		assert.Equal(0, v.VoteCount())
		assert.Equal(int64(1), v.Vote("a", 1))
		assert.Equal(int64(1), v.Vote("a", 1))
		assert.Equal(1, v.VoteCount())
		assert.Equal(InvalidVoter, v.Vote("c", 1))

		snapshot := v.Snapshot()
		assert.True(snapshot.VotingInProgress)
		assert.Equal(int64(1), snapshot.ElectionTerm)
		assert.Equal(1, snapshot.Votes)

		v.StopVoting()
		assert.Equal(int64(1), v.CurrentTerm())
		v.StartVoting(2)
		assert.Equal(0, v.VoteCount())
	})

	t.Run("veto", func(t *testing.T) {
		v := NewServerVoterManager(3, testLogger())
		v.RegisterVoter("a")
		assert.False(v.VetoVote("a"))
		assert.False(v.VetoVote("unknown"))

		v.StartVoting(1)
		assert.True(v.VetoVote("a"))
		assert.True(v.IsVetoed())
		assert.Equal(3, v.VoteCount())
	})

	t.Run("deregister", func(t *testing.T) {
		v := NewServerVoterManager(1, testLogger())
		v.RegisterVoter("a")
		assert.True(v.DeregisterVoter("a"))
		assert.False(v.DeregisterVoter("a"))
		assert.Equal(0, v.RegisteredVoters())
	})

	t.Run("start_voting_twice", func(t *testing.T) {
		v := NewServerVoterManager(1, testLogger())
		v.StartVoting(1)
		assert.Panics(func() { v.StartVoting(2) })
	})
}
