package hastate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.etcd.io/bbolt"
)

func TestPersistenceBolt(t *testing.T) {
	assert := assert.New(t)

	t.Run("new_bolt_storage_no_datadir", func(t *testing.T) {
		_, err := NewBoltStorage(BoltOptions{Options: bbolt.DefaultOptions})
		assert.ErrorIs(err, ErrDataDirRequired)
	})

	t.Run("new_bolt_storage_false_datadir", func(t *testing.T) {
		boltOptions := BoltOptions{
			DataDir: filepath.Join(os.TempDir(), "hastate_test", "bolt", "new_bolt_storage_false_datadir"),
			Options: bbolt.DefaultOptions,
		}
		defer func() {
			assert.Nil(os.RemoveAll(boltOptions.DataDir))
		}()

		_ = createDirectoryIfNotExist(boltOptions.DataDir, 0750)
		f, _ := os.Create(filepath.Join(boltOptions.DataDir, "db"))
		_ = f.Close()
		_, err := NewBoltStorage(boltOptions)
		assert.Error(err)
	})

	t.Run("new_bolt_storage_initialize_buckets", func(t *testing.T) {
		boltOptions := BoltOptions{
			DataDir: filepath.Join(os.TempDir(), "hastate_test", "bolt", "initialize_buckets"),
			Options: bbolt.DefaultOptions,
		}
		defer func() {
			assert.Nil(os.RemoveAll(boltOptions.DataDir))
		}()

		store, err := NewBoltStorage(boltOptions)
		assert.Nil(err)
		assert.Nil(store.Close())
		assert.Error(store.initializeBuckets())

		store, err = NewBoltStorage(boltOptions)
		assert.Nil(err)
		assert.Nil(store.Close())
	})

	t.Run("fresh_store", func(t *testing.T) {
		store, err := NewBoltStorage(BoltOptions{DataDir: t.TempDir()})
		assert.Nil(err)
		defer func() {
			assert.Nil(store.Close())
		}()

		assert.Equal(Start, store.InitialMode())
		assert.True(store.IsDBClean())
		assert.Equal(int64(0), store.CurrentTerm())
	})

	t.Run("reopen_keeps_mode_and_term", func(t *testing.T) {
		dataDir := t.TempDir()
		store, err := NewBoltStorage(BoltOptions{DataDir: dataDir})
		assert.Nil(err)
		assert.Nil(store.SetCurrentMode(Active))
		assert.Nil(store.SetCurrentTerm(7))
		assert.Nil(store.Close())

		store, err = NewBoltStorage(BoltOptions{DataDir: dataDir})
		assert.Nil(err)
		assert.Equal(Active, store.InitialMode())
		assert.Equal(int64(7), store.CurrentTerm())
		assert.Nil(store.Close())
	})

	t.Run("dirty_store_starts_fresh", func(t *testing.T) {
		dataDir := t.TempDir()
		store, err := NewBoltStorage(BoltOptions{DataDir: dataDir})
		assert.Nil(err)
		assert.Nil(store.SetCurrentMode(Passive))
		assert.Nil(store.SetDBClean(false))
		assert.False(store.IsDBClean())
		assert.Nil(store.Close())

		store, err = NewBoltStorage(BoltOptions{DataDir: dataDir})
		assert.Nil(err)
		assert.Equal(Start, store.InitialMode())
		assert.Nil(store.SetDBClean(true))
		assert.True(store.IsDBClean())
		assert.Nil(store.Close())
	})

	t.Run("get_unknown_key", func(t *testing.T) {
		store, err := NewBoltStorage(BoltOptions{DataDir: t.TempDir()})
		assert.Nil(err)
		_, err = store.getKV(bucketMetadataName, []byte("unknown"))
		assert.ErrorIs(err, ErrKeyNotFound)
		_, err = store.getKV("unknown", keyMode)
		assert.ErrorIs(err, ErrKeyNotFound)
		assert.Nil(store.Close())
	})
}
