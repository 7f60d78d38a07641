package hastate

import (
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

const (
	// dbFileName is the name of the database file
	dbFileName string = "hastate.db"

	// bucketMetadataName will be used to store the server state
	bucketMetadataName string = "hastate_metadata"
)

var (
	keyMode    = []byte("mode")
	keyDBClean = []byte("dbclean")
	keyTerm    = []byte("term")
)

// BoltOptions holds the requirements of the bolt store
type BoltOptions struct {
	// DataDir is the default data directory that will be used to store all data on the disk. It's required
	DataDir string

	// Options hold all bolt options
	Options *bolt.Options
}

// BoltStore is a ServerPersistentState backed by bbolt
type BoltStore struct {
	// dataDir is the data directory holding db/hastate.db
	dataDir string

	// db allows us to manipulate the k/v database
	db *bolt.DB

	mu          sync.Mutex
	initialMode ServerMode
}

// NewBoltStorage opens or creates the store under options.DataDir
func NewBoltStorage(options BoltOptions) (*BoltStore, error) {
	if options.DataDir == "" {
		return nil, ErrDataDirRequired
	}
	dbdir := filepath.Join(options.DataDir, "db")
	if err := createDirectoryIfNotExist(dbdir, 0750); err != nil {
		return nil, fmt.Errorf("fail to create directory %s: %w", dbdir, err)
	}
	db, err := bolt.Open(filepath.Join(dbdir, dbFileName), 0600, options.Options)
	if err != nil {
		return nil, err
	}

	store := &BoltStore{
		dataDir: options.DataDir,
		db:      db,
	}
	if options.Options == nil || !options.Options.ReadOnly {
		if err := store.initializeBuckets(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	store.initialMode = store.loadInitialMode()
	return store, nil
}

// initializeBuckets will initialize all buckets
// required by hastate
func (b *BoltStore) initializeBuckets() error {
	tx, err := b.db.Begin(true)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.CreateBucketIfNotExists([]byte(bucketMetadataName)); err != nil {
		return err
	}
	return tx.Commit()
}

// loadInitialMode returns the persisted mode, or START when
// nothing was persisted or the data is dirty
func (b *BoltStore) loadInitialMode() ServerMode {
	if !b.IsDBClean() {
		return Start
	}
	value, err := b.getKV(bucketMetadataName, keyMode)
	if err != nil {
		return Start
	}
	mode, err := ParseServerMode(string(value))
	if err != nil {
		return Start
	}
	return mode
}

// InitialMode returns the mode computed when the store was opened
func (b *BoltStore) InitialMode() ServerMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialMode
}

// IsDBClean returns the clean flag, true when never set
func (b *BoltStore) IsDBClean() bool {
	value, err := b.getKV(bucketMetadataName, keyDBClean)
	if err != nil || len(value) == 0 {
		return true
	}
	return value[0] == 1
}

// SetDBClean persists the clean flag
func (b *BoltStore) SetDBClean(clean bool) error {
	value := []byte{0}
	if clean {
		value[0] = 1
	}
	return b.storeKV(bucketMetadataName, keyDBClean, value)
}

// SetCurrentMode persists the mode label
func (b *BoltStore) SetCurrentMode(mode ServerMode) error {
	return b.storeKV(bucketMetadataName, keyMode, []byte(mode.String()))
}

// CurrentTerm returns the persisted term or 0
func (b *BoltStore) CurrentTerm() int64 {
	value, err := b.getKV(bucketMetadataName, keyTerm)
	if err != nil {
		return 0
	}
	return int64(decodeUint64ToBytes(value))
}

// SetCurrentTerm persists term
func (b *BoltStore) SetCurrentTerm(term int64) error {
	return b.storeKV(bucketMetadataName, keyTerm, encodeUint64ToBytes(uint64(term)))
}

// Close will close bolt database
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// storeKV is an internal func that allows us store k/v into the specified
// bucket
func (b *BoltStore) storeKV(bucketName string, key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.Put(key, value)
	})
}

// getKV is an internal func that allows us to fetch keys from specified
// bucket
func (b *BoltStore) getKV(bucketName string, key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return ErrKeyNotFound
		}
		if v := bucket.Get(key); v != nil {
			value = append([]byte(nil), v...)
			return nil
		}
		return ErrKeyNotFound
	})
	return value, err
}
