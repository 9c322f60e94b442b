package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	settingsBucket = []byte("settings")
	settingsKey    = []byte("app")
)

// BoltStore keeps the settings record in a BBolt database. Each Save and
// Update is one BBolt transaction.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore returns a Store backed by the given BBolt database.
func NewBoltStore(db *bbolt.DB) *BoltStore {
	return &BoltStore{db: db}
}

// NewBoltStoreFromFile opens a BBolt database at path and returns a Store.
func NewBoltStoreFromFile(path string, options *bbolt.Options) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltStore(db), nil
}

// Close closes the underlying BBolt database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func readSettings(tx *bbolt.Tx) (Settings, error) {
	var s Settings
	bucket := tx.Bucket(settingsBucket)
	if bucket == nil {
		return s, nil
	}
	data := bucket.Get(settingsKey)
	if data == nil {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func writeSettings(tx *bbolt.Tx, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	bucket, err := tx.CreateBucketIfNotExists(settingsBucket)
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return bucket.Put(settingsKey, data)
}

func (b *BoltStore) Load(ctx context.Context) (Settings, error) {
	var s Settings
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		s, err = readSettings(tx)
		return err
	})
	return s, err
}

func (b *BoltStore) Save(ctx context.Context, s Settings) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return writeSettings(tx, s)
	})
}

func (b *BoltStore) Update(ctx context.Context, fn func(*Settings) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		s, err := readSettings(tx)
		if err != nil {
			return err
		}
		if err := fn(&s); err != nil {
			return err
		}
		return writeSettings(tx, s)
	})
}
