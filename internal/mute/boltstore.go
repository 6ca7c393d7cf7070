package mute

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketMutes = []byte("mutes")

// BoltStore keeps mutes in an embedded bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening mute db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMutes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating mute bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func (s *BoltStore) Get(minerID int64) (Entry, bool, error) {
	var (
		e     Entry
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMutes).Get(itob(minerID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &e)
	})
	return e, found, err
}

func (s *BoltStore) Put(minerID int64, e Entry) error {
	v, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMutes).Put(itob(minerID), v)
	})
}

func (s *BoltStore) Delete(minerID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMutes).Delete(itob(minerID))
	})
}

func (s *BoltStore) List() (map[int64]Entry, error) {
	out := make(map[int64]Entry)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMutes).ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return nil
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding mute %x: %w", k, err)
			}
			out[int64(binary.BigEndian.Uint64(k))] = e
			return nil
		})
	})
	return out, err
}
