package roomsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltRecordBucket = []byte("offline_records")

const boltOpenTimeout = 5 * time.Second

// BoltRecordStore keeps offline records in an embedded bbolt database. Each
// record is one key/value pair, so a mutation rewrites a single record
// instead of the whole snapshot.
type BoltRecordStore struct {
	db *bolt.DB
}

func NewBoltRecordStore(path string) (*BoltRecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open record store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltRecordBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltRecordStore{db: db}, nil
}

func (s *BoltRecordStore) Put(key string, rec OfflineRecord) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltRecordBucket).Put([]byte(key), data)
	})
}

func (s *BoltRecordStore) Get(key string) (OfflineRecord, error) {
	var rec OfflineRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(boltRecordBucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return OfflineRecord{}, err
	}
	return rec, nil
}

func (s *BoltRecordStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltRecordBucket)
		if bucket.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(key))
	})
}

func (s *BoltRecordStore) List() ([]StoredRecord, error) {
	var out []StoredRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltRecordBucket).ForEach(func(k, v []byte) error {
			var rec OfflineRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %s: %w", k, err)
			}
			out = append(out, StoredRecord{Key: string(k), Record: rec})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortStored(out)
	return out, nil
}

func (s *BoltRecordStore) Close() error {
	return s.db.Close()
}
