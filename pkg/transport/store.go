package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// Record is one entry in the durable log, tagged by Op so a reader can
// tell entries apart without decoding the payload. The agent itself
// appends only task state transitions, under Op "state".
type Record struct {
	Index uint64          `json:"index"`
	Op    string          `json:"op"`
	Data  json.RawMessage `json:"data"`
}

// Store persists the committed Record stream to disk, standing in for
// the MongoDB-backed state bridge spec.md §9 treats as an opaque
// ordered transport. It is append-only: nothing is ever deleted, since
// replay from the start of the log is how a restarted bridge client
// resyncs every state transition for the session.
type Store interface {
	Append(r Record) error
	List(afterIndex uint64) ([]Record, error)
	LastIndex() (uint64, error)
	Close() error
}

// BoltStore is a Store backed by a single bbolt file, the same
// embedded-KV choice the teacher uses for its Raft log and stable
// stores.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a bbolt-backed Store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open transport store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init transport store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}

// Append writes r keyed by its Index.
func (s *BoltStore) Append(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(indexKey(r.Index), data)
	})
}

// List returns every record with Index > afterIndex, in index order.
func (s *BoltStore) List(afterIndex uint64) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		start := indexKey(afterIndex + 1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LastIndex returns the highest Index appended, or 0 if the log is empty.
func (s *BoltStore) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(recordsBucket).Cursor().Last()
		if k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return last, err
}

// Close releases the underlying file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
