package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var entriesBucket = []byte("audit_entries")

// BoltSink is the default durable database sink: an embedded bbolt store
// keyed by the entry timestamp plus a per-bucket sequence number, so cursor
// order is timestamp order and entries with equal timestamps never
// overwrite each other,
// avoiding a hard dependency on an external database for the core engine
// (§4.E's "database" sink, grounded on the teacher's bbolt usage for
// coordination event persistence).
type BoltSink struct {
	db *bolt.DB
}

func NewBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: open bbolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init bucket: %w", err)
	}
	return &BoltSink{db: db}, nil
}

func (s *BoltSink) Write(e Entry) {
	_ = s.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		b := tx.Bucket(entriesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d-%020d", e.Timestamp.UnixNano(), seq))
		return b.Put(key, raw)
	})
}

func (s *BoltSink) Query(q Query) ([]Entry, error) {
	var matched []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if !matchesQuery(e, q) {
				continue
			}
			matched = append(matched, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// newest-first
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func matchesQuery(e Entry, q Query) bool {
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.ResourceType != "" && e.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

func (s *BoltSink) Close() error {
	return s.db.Close()
}
