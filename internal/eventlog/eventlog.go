// Package eventlog is the durable, ordered append log backing both the
// raw per-platform trade/order-book event streams and the windows log
// that stores closed window aggregates. Every record is keyed by a
// monotonically increasing id (the raw event log) or by a winkey.Key
// (the windows log); both are just byte slices to this package.
package eventlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// Record is one stored (id, value) pair, where id is the record's raw
// 8-byte big-endian key.
type Record struct {
	ID    []byte
	Value []byte
}

// Log is the durable append-only store one worker or the orchestrator
// reads and writes window events through. A single process holds the
// writable instance (Open); every other process that only needs to read
// attaches with OpenSecondary.
type Log interface {
	// Append stores value under the next sequential id and returns that
	// id, encoded as an 8-byte big-endian key.
	Append(value []byte) ([]byte, error)
	// Put stores value under an explicit key (used by the windows log,
	// whose keys are winkey.Key encodings rather than sequence numbers).
	Put(key, value []byte) error
	// IterateFrom returns up to limit records with key >= start, in
	// ascending key order.
	IterateFrom(start []byte, limit int) ([]Record, error)
	// IterateFromEnd returns up to the last limit records, in ascending
	// key order.
	IterateFromEnd(limit int) ([]Record, error)
	// TryCatchUpWithPrimary refreshes a secondary instance's view of data
	// written by the primary since it was opened or last refreshed.
	TryCatchUpWithPrimary() error
	Close() error
}

var normalizeRe = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeSubIndex maps a (platform, symbol, kind) style name into a safe
// lowercase, underscore-separated bucket/file-path component.
func NormalizeSubIndex(name string) string {
	lower := strings.ToLower(name)
	collapsed := normalizeRe.ReplaceAllString(lower, "_")
	return strings.Trim(collapsed, "_")
}

const defaultBucket = "log"

// BoltLog is the concrete Log implementation, backed by a single-file
// bbolt database with one bucket holding the whole ordered keyspace.
type BoltLog struct {
	db       *bolt.DB
	readOnly bool
}

// Open opens (creating if necessary) the primary, writable instance of
// the log at path.
func Open(path string) (*BoltLog, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(defaultBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: create bucket in %q: %w", path, err)
	}
	return &BoltLog{db: db}, nil
}

// OpenSecondary attaches read-only to a log file a primary instance (in
// another process) already holds open for writing. This is the bbolt
// analogue of RocksDB's secondary-instance model: because bbolt's reader
// mmaps the same file the writer appends to, a freshly begun read
// transaction already observes every transaction committed before it
// started, so there is no separate secondary directory to maintain.
func OpenSecondary(path string) (*BoltLog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open secondary %q: %w", path, err)
	}
	return &BoltLog{db: db, readOnly: true}, nil
}

// TryCatchUpWithPrimary is a no-op: see OpenSecondary's doc comment for
// why bbolt never needs an explicit catch-up step.
func (l *BoltLog) TryCatchUpWithPrimary() error { return nil }

// Close closes the underlying database file.
func (l *BoltLog) Close() error { return l.db.Close() }

// Append stores value under the bucket's next sequence number, encoded as
// an 8-byte big-endian key, and returns that key.
func (l *BoltLog) Append(value []byte) ([]byte, error) {
	if l.readOnly {
		return nil, fmt.Errorf("eventlog: Append called on a read-only (secondary) log")
	}
	key := make([]byte, 8)
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(defaultBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, value)
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: append: %w", err)
	}
	return key, nil
}

// Put stores value under an explicit key.
func (l *BoltLog) Put(key, value []byte) error {
	if l.readOnly {
		return fmt.Errorf("eventlog: Put called on a read-only (secondary) log")
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(defaultBucket)).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("eventlog: put: %w", err)
	}
	return nil
}

// IterateFrom returns up to limit records with key >= start, in ascending
// key order.
func (l *BoltLog) IterateFrom(start []byte, limit int) ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(defaultBucket)).Cursor()
		for k, v := c.Seek(start); k != nil && len(out) < limit; k, v = c.Next() {
			out = append(out, Record{ID: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: iterate from: %w", err)
	}
	return out, nil
}

// IterateFromEnd returns up to the last limit records, in ascending key
// order.
func (l *BoltLog) IterateFromEnd(limit int) ([]Record, error) {
	var rev []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(defaultBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(rev) < limit; k, v = c.Prev() {
			rev = append(rev, Record{ID: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: iterate from end: %w", err)
	}
	out := make([]Record, len(rev))
	for i, r := range rev {
		out[len(rev)-1-i] = r
	}
	return out, nil
}

// FindFirstKeyAfterCheckpoint performs a binary search over the log's
// key-space for the first record whose decoded timestamp is strictly
// after checkpointMs. timeOf decodes a record's value into the timestamp
// used for the comparison (trades and order-book events have the
// timestamp in different wire positions). It returns nil with no error
// when the log is empty. When every record is at or before the
// checkpoint, it returns the last record's key so the caller resumes
// from the end of the log instead of replaying it from scratch.
func FindFirstKeyAfterCheckpoint(log Log, checkpointMs int64, timeOf func(value []byte) int64) ([]byte, error) {
	first, err := log.IterateFrom(bytes.Repeat([]byte{0}, 8), 1)
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, nil
	}
	if timeOf(first[0].Value) > checkpointMs {
		return first[0].ID, nil
	}

	last, err := log.IterateFromEnd(1)
	if err != nil {
		return nil, err
	}
	if timeOf(last[0].Value) <= checkpointMs {
		return last[0].ID, nil
	}

	lowKey := first[0].ID
	highKey := last[0].ID
	// The last record is known to be after the checkpoint, so it is the
	// answer unless the search finds an earlier one.
	candidate := last[0].ID

	for {
		low := binary.BigEndian.Uint64(lowKey)
		high := binary.BigEndian.Uint64(highKey)
		if low >= high {
			break
		}
		mid := low + (high-low)/2

		midKey := make([]byte, 8)
		binary.BigEndian.PutUint64(midKey, mid)

		recs, err := log.IterateFrom(midKey, 1)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			break
		}

		if timeOf(recs[0].Value) > checkpointMs {
			candidate = recs[0].ID
			highKey = recs[0].ID
			if binary.BigEndian.Uint64(highKey) == low {
				break
			}
		} else {
			nextLow := binary.BigEndian.Uint64(recs[0].ID) + 1
			lowKey = make([]byte, 8)
			binary.BigEndian.PutUint64(lowKey, nextLow)
		}
	}

	return candidate, nil
}
