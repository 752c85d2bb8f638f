package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// Log is an append-only, durable entry log for one run.
type Log interface {
	// Append durably stores e before returning.
	Append(ctx context.Context, e Entry) error

	// Replay calls fn for every entry in append order.
	Replay(ctx context.Context, fn func(Entry) error) error

	// Sync flushes any buffered state to stable storage.
	Sync(ctx context.Context) error

	// Location describes where the log lives, for the run summary.
	Location() string

	Close() error
}

// BoltLog stores entries in a bolt database, one bucket per run.
type BoltLog struct {
	db     *bolt.DB
	path   string
	bucket []byte
}

// OpenBolt opens (creating if needed) the bolt file at path and the bucket
// for runID.
func OpenBolt(path, runID string) (*BoltLog, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db '%v': %w", path, err)
	}

	bucket := []byte(runID)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating run bucket: %w", err)
	}

	return &BoltLog{db: db, path: path, bucket: bucket}, nil
}

// Append implements Log. Every append commits its own transaction.
func (l *BoltLog) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(l.bucket)
		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		if err := b.Put(key, val); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return nil
	})
}

// Replay implements Log.
func (l *BoltLog) Replay(ctx context.Context, fn func(Entry) error) error {
	return l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(l.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sync implements Log.
func (l *BoltLog) Sync(ctx context.Context) error {
	return l.db.Sync()
}

// Location implements Log.
func (l *BoltLog) Location() string {
	return "bolt://" + l.path + "#" + string(l.bucket)
}

// Close implements Log.
func (l *BoltLog) Close() error {
	if err := l.db.Sync(); err != nil {
		l.db.Close()
		return fmt.Errorf("syncing db: %w", err)
	}
	return l.db.Close()
}

// BoltRuns lists the run ids stored in the bolt file at path.
func BoltRuns(path string) ([]string, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db '%v': %w", path, err)
	}
	defer db.Close()

	var runs []string
	err = db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			runs = append(runs, string(name))
			return nil
		})
	})
	return runs, err
}
