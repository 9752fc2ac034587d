package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phuslu/log"
	bolt "go.etcd.io/bbolt"

	"github.com/shaunagostinho/trackagent/internal/position"
)

var (
	bucketPositions = []byte("positions")
	// Undecodable entries are moved here so they do not block the queue.
	bucketCorrupt = []byte("corrupt")
)

// Bolt is a Store backed by a single bbolt file. Keys are big-endian ids
// so cursor order is insertion order.
type Bolt struct {
	db  *bolt.DB
	log log.Logger
}

// OpenBolt opens or creates the queue file at path.
func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		path = "trackagent.db"
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPositions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketCorrupt)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: init %s: %w", path, err)
	}

	b := &Bolt{db: db}
	b.log = log.DefaultLogger
	b.log.Context = log.NewContext(nil).Str("module", "queue").Str("driver", "bolt").Value()
	b.log.Info().Str("path", path).Msg("opened")
	return b, nil
}

func (b *Bolt) Insert(_ context.Context, r *position.Record) (uint64, error) {
	var id uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPositions)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		rec := *r
		rec.ID = seq
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		id = seq
		return bkt.Put(itob(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("queue: insert: %w", err)
	}
	r.ID = id
	return id, nil
}

// PeekOldest returns the head record. Entries that no longer decode are
// moved to the corrupt bucket and the next entry is tried.
func (b *Bolt) PeekOldest(context.Context) (*position.Record, error) {
	var rec *position.Record
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPositions)
		for {
			k, v := bkt.Cursor().First()
			if k == nil {
				return nil
			}
			id := binary.BigEndian.Uint64(k)
			r := &position.Record{}
			err := json.Unmarshal(v, r)
			if err == nil {
				r.ID = id
				rec = r
				return nil
			}
			b.log.Error().Err(err).Uint64("id", id).Msg("undecodable record moved to corrupt bucket")
			val := append([]byte(nil), v...)
			if err := tx.Bucket(bucketCorrupt).Put(itob(id), val); err != nil {
				return err
			}
			if err := bkt.Delete(itob(id)); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("queue: peek: %w", err)
	}
	return rec, nil
}

// Corrupt returns how many undecodable entries have been set aside.
func (b *Bolt) Corrupt() (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketCorrupt).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *Bolt) Delete(_ context.Context, id uint64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPositions).Delete(itob(id))
	})
	if err != nil {
		return fmt.Errorf("queue: delete %d: %w", id, err)
	}
	return nil
}

func (b *Bolt) Len(context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPositions).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *Bolt) Close() error { return b.db.Close() }

func itob(v uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, v)
	return k
}
