package persist

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// BoltCollaborator durably records every appended version in a bbolt
// database, one bucket per subgroup, batching commits on a timer the same
// way etcd's storage/backend.Backend batches its BatchTx: writes land in
// the current open transaction immediately, but only hit disk when the
// batch interval elapses, batchLimit Appends have accumulated, or
// ForceCommit is called. Read also finds versions still in the open
// transaction; ReadByTime and LatestVersion see committed data only.
type BoltCollaborator struct {
	db *bbolt.DB

	batchInterval time.Duration
	batchLimit    int

	mu      sync.Mutex
	tx      *bbolt.Tx
	pending int

	stopc  chan struct{}
	donec  chan struct{}
}

// NewBoltCollaborator opens (or creates) the database at path and starts
// the background commit loop. limit bounds how many Appends may share one
// open transaction before a commit is forced early, mirroring
// backend.batchLimit.
func NewBoltCollaborator(path string, interval time.Duration, limit int) (*BoltCollaborator, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: cannot open bolt database at %s: %w", path, err)
	}
	b := &BoltCollaborator{
		db:            db,
		batchInterval: interval,
		batchLimit:    limit,
		stopc:         make(chan struct{}),
		donec:         make(chan struct{}),
	}
	if err := b.commitAndBegin(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go b.run()
	return b, nil
}

func (b *BoltCollaborator) run() {
	defer close(b.donec)
	for {
		select {
		case <-time.After(b.batchInterval):
		case <-b.stopc:
			return
		}
		b.mu.Lock()
		_ = b.commitAndBeginLocked()
		b.mu.Unlock()
	}
}

func (b *BoltCollaborator) commitAndBegin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commitAndBeginLocked()
}

func (b *BoltCollaborator) commitAndBeginLocked() error {
	if b.tx != nil {
		if err := b.tx.Commit(); err != nil {
			return fmt.Errorf("persist: cannot commit tx: %w", err)
		}
	}
	tx, err := b.db.Begin(true)
	if err != nil {
		return fmt.Errorf("persist: cannot begin tx: %w", err)
	}
	b.tx = tx
	b.pending = 0
	return nil
}

func bucketName(subgroup string) []byte { return []byte("sg:" + subgroup) }

// versionKey encodes version big-endian so bucket iteration order matches
// numeric version order.
func versionKey(version int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(version))
	return buf
}

func encodeRecord(rec Record) []byte {
	buf := make([]byte, 16+len(rec.Bytes))
	binary.BigEndian.PutUint64(buf[0:8], uint64(rec.Time.Physical))
	binary.BigEndian.PutUint64(buf[8:16], rec.Time.Logical)
	copy(buf[16:], rec.Bytes)
	return buf
}

func decodeRecord(subgroup string, version int64, buf []byte) Record {
	return Record{
		Subgroup: subgroup,
		Version:  version,
		Time: HLC{
			Physical: int64(binary.BigEndian.Uint64(buf[0:8])),
			Logical:  binary.BigEndian.Uint64(buf[8:16]),
		},
		Bytes: append([]byte(nil), buf[16:]...),
	}
}

func (b *BoltCollaborator) Append(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, err := b.tx.CreateBucketIfNotExists(bucketName(rec.Subgroup))
	if err != nil {
		return fmt.Errorf("persist: cannot create bucket for %s: %w", rec.Subgroup, err)
	}
	if err := bucket.Put(versionKey(rec.Version), encodeRecord(rec)); err != nil {
		return fmt.Errorf("persist: cannot put version %d: %w", rec.Version, err)
	}
	b.pending++
	if b.pending >= b.batchLimit {
		return b.commitAndBeginLocked()
	}
	return nil
}

func (b *BoltCollaborator) Read(subgroup string, version int64) (Record, error) {
	var rec Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		rec = Record{}
		bucket := tx.Bucket(bucketName(subgroup))
		if bucket == nil {
			return ErrNotFound
		}
		buf := bucket.Get(versionKey(version))
		if buf == nil {
			return ErrNotFound
		}
		rec = decodeRecord(subgroup, version, buf)
		return nil
	})
	if err != nil {
		return b.viewErr(subgroup, version, err)
	}
	return rec, nil
}

// viewErr falls back to the in-flight (uncommitted) transaction for reads
// of data appended since the last commit, since bbolt's View snapshot
// does not see it.
func (b *BoltCollaborator) viewErr(subgroup string, version int64, viewErr error) (Record, error) {
	if viewErr != ErrNotFound {
		return Record{}, viewErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket := b.tx.Bucket(bucketName(subgroup))
	if bucket == nil {
		return Record{}, ErrNotFound
	}
	buf := bucket.Get(versionKey(version))
	if buf == nil {
		return Record{}, ErrNotFound
	}
	return decodeRecord(subgroup, version, buf), nil
}

func (b *BoltCollaborator) ReadByTime(subgroup string, t HLC) (Record, error) {
	var best Record
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(subgroup))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		first := true
		for k, v := c.First(); k != nil; k, v = c.Next() {
			version := int64(binary.BigEndian.Uint64(k))
			rec := decodeRecord(subgroup, version, v)
			if first && t.Before(rec.Time) {
				return ErrBeyondFrontier
			}
			first = false
			if rec.Time.Compare(t) > 0 {
				break
			}
			best = rec
			found = true
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return best, nil
}

func (b *BoltCollaborator) LatestVersion(subgroup string) int64 {
	var latest int64 = -1
	_ = b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(subgroup))
		if bucket == nil {
			return nil
		}
		k, _ := bucket.Cursor().Last()
		if k != nil {
			latest = int64(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	return latest
}

// ForceCommit flushes the in-flight transaction immediately, mirroring
// backend.Backend.ForceCommit.
func (b *BoltCollaborator) ForceCommit() error {
	return b.commitAndBegin()
}

func (b *BoltCollaborator) Close() error {
	close(b.stopc)
	<-b.donec
	b.mu.Lock()
	if b.tx != nil {
		_ = b.tx.Commit()
		b.tx = nil
	}
	b.mu.Unlock()
	return b.db.Close()
}
