// Package badgerstore persists queues in an embedded Badger database.
//
// Many queues share one database, each queue under its own key prefix.
// Values are MessagePack encoded.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/store"
)

// Open opens a Badger database at path.
// An empty path opens an in-memory database.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger DB: %w", err)
	}
	return db, nil
}

// Store is a queue namespace in a Badger database.
type Store struct {
	DB     *badger.DB
	Prefix []byte
}

// New creates a store for a queue.
func New(db *badger.DB, queue string) *Store {
	return &Store{
		DB:     db,
		Prefix: []byte("q/" + queue + "/"),
	}
}

// Assert Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Key layout, appended to the queue prefix.
const (
	keyJob     = 'j' // + be32(job ID)
	keyEvent   = 'e' // + be32(job ID) + be32(event index)
	keyCounter = 'c' // + counter name
	keyDict    = 'd' // + kind + 0x00 + token
)

func (s *Store) key(kind byte, size int) []byte {
	k := make([]byte, len(s.Prefix)+1, len(s.Prefix)+1+size)
	copy(k, s.Prefix)
	k[len(s.Prefix)] = kind
	return k
}

func (s *Store) jobKey(id uint32) []byte {
	return appendUint32(s.key(keyJob, 4), id)
}

func (s *Store) eventPrefix(id uint32) []byte {
	return appendUint32(s.key(keyEvent, 8), id)
}

func (s *Store) eventKey(id uint32, index int) []byte {
	return appendUint32(s.eventPrefix(id), uint32(index))
}

func (s *Store) counterKey(name string) []byte {
	return append(s.key(keyCounter, len(name)), name...)
}

func (s *Store) dictPrefix(kind string) []byte {
	k := append(s.key(keyDict, len(kind)+1), kind...)
	return append(k, 0)
}

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

// Begin opens a Badger transaction.
func (s *Store) Begin(ctx context.Context, writable bool) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{s: s, txn: s.DB.NewTransaction(writable)}, nil
}

// ScanJobs iterates all jobs in ID order within one snapshot.
func (s *Store) ScanJobs(ctx context.Context, fn func(job *jobs.Job) error) error {
	return s.DB.View(func(txn *badger.Txn) error {
		t := &tx{s: s, txn: txn}
		prefix := s.key(keyJob, 0)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			job := new(jobs.Job)
			if err := msgpack.Unmarshal(val, job); err != nil {
				return fmt.Errorf("invalid job record %x: %w", it.Item().Key(), err)
			}
			if job.Events, err = t.FetchEvents(job.ID); err != nil {
				return err
			}
			if err := fn(job); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close is a no-op, the database belongs to whoever opened it.
func (s *Store) Close() error {
	return nil
}

type tx struct {
	s   *Store
	txn *badger.Txn
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return store.ErrNotFound
	case errors.Is(err, badger.ErrConflict), errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %s", store.ErrConflict, err)
	default:
		return err
	}
}

func (t *tx) get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		return nil, mapErr(err)
	}
	return item.ValueCopy(nil)
}

func (t *tx) FetchJob(id uint32) (*jobs.Job, error) {
	val, err := t.get(t.s.jobKey(id))
	if err != nil {
		return nil, err
	}
	job := new(jobs.Job)
	if err := msgpack.Unmarshal(val, job); err != nil {
		return nil, fmt.Errorf("invalid job record %d: %w", id, err)
	}
	if job.Events, err = t.FetchEvents(id); err != nil {
		return nil, err
	}
	return job, nil
}

func (t *tx) FlushJob(job *jobs.Job) error {
	val, err := msgpack.Marshal(job)
	if err != nil {
		return err
	}
	if err := mapErr(t.txn.Set(t.s.jobKey(job.ID), val)); err != nil {
		return err
	}
	for i := range job.Events {
		if err := t.AppendEvent(job.ID, i, &job.Events[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) DeleteJob(id uint32) error {
	if err := mapErr(t.txn.Delete(t.s.jobKey(id))); err != nil {
		return err
	}
	return t.DeleteEvents(id)
}

func (t *tx) FetchEvents(id uint32) ([]jobs.Event, error) {
	prefix := t.s.eventPrefix(id)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()
	var events []jobs.Event
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		var ev jobs.Event
		if err := msgpack.Unmarshal(val, &ev); err != nil {
			return nil, fmt.Errorf("invalid event of job %d: %w", id, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (t *tx) AppendEvent(id uint32, index int, ev *jobs.Event) error {
	val, err := msgpack.Marshal(ev)
	if err != nil {
		return err
	}
	return mapErr(t.txn.Set(t.s.eventKey(id, index), val))
}

func (t *tx) DeleteEvents(id uint32) error {
	prefix := t.s.eventPrefix(id)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, key := range keys {
		if err := mapErr(t.txn.Delete(key)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) ReadCounter(key string) (uint64, error) {
	val, err := t.get(t.s.counterKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid counter %s", key)
	}
	return binary.BigEndian.Uint64(val), nil
}

func (t *tx) WriteCounter(key string, value uint64) error {
	var val [8]byte
	binary.BigEndian.PutUint64(val[:], value)
	return mapErr(t.txn.Set(t.s.counterKey(key), val[:]))
}

func (t *tx) LoadDict(kind string) (map[string]uint32, error) {
	prefix := t.s.dictPrefix(kind)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()
	dict := make(map[string]uint32)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		if len(val) != 4 {
			return nil, fmt.Errorf("invalid %s entry %q", kind, item.Key()[len(prefix):])
		}
		dict[string(item.Key()[len(prefix):])] = binary.BigEndian.Uint32(val)
	}
	return dict, nil
}

func (t *tx) PutDictEntry(kind, token string, id uint32) error {
	key := append(t.s.dictPrefix(kind), token...)
	return mapErr(t.txn.Set(key, appendUint32(nil, id)))
}

func (t *tx) DeleteDictEntry(kind, token string) error {
	key := append(t.s.dictPrefix(kind), token...)
	return mapErr(t.txn.Delete(key))
}

func (t *tx) Commit() error {
	return mapErr(t.txn.Commit())
}

func (t *tx) Rollback() {
	t.txn.Discard()
}
