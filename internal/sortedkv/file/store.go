// Package file provides a persistent sorted store backed by bbolt.
//
// The whole shard table lives in one bucket. Iterators never hold a
// transaction between calls: each refill opens a read transaction, copies a
// small batch of entries out and closes it again, so long scans do not block
// writers from growing the file.
package file

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"shardscan/internal/key"
	"shardscan/internal/logging"
	"shardscan/internal/sortedkv"
)

var (
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

var defaultBucket = []byte("shard")

// Options configures a Store.
type Options struct {
	// Prefetch is the number of entries an iterator copies per read
	// transaction. Zero uses 256.
	Prefetch int
	// Timeout bounds waiting for the file lock. Zero uses one second.
	Timeout time.Duration
	// ReadOnly opens the database without write access.
	ReadOnly bool
	Logger   *slog.Logger
}

// Store is a bbolt-backed sorted store.
type Store struct {
	db       *bolt.DB
	prefetch int
	logger   *slog.Logger
}

// Open opens or creates the store at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(defaultBucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	s := &Store{
		db:       db,
		prefetch: opts.Prefetch,
		logger:   logging.Default(opts.Logger).With("component", "file-store", "path", path),
	}
	s.logger.Debug("store opened")
	return s, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Write stores entries in one transaction.
func (s *Store) Write(entries []sortedkv.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(defaultBucket)
		if err != nil {
			return err
		}
		for _, e := range entries {
			v := e.Value
			if v == nil {
				v = []byte{}
			}
			if err := b.Put(encodeKey(e.Key), v); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("write %d entries: %w", len(entries), err)
	}
	return nil
}

// Len counts the stored entries.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(defaultBucket); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// NewIterator returns an unpositioned iterator.
func (s *Store) NewIterator() sortedkv.Iterator {
	return &iterator{store: s}
}

type iterator struct {
	store  *Store
	rng    key.Range
	filter sortedkv.FamilyFilter

	buf []sortedkv.Entry
	pos int
	// resume is the encoded key after which the next refill starts; nil
	// once the range is exhausted.
	resume    []byte
	exhausted bool
}

func (it *iterator) Seek(r key.Range, columnFamilies [][]byte, inclusive bool) error {
	it.rng = r
	it.filter = sortedkv.NewFamilyFilter(columnFamilies, inclusive)
	it.buf = it.buf[:0]
	it.pos = 0
	it.exhausted = false
	it.resume = nil
	var start []byte
	if r.Start != nil {
		start = encodeKey(*r.Start)
	}
	return it.fill(start, false)
}

func (it *iterator) Next() error {
	if it.pos >= len(it.buf) {
		return nil
	}
	it.pos++
	if it.pos < len(it.buf) || it.exhausted {
		return nil
	}
	return it.fill(it.resume, true)
}

// fill copies up to prefetch acceptable entries starting at from. With
// after set the entry exactly at from is skipped.
func (it *iterator) fill(from []byte, after bool) error {
	it.buf = it.buf[:0]
	it.pos = 0
	err := it.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(defaultBucket)
		if b == nil {
			it.exhausted = true
			return nil
		}
		c := b.Cursor()
		var k, v []byte
		if from == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(from)
			if after && k != nil && bytes.Equal(k, from) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			dk, err := decodeKey(k)
			if err != nil {
				return err
			}
			if it.rng.AfterEnd(dk) {
				it.exhausted = true
				return nil
			}
			if it.rng.BeforeStart(dk) || !it.filter.Accept(dk.ColumnFamily) {
				continue
			}
			it.buf = append(it.buf, sortedkv.Entry{Key: dk, Value: bytes.Clone(v)})
			if len(it.buf) >= it.store.prefetch {
				it.resume = bytes.Clone(k)
				return nil
			}
		}
		it.exhausted = true
		return nil
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("read store: %w", err)
	}
	return nil
}

func (it *iterator) HasTop() bool { return it.pos < len(it.buf) }

func (it *iterator) TopKey() key.Key {
	if !it.HasTop() {
		return key.Key{}
	}
	return it.buf[it.pos].Key
}

func (it *iterator) TopValue() []byte {
	if !it.HasTop() {
		return nil
	}
	return it.buf[it.pos].Value
}

func (it *iterator) DeepCopy() sortedkv.Iterator {
	return &iterator{store: it.store}
}
