// Package memory provides an in-memory sorted store backed by a B-tree.
package memory

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"shardscan/internal/key"
	"shardscan/internal/sortedkv"
)

const degree = 32

// Store is a concurrency-safe sorted key-value store. Writing a key that is
// already present replaces its value.
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[sortedkv.Entry]
}

func less(a, b sortedkv.Entry) bool {
	return a.Key.Compare(b.Key) < 0
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{tree: btree.NewG(degree, less)}
}

// Write inserts entries. Keys and values are copied.
func (s *Store) Write(entries []sortedkv.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.tree.ReplaceOrInsert(sortedkv.Entry{Key: e.Key.Clone(), Value: bytes.Clone(e.Value)})
	}
	return nil
}

// Put inserts one entry.
func (s *Store) Put(k key.Key, value []byte) error {
	return s.Write([]sortedkv.Entry{{Key: k, Value: value}})
}

// Delete removes k if present.
func (s *Store) Delete(k key.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tree.Delete(sortedkv.Entry{Key: k})
	return ok
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// NewIterator returns an unpositioned iterator.
func (s *Store) NewIterator() sortedkv.Iterator {
	return &iterator{store: s}
}

type iterator struct {
	store  *Store
	rng    key.Range
	filter sortedkv.FamilyFilter
	top    *sortedkv.Entry
}

func (it *iterator) Seek(r key.Range, columnFamilies [][]byte, inclusive bool) error {
	it.rng = r
	it.filter = sortedkv.NewFamilyFilter(columnFamilies, inclusive)
	it.top = nil
	if r.Start == nil {
		it.scan(nil, false)
		return nil
	}
	it.scan(r.Start, false)
	return nil
}

func (it *iterator) Next() error {
	if it.top == nil {
		return nil
	}
	cur := it.top.Key
	it.top = nil
	it.scan(&cur, true)
	return nil
}

// scan positions top at the first acceptable entry at or after from. With
// skipEqual set an entry equal to from is passed over.
func (it *iterator) scan(from *key.Key, skipEqual bool) {
	it.store.mu.RLock()
	defer it.store.mu.RUnlock()

	visit := func(e sortedkv.Entry) bool {
		if skipEqual && e.Key.Equal(*from) {
			return true
		}
		if it.rng.AfterEnd(e.Key) {
			return false
		}
		if it.rng.BeforeStart(e.Key) || !it.filter.Accept(e.Key.ColumnFamily) {
			return true
		}
		found := e
		it.top = &found
		return false
	}
	if from == nil {
		it.store.tree.Ascend(visit)
		return
	}
	it.store.tree.AscendGreaterOrEqual(sortedkv.Entry{Key: *from}, visit)
}

func (it *iterator) HasTop() bool { return it.top != nil }

func (it *iterator) TopKey() key.Key {
	if it.top == nil {
		return key.Key{}
	}
	return it.top.Key
}

func (it *iterator) TopValue() []byte {
	if it.top == nil {
		return nil
	}
	return it.top.Value
}

func (it *iterator) DeepCopy() sortedkv.Iterator {
	return &iterator{store: it.store}
}
