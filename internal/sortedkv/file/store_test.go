package file

import (
	"bytes"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"testing"

	"shardscan/internal/key"
	"shardscan/internal/sortedkv"
)

func openTemp(t *testing.T, prefetch int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "shards.db"), Options{Prefetch: prefetch})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEncodingPreservesOrder(t *testing.T) {
	keys := []key.Key{
		key.New("", "", ""),
		key.New("a", "", ""),
		key.New("a", "\x00", ""),
		key.New("a", "\x00\x00", ""),
		key.New("a", "\x01", ""),
		key.New("a", "b", "c"),
		key.New("a\x00", "", ""),
		key.New("a\x01", "", ""),
		{Row: []byte("b"), Timestamp: math.MaxInt64},
		{Row: []byte("b"), Timestamp: 10},
		{Row: []byte("b"), Timestamp: 0},
		{Row: []byte("b"), Timestamp: -5},
		{Row: []byte("b"), Timestamp: math.MinInt64},
		key.New("\xff", "\xff", "\xff"),
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1].Compare(keys[i]) >= 0 {
			t.Fatalf("fixture not sorted at %d", i)
		}
		a, b := encodeKey(keys[i-1]), encodeKey(keys[i])
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("encoding order broken between %s and %s", keys[i-1], keys[i])
		}
	}
	for _, k := range keys {
		got, err := decodeKey(encodeKey(k))
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(k) {
			t.Errorf("decode(encode(%s)) = %s", k, got)
		}
	}
	if _, err := decodeKey([]byte{'a', 0x00}); err == nil {
		t.Error("expected error for truncated key")
	}
}

func TestStoreScan(t *testing.T) {
	// A prefetch of 3 forces several refills across the scan.
	s := openTemp(t, 3)
	var entries []sortedkv.Entry
	var want []string
	for r := range 3 {
		for f := range 4 {
			k := key.New(fmt.Sprintf("row%d", r), fmt.Sprintf("fam%d", f), "q")
			k.Timestamp = 1
			entries = append(entries, sortedkv.Entry{Key: k, Value: []byte(k.String())})
			want = append(want, k.String())
		}
	}
	if err := s.Write(entries); err != nil {
		t.Fatal(err)
	}
	sort.Strings(want)

	got, err := sortedkv.Collect(s.NewIterator(), key.All())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("Collect returned %d entries, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.Key.String() != want[i] || string(e.Value) != want[i] {
			t.Fatalf("entry %d = %s (%q), want %s", i, e.Key, e.Value, want[i])
		}
	}
	if n, err := s.Len(); err != nil || n != 12 {
		t.Fatalf("Len = %d, %v", n, err)
	}
}

func TestStoreFamilyFilterAndRange(t *testing.T) {
	s := openTemp(t, 2)
	var entries []sortedkv.Entry
	for _, cf := range []string{"a", "b", "a", "c", "a"} {
		for _, row := range []string{"r1", "r2"} {
			entries = append(entries, sortedkv.Entry{Key: key.New(row, cf, "x"+cf)})
		}
	}
	if err := s.Write(entries); err != nil {
		t.Fatal(err)
	}
	it := s.NewIterator()
	if err := it.Seek(key.RowRange([]byte("r1")), [][]byte{[]byte("a")}, true); err != nil {
		t.Fatal(err)
	}
	var got []string
	for it.HasTop() {
		got = append(got, it.TopKey().String())
		if err := it.Next(); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != 1 || got[0] != "r1 a:xa" {
		t.Fatalf("got %q", got)
	}

	start := key.New("r1", "b", "xb")
	if err := it.Seek(key.NewRange(&start, false, nil, false), nil, false); err != nil {
		t.Fatal(err)
	}
	if !it.HasTop() || it.TopKey().String() != "r1 c:xc" {
		t.Fatalf("exclusive seek top = %v", it.TopKey())
	}
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shards.db")
	s, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write([]sortedkv.Entry{{Key: key.New("r", "f", "q"), Value: []byte("v")}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s, err = Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := sortedkv.Collect(s.NewIterator(), key.All())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || string(got[0].Value) != "v" {
		t.Fatalf("reopened store returned %v", got)
	}
}
