package memory

import (
	"testing"

	"shardscan/internal/key"
	"shardscan/internal/sortedkv"
)

func fill(t *testing.T, s *Store, keys ...key.Key) {
	t.Helper()
	for _, k := range keys {
		if err := s.Put(k, []byte("v:"+k.String())); err != nil {
			t.Fatal(err)
		}
	}
}

func drain(t *testing.T, it sortedkv.Iterator) []string {
	t.Helper()
	var out []string
	for it.HasTop() {
		out = append(out, it.TopKey().String())
		if err := it.Next(); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

func TestSeekAndNext(t *testing.T) {
	s := NewStore()
	fill(t, s,
		key.New("r2", "b", ""),
		key.New("r1", "a", "1"),
		key.New("r1", "a", "2"),
		key.New("r1", "b", "1"),
		key.New("r3", "a", ""),
	)

	start := key.New("r1", "a", "2")
	end := key.New("r3", "", "")

	tests := []struct {
		name      string
		r         key.Range
		fams      [][]byte
		inclusive bool
		want      []string
	}{
		{"all", key.All(), nil, false, []string{"r1 a:1", "r1 a:2", "r1 b:1", "r2 b:", "r3 a:"}},
		{"inclusive start", key.NewRange(&start, true, &end, false), nil, false, []string{"r1 a:2", "r1 b:1", "r2 b:"}},
		{"exclusive start", key.NewRange(&start, false, &end, false), nil, false, []string{"r1 b:1", "r2 b:"}},
		{"only family a", key.All(), [][]byte{[]byte("a")}, true, []string{"r1 a:1", "r1 a:2", "r3 a:"}},
		{"without family a", key.All(), [][]byte{[]byte("a")}, false, []string{"r1 b:1", "r2 b:"}},
		{"row", key.RowRange([]byte("r2")), nil, false, []string{"r2 b:"}},
		{"empty", key.RowRange([]byte("r9")), nil, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := s.NewIterator()
			if err := it.Seek(tt.r, tt.fams, tt.inclusive); err != nil {
				t.Fatal(err)
			}
			got := drain(t, it)
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %q, want %q", got, tt.want)
				}
			}
		})
	}
}

func TestReplaceAndDelete(t *testing.T) {
	s := NewStore()
	k := key.New("r", "f", "q")
	if err := s.Put(k, []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(k, []byte("two")); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	it := s.NewIterator()
	if err := it.Seek(key.All(), nil, false); err != nil {
		t.Fatal(err)
	}
	if string(it.TopValue()) != "two" {
		t.Fatalf("value = %q", it.TopValue())
	}
	if !s.Delete(k) || s.Len() != 0 {
		t.Fatal("delete failed")
	}
}

func TestDeepCopyIndependent(t *testing.T) {
	s := NewStore()
	fill(t, s, key.New("a", "", ""), key.New("b", "", ""))
	it := s.NewIterator()
	if err := it.Seek(key.All(), nil, false); err != nil {
		t.Fatal(err)
	}
	cp := it.DeepCopy()
	if cp.HasTop() {
		t.Fatal("copy should be unpositioned")
	}
	if err := cp.Seek(key.All(), nil, false); err != nil {
		t.Fatal(err)
	}
	if err := cp.Next(); err != nil {
		t.Fatal(err)
	}
	if string(it.TopKey().Row) != "a" || string(cp.TopKey().Row) != "b" {
		t.Fatalf("positions not independent: %s %s", it.TopKey(), cp.TopKey())
	}
}
