package merge

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"shardscan/internal/key"
	"shardscan/internal/shardkey"
	"shardscan/internal/sortedkv"
	"shardscan/internal/sortedkv/memory"
)

const (
	p0 = "20200101_0"
	p1 = "20200101_1"
	p2 = "20200102_0"
)

// record is one event with at most one value per field.
type record struct {
	partition, datatype, uid string
	fields                   map[string]string
}

func (r record) key() string { return r.partition + "\x00" + r.datatype + "\x00" + r.uid }

func newStore(t *testing.T, recs ...record) *memory.Store {
	t.Helper()
	s := memory.NewStore()
	var batch []sortedkv.Entry
	for _, r := range recs {
		for f, v := range r.fields {
			batch = append(batch,
				sortedkv.Entry{Key: shardkey.IndexKey(r.partition, f, v, r.datatype, r.uid, 1000)},
				sortedkv.Entry{Key: shardkey.EventEntryKey(r.partition, r.datatype, r.uid, f, v, 1000)},
			)
		}
	}
	if err := s.Write(batch); err != nil {
		t.Fatal(err)
	}
	return s
}

func rec(partition, uid string, kv ...string) record {
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return record{partition: partition, datatype: "csv", uid: uid, fields: fields}
}

func drain(t *testing.T, it sortedkv.Iterator) []string {
	t.Helper()
	var out []string
	for it.HasTop() {
		out = append(out, shardkey.EventKeyRowAndID(it.TopKey()))
		if err := it.Next(); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

func ek(partition, uid string) string { return partition + "\x00csv\x00" + uid }

func TestNewIntersectErrors(t *testing.T) {
	s := memory.NewStore()
	if _, err := NewIntersect(s.NewIterator(), []Term{{Field: "A", Value: "1"}}, Options{}); !errors.Is(err, ErrTooFewSources) {
		t.Errorf("one term: err = %v", err)
	}
	negs := []Term{{Field: "A", Value: "1", Negated: true}, {Field: "B", Value: "1", Negated: true}}
	if _, err := NewIntersect(s.NewIterator(), negs, Options{}); !errors.Is(err, ErrAllSourcesNegated) {
		t.Errorf("all negated: err = %v", err)
	}
}

func TestIntersect(t *testing.T) {
	s := newStore(t,
		rec(p0, "k1", "A", "1"),
		rec(p0, "k2", "A", "1", "B", "1"),
		rec(p0, "k3", "A", "1", "B", "1"),
		rec(p0, "k4", "B", "1"),
		rec(p1, "k5", "A", "1", "B", "2"),
		rec(p1, "k6", "A", "1", "B", "1"),
		rec(p2, "k7", "A", "2", "B", "1"),
	)
	tests := []struct {
		name  string
		terms []Term
		rng   key.Range
		want  []string
	}{
		{
			name:  "simple and",
			terms: []Term{{Field: "A", Value: "1"}, {Field: "B", Value: "1"}},
			rng:   key.RowRange([]byte(p0)),
			want:  []string{ek(p0, "k2"), ek(p0, "k3")},
		},
		{
			name:  "across partitions",
			terms: []Term{{Field: "A", Value: "1"}, {Field: "B", Value: "1"}},
			rng:   key.All(),
			want:  []string{ek(p0, "k2"), ek(p0, "k3"), ek(p1, "k6")},
		},
		{
			name:  "and not",
			terms: []Term{{Field: "A", Value: "1"}, {Field: "B", Value: "1", Negated: true}},
			rng:   key.All(),
			want:  []string{ek(p0, "k1"), ek(p1, "k5")},
		},
		{
			name:  "negated first is swapped",
			terms: []Term{{Field: "B", Value: "1", Negated: true}, {Field: "A", Value: "1"}},
			rng:   key.All(),
			want:  []string{ek(p0, "k1"), ek(p1, "k5")},
		},
		{
			name:  "negated field absent from partition",
			terms: []Term{{Field: "B", Value: "1"}, {Field: "C", Value: "1", Negated: true}},
			rng:   key.All(),
			want:  []string{ek(p0, "k2"), ek(p0, "k3"), ek(p0, "k4"), ek(p1, "k6"), ek(p2, "k7")},
		},
		{
			name:  "resume after record",
			terms: []Term{{Field: "A", Value: "1"}, {Field: "B", Value: "1"}},
			rng:   key.Range{Start: shardkey.EventKey(p0, "csv", "k2").Ptr(), StartInclusive: false},
			want:  []string{ek(p0, "k3"), ek(p1, "k6")},
		},
		{
			name:  "no match",
			terms: []Term{{Field: "A", Value: "2"}, {Field: "B", Value: "2"}},
			rng:   key.All(),
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := NewIntersect(s.NewIterator(), tt.terms, Options{})
			if err != nil {
				t.Fatal(err)
			}
			if err := in.Seek(tt.rng, nil, false); err != nil {
				t.Fatal(err)
			}
			if got := drain(t, in); !slices.Equal(got, tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIntersectFilter(t *testing.T) {
	s := newStore(t,
		rec(p0, "k1", "A", "1", "B", "1"),
		rec(p0, "k2", "A", "1", "B", "1"),
		rec(p0, "k3", "A", "1", "B", "1"),
	)
	// Index entries of k2 are invisible.
	skip := func(k key.Key) bool {
		_, uid, _ := shardkey.SplitID(shardkey.IDOf(k.ColumnQualifier))
		return uid != "k2"
	}
	in, err := NewIntersect(s.NewIterator(), []Term{{Field: "A", Value: "1"}, {Field: "B", Value: "1"}}, Options{Filter: skip})
	if err != nil {
		t.Fatal(err)
	}
	if err := in.Seek(key.All(), nil, false); err != nil {
		t.Fatal(err)
	}
	want := []string{ek(p0, "k1"), ek(p0, "k3")}
	if got := drain(t, in); !slices.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIntersectJump(t *testing.T) {
	s := newStore(t,
		rec(p0, "k1", "A", "1", "B", "1"),
		rec(p0, "k3", "A", "1", "B", "1"),
		rec(p0, "k5", "A", "1", "B", "1"),
		rec(p1, "k2", "A", "1", "B", "1"),
		rec(p2, "k9", "A", "1", "B", "1"),
	)
	in, err := NewIntersect(s.NewIterator(), []Term{{Field: "A", Value: "1"}, {Field: "B", Value: "1"}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := in.Seek(key.All(), nil, false); err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		to   key.Key
		want string
	}{
		{shardkey.EventKey(p0, "csv", "k0"), ek(p0, "k1")}, // behind: stays
		{shardkey.EventKey(p0, "csv", "k2"), ek(p0, "k3")},
		{key.New(p0, "", ""), ek(p0, "k3")}, // same partition without id: stays
		{key.New(p1, "", ""), ek(p1, "k2")},
		{shardkey.EventKey(p2, "csv", "k9"), ek(p2, "k9")},
		{shardkey.EventKey(p2, "csv", "z"), ""},
	}
	for i, st := range steps {
		ok, err := in.Jump(st.to)
		if err != nil {
			t.Fatal(err)
		}
		if ok != (st.want != "") {
			t.Fatalf("step %d: ok = %v", i, ok)
		}
		if ok {
			if got := shardkey.EventKeyRowAndID(in.TopKey()); got != st.want {
				t.Fatalf("step %d: top = %q, want %q", i, got, st.want)
			}
		}
	}
}

func TestIntersectJumpPastEnd(t *testing.T) {
	s := newStore(t,
		rec(p0, "k1", "A", "1", "B", "1"),
		rec(p1, "k2", "A", "1", "B", "1"),
	)
	in, err := NewIntersect(s.NewIterator(), []Term{{Field: "A", Value: "1"}, {Field: "B", Value: "1"}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := in.Seek(key.RowRange([]byte(p0)), nil, false); err != nil {
		t.Fatal(err)
	}
	if ok, err := in.Jump(key.New(p1, "", "")); err != nil || ok {
		t.Fatalf("Jump beyond the range = %v, %v", ok, err)
	}
}

// randomRecords spreads n records over three partitions with random values
// for A, B and C drawn from {x, y}; a field may be missing.
func randomRecords(seed uint64, n int) []record {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	partitions := []string{p0, p1, p2}
	values := []string{"", "x", "y"}
	var out []record
	for i := range n {
		r := rec(partitions[rng.IntN(len(partitions))], fmt.Sprintf("u%03d", i))
		for _, f := range []string{"A", "B", "C"} {
			if v := values[rng.IntN(len(values))]; v != "" {
				r.fields[f] = v
			}
		}
		out = append(out, r)
	}
	return out
}

func expected(recs []record, match func(record) bool) []string {
	var out []string
	for _, r := range recs {
		if match(r) {
			out = append(out, r.key())
		}
	}
	slices.Sort(out)
	return out
}

func TestIntersectMatchesSetIntersection(t *testing.T) {
	for seed := range uint64(5) {
		recs := randomRecords(seed, 60)
		s := newStore(t, recs...)
		cases := [][]Term{
			{{Field: "A", Value: "x"}, {Field: "B", Value: "x"}},
			{{Field: "A", Value: "x"}, {Field: "B", Value: "y"}, {Field: "C", Value: "x"}},
			{{Field: "A", Value: "y"}, {Field: "B", Value: "x", Negated: true}},
			{{Field: "C", Value: "x", Negated: true}, {Field: "A", Value: "x"}, {Field: "B", Value: "y", Negated: true}},
		}
		for _, terms := range cases {
			want := expected(recs, func(r record) bool {
				for _, term := range terms {
					if (r.fields[term.Field] == term.Value) == term.Negated {
						return false
					}
				}
				return true
			})
			in, err := NewIntersect(s.NewIterator(), terms, Options{})
			if err != nil {
				t.Fatal(err)
			}
			if err := in.Seek(key.All(), nil, false); err != nil {
				t.Fatal(err)
			}
			if got := drain(t, in); !slices.Equal(got, want) {
				t.Errorf("seed %d %v: got %q, want %q", seed, terms, got, want)
			}
		}
	}
}
