package merge

import (
	"bytes"
	"slices"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"shardscan/internal/fieldindex"
	"shardscan/internal/key"
	"shardscan/internal/metrics"
	"shardscan/internal/shardkey"
	"shardscan/internal/sortedkv"
)

func termUnion(src sortedkv.Source, terms ...Term) *Union {
	leaves := make([]fieldindex.Leaf, len(terms))
	for i, t := range terms {
		leaves[i] = fieldindex.NewTerm(src.NewIterator(), t.Field, t.Value, fieldindex.Options{})
	}
	return NewUnion(leaves, Options{})
}

func TestUnionDedup(t *testing.T) {
	s := newStore(t,
		rec(p0, "k1", "A", "1"),
		rec(p0, "k2", "B", "1"),
		rec(p0, "k3", "A", "1", "B", "1"),
		rec(p1, "k4", "A", "1", "B", "1"),
		rec(p2, "k5", "C", "1"),
	)
	u := termUnion(s, Term{Field: "A", Value: "1"}, Term{Field: "B", Value: "1"})
	defer u.Close()
	if err := u.Seek(key.All(), nil, false); err != nil {
		t.Fatal(err)
	}
	want := []string{ek(p0, "k1"), ek(p0, "k2"), ek(p0, "k3"), ek(p1, "k4")}
	if got := drain(t, u); !slices.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestUnionCurrentTerm(t *testing.T) {
	s := newStore(t,
		rec(p0, "k1", "NAME", "bob"),
		rec(p0, "k2", "NAME", "alice"),
	)
	u := termUnion(s, Term{Field: "NAME", Value: "alice"}, Term{Field: "NAME", Value: "bob"})
	if err := u.Seek(key.All(), nil, false); err != nil {
		t.Fatal(err)
	}
	var got []string
	for u.HasTop() {
		got = append(got, shardkey.EventKeyID(u.TopKey())+"="+u.CurrentField()+":"+u.CurrentValue())
		if err := u.Next(); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"csv\x00k1=NAME:bob", "csv\x00k2=NAME:alice"}
	if !slices.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if u.CurrentField() != "" {
		t.Errorf("exhausted union reports field %q", u.CurrentField())
	}
}

func TestUnionJump(t *testing.T) {
	s := newStore(t,
		rec(p0, "k1", "A", "1"),
		rec(p0, "k4", "B", "1"),
		rec(p0, "k6", "A", "1"),
		rec(p1, "k2", "B", "1"),
		rec(p1, "k3", "A", "1"),
	)
	u := termUnion(s, Term{Field: "A", Value: "1"}, Term{Field: "B", Value: "1"})
	if err := u.Seek(key.All(), nil, false); err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		to   key.Key
		want string
	}{
		{shardkey.EventKey(p0, "csv", "k0"), ek(p0, "k1")},
		{shardkey.EventKey(p0, "csv", "k2"), ek(p0, "k4")},
		{shardkey.EventKey(p0, "csv", "k5"), ek(p0, "k6")},
		{key.New(p1, "", ""), ek(p1, "k2")},
		{shardkey.EventKey(p1, "csv", "k3"), ek(p1, "k3")},
		{shardkey.EventKey(p2, "csv", "k0"), ""},
	}
	for i, st := range steps {
		ok, err := u.Jump(st.to)
		if err != nil {
			t.Fatal(err)
		}
		if ok != (st.want != "") {
			t.Fatalf("step %d: ok = %v", i, ok)
		}
		if ok {
			if got := shardkey.EventKeyRowAndID(u.TopKey()); got != st.want {
				t.Fatalf("step %d: top = %q, want %q", i, got, st.want)
			}
		}
	}
}

func TestUnionMatchesSetUnion(t *testing.T) {
	for seed := range uint64(5) {
		recs := randomRecords(seed, 60)
		s := newStore(t, recs...)
		cases := [][]Term{
			{{Field: "A", Value: "x"}, {Field: "B", Value: "x"}},
			{{Field: "A", Value: "x"}, {Field: "A", Value: "y"}, {Field: "C", Value: "y"}},
		}
		for _, terms := range cases {
			want := expected(recs, func(r record) bool {
				for _, term := range terms {
					if r.fields[term.Field] == term.Value {
						return true
					}
				}
				return false
			})
			u := termUnion(s, terms...)
			if err := u.Seek(key.All(), nil, false); err != nil {
				t.Fatal(err)
			}
			if got := drain(t, u); !slices.Equal(got, want) {
				t.Errorf("seed %d %v: got %q, want %q", seed, terms, got, want)
			}
		}
	}
}

func TestUnionDeepCopy(t *testing.T) {
	s := newStore(t, rec(p0, "k1", "A", "1"), rec(p0, "k2", "B", "1"))
	u := termUnion(s, Term{Field: "A", Value: "1"}, Term{Field: "B", Value: "1"})
	if err := u.Seek(key.All(), nil, false); err != nil {
		t.Fatal(err)
	}
	c := u.DeepCopy()
	if c.HasTop() {
		t.Fatal("copy should be unpositioned")
	}
	if err := c.Seek(key.All(), nil, false); err != nil {
		t.Fatal(err)
	}
	if err := c.Next(); err != nil {
		t.Fatal(err)
	}
	if got, want := shardkey.EventKeyRowAndID(u.TopKey()), ek(p0, "k1"); got != want {
		t.Errorf("original moved to %q", got)
	}
}

func TestUnionCountsSeeks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	s := newStore(t, rec(p0, "k1", "A", "1"), rec(p0, "k2", "B", "1"))
	leaves := []fieldindex.Leaf{
		fieldindex.NewTerm(s.NewIterator(), "A", "1", fieldindex.Options{}),
		fieldindex.NewTerm(s.NewIterator(), "B", "1", fieldindex.Options{}),
	}
	u := NewUnion(leaves, Options{Metrics: m})
	defer u.Close()
	for range 2 {
		if err := u.Seek(key.All(), nil, false); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := metrics.Write(&buf, reg); err != nil {
		t.Fatal(err)
	}
	if want := `shardscan_leaf_seeks_total{kind="union"} 2`; !strings.Contains(buf.String(), want) {
		t.Errorf("output missing %q:\n%s", want, buf.String())
	}
}
