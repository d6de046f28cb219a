package key

import (
	"math"
	"testing"
)

func TestCompareOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b Key
		want int
	}{
		{"equal", New("r", "f", "q"), New("r", "f", "q"), 0},
		{"row", New("a", "z", "z"), New("b", "a", "a"), -1},
		{"family", New("r", "b", ""), New("r", "a", "z"), 1},
		{"qualifier", New("r", "f", "a"), New("r", "f", "b"), -1},
		{"empty row first", New("", "", ""), New("a", "", ""), -1},
		{"newer timestamp first", Key{Row: []byte("r"), Timestamp: 10}, Key{Row: []byte("r"), Timestamp: 5}, -1},
		{"constructed key before stored", New("r", "f", "q"), Key{Row: []byte("r"), ColumnFamily: []byte("f"), ColumnQualifier: []byte("q"), Timestamp: 100}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if got := tt.b.Compare(tt.a); got != -tt.want {
				t.Errorf("reverse Compare = %d, want %d", got, -tt.want)
			}
		})
	}
}

func TestFollowing(t *testing.T) {
	k := Key{Row: []byte("row"), ColumnFamily: []byte("fam"), ColumnQualifier: []byte("q"), Timestamp: 7}

	tests := []struct {
		p    PartialKey
		want Key
	}{
		{Row, Key{Row: []byte("row\x00"), Timestamp: math.MaxInt64}},
		{RowFamily, Key{Row: []byte("row"), ColumnFamily: []byte("fam\x00"), Timestamp: math.MaxInt64}},
		{RowFamilyQualifier, Key{Row: []byte("row"), ColumnFamily: []byte("fam"), ColumnQualifier: []byte("q\x00"), Timestamp: math.MaxInt64}},
		{RowFamilyQualifierTime, Key{Row: []byte("row"), ColumnFamily: []byte("fam"), ColumnQualifier: []byte("q"), Timestamp: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.p.String(), func(t *testing.T) {
			got := k.Following(tt.p)
			if !got.Equal(tt.want) {
				t.Fatalf("Following(%s) = %s, want %s", tt.p, got, tt.want)
			}
			if got.Compare(k) <= 0 {
				t.Errorf("Following(%s) does not sort after the key", tt.p)
			}
		})
	}

	// Everything sharing the row sorts before Following(Row).
	next := k.Following(Row)
	if New("row", "\xff\xff", "\xff").Compare(next) >= 0 {
		t.Error("row member sorts after Following(Row)")
	}
}

func TestEqualPartial(t *testing.T) {
	a := New("r", "f", "q1")
	b := New("r", "f", "q2")
	if !a.EqualPartial(b, RowFamily) {
		t.Error("expected equal at RowFamily")
	}
	if a.EqualPartial(b, RowFamilyQualifier) {
		t.Error("expected different at RowFamilyQualifier")
	}
}

func TestMapKeyUnambiguous(t *testing.T) {
	a := New("r", "a\x00b", "")
	b := New("r", "a", "b")
	if a.MapKey() == b.MapKey() {
		t.Fatal("distinct keys share a map key")
	}
	if a.MapKey() != a.Clone().MapKey() {
		t.Fatal("clone changes map key")
	}
}

func TestNilCompare(t *testing.T) {
	k := New("a", "", "")
	if Compare(nil, &k) != 1 || Compare(&k, nil) != -1 || Compare(nil, nil) != 0 {
		t.Fatal("nil keys must sort last")
	}
}

func TestString(t *testing.T) {
	got := New("20200101_0", "csv\x00u1", "").String()
	want := `20200101_0 csv\x00u1:`
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
