package shardkey

import (
	"errors"
	"testing"

	"shardscan/internal/key"
)

func TestIndexKeyToEventKey(t *testing.T) {
	ik := IndexKey("20200101_0", "NAME", "bob", "csv", "u1", 42)

	tests := []struct {
		shape key.PartialKey
		want  key.Key
	}{
		{key.Row, key.New("20200101_0", "", "")},
		{key.RowFamily, key.New("20200101_0", "csv\x00u1", "")},
		{key.RowFamilyQualifier, key.New("20200101_0", "csv\x00u1", "NAME\x00bob")},
		{key.RowFamilyQualifierTime, key.Key{
			Row:             []byte("20200101_0"),
			ColumnFamily:    []byte("csv\x00u1"),
			ColumnQualifier: []byte("NAME\x00bob"),
			Timestamp:       42,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.shape.String(), func(t *testing.T) {
			got := IndexKeyToEventKey(ik, tt.shape)
			if !got.Equal(tt.want) {
				t.Errorf("IndexKeyToEventKey = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEventKeyMatchesEventEntryPrefix(t *testing.T) {
	ek := IndexKeyToEventKey(IndexKey("p", "F", "v", "dt", "u9", 1), key.RowFamily)
	if !ek.Equal(EventKey("p", "dt", "u9")) {
		t.Fatalf("event key %s != %s", ek, EventKey("p", "dt", "u9"))
	}
	entry := EventEntryKey("p", "dt", "u9", "F", "v", 1)
	if !SameEvent(ek, entry) {
		t.Fatal("event entry is not under its event key")
	}
	if got := EventKeyRowAndID(ek); got != "p\x00dt\x00u9" {
		t.Errorf("EventKeyRowAndID = %q", got)
	}
}

func TestParseIndexKey(t *testing.T) {
	got, err := ParseIndexKey(IndexKey("p", "NAME", "bob", "csv", "u1", 5))
	if err != nil {
		t.Fatal(err)
	}
	want := IndexEntry{Partition: "p", Field: "NAME", Value: "bob", Datatype: "csv", UID: "u1", Timestamp: 5}
	if got != want {
		t.Errorf("ParseIndexKey = %+v, want %+v", got, want)
	}

	tests := []key.Key{
		key.New("p", "csv\x00u1", "NAME\x00bob"),
		key.New("p", "fi\x00NAME", "bob"),
		key.New("p", "fi\x00NAME", "bob\x00csv"),
	}
	for _, k := range tests {
		if _, err := ParseIndexKey(k); !errors.Is(err, ErrNotIndexKey) {
			t.Errorf("ParseIndexKey(%s) error = %v, want ErrNotIndexKey", k, err)
		}
	}
}

func TestParseEventEntry(t *testing.T) {
	f, v, err := ParseEventEntry(EventEntryKey("p", "csv", "u1", "NAME", "bob", 0))
	if err != nil || f != "NAME" || v != "bob" {
		t.Fatalf("ParseEventEntry = %q %q %v", f, v, err)
	}
	if _, _, err := ParseEventEntry(IndexKey("p", "NAME", "bob", "csv", "u1", 0)); !errors.Is(err, ErrNotEventEntry) {
		t.Errorf("expected ErrNotEventEntry, got %v", err)
	}
}

func TestIndexColumn(t *testing.T) {
	if got := string(IndexColumn("NAME")); got != "fi\x00NAME" {
		t.Errorf("IndexColumn = %q", got)
	}
	if got := string(IndexColumn("fi\x00NAME")); got != "fi\x00NAME" {
		t.Errorf("IndexColumn double prefix = %q", got)
	}
	if f, ok := FieldFromColumn([]byte("fi\x00AGE")); !ok || f != "AGE" {
		t.Errorf("FieldFromColumn = %q %v", f, ok)
	}
}
