// Package ingest turns records into shard table entries.
//
// Every field value is written twice: once as a field-index entry and once
// as an event entry. Index-only fields get the field-index entry only; the
// evaluator reports matches on them through its match hints.
package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"shardscan/internal/shardkey"
	"shardscan/internal/sortedkv"
)

// DefaultShards is the number of partitions per day when none is set.
const DefaultShards = 4

var (
	// ErrInvalidRecord is returned for records that cannot be keyed.
	ErrInvalidRecord = errors.New("invalid record")
)

// Field is one value of a record.
type Field struct {
	Name      string
	Value     string
	IndexOnly bool
}

// Record is one event.
type Record struct {
	Datatype string
	UID      string
	Time     time.Time
	Fields   []Field
}

// Partition returns the partition of a record: its UTC day followed by a
// shard number derived from the uid.
func Partition(t time.Time, uid string, shards int) string {
	if shards <= 0 {
		shards = DefaultShards
	}
	n := xxhash.Sum64String(uid) % uint64(shards)
	return t.UTC().Format("20060102") + "_" + strconv.FormatUint(n, 10)
}

// Entries builds the field-index and event entries of r. Field names are
// upper-cased.
func Entries(r Record, shards int) ([]sortedkv.Entry, error) {
	if err := validate(r); err != nil {
		return nil, err
	}
	partition := Partition(r.Time, r.UID, shards)
	ts := r.Time.UnixMilli()
	out := make([]sortedkv.Entry, 0, 2*len(r.Fields))
	for _, f := range r.Fields {
		name := strings.ToUpper(f.Name)
		out = append(out, sortedkv.Entry{Key: shardkey.IndexKey(partition, name, f.Value, r.Datatype, r.UID, ts)})
		if !f.IndexOnly {
			out = append(out, sortedkv.Entry{Key: shardkey.EventEntryKey(partition, r.Datatype, r.UID, name, f.Value, ts)})
		}
	}
	return out, nil
}

func validate(r Record) error {
	switch {
	case r.Datatype == "":
		return fmt.Errorf("%w: missing datatype", ErrInvalidRecord)
	case r.UID == "":
		return fmt.Errorf("%w: missing uid", ErrInvalidRecord)
	case r.Datatype+"\x00" == shardkey.IndexPrefix:
		// The event family fi\x00uid would read as a field-index family.
		return fmt.Errorf("%w: datatype %q is reserved", ErrInvalidRecord, r.Datatype)
	case strings.ContainsRune(r.Datatype, shardkey.Null) || strings.ContainsRune(r.UID, shardkey.Null):
		return fmt.Errorf("%w: NUL in datatype or uid of %q", ErrInvalidRecord, r.UID)
	}
	for _, f := range r.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s has a field without a name", ErrInvalidRecord, r.UID)
		}
		if strings.ContainsRune(f.Name, shardkey.Null) || strings.ContainsRune(f.Value, shardkey.Null) {
			return fmt.Errorf("%w: NUL in field %q of %s", ErrInvalidRecord, f.Name, r.UID)
		}
	}
	return nil
}
