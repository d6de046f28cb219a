package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/theory/jsonpath"
)

// Mapping describes how JSON lines become records. Paths are RFC 9535
// JSONPath expressions.
type Mapping struct {
	Datatype string `json:"datatype"`
	// UID selects the record id. Without it the id is the xxhash of the
	// line.
	UID string `json:"uid,omitempty"`
	// Time selects the event time, either ms since epoch or an RFC 3339
	// string. Without it records are stamped with the decode time.
	Time string `json:"time,omitempty"`
	// Fields maps field names to paths. A path selecting several nodes
	// gives the field several values.
	Fields    map[string]string `json:"fields"`
	IndexOnly []string          `json:"indexOnly,omitempty"`
}

// JSONDecoder applies a Mapping to JSON lines.
type JSONDecoder struct {
	datatype  string
	uid, time *jsonpath.Path
	fields    []fieldPath
	now       func() time.Time
}

type fieldPath struct {
	name      string
	path      *jsonpath.Path
	indexOnly bool
}

// NewJSONDecoder compiles the paths of m.
func NewJSONDecoder(m Mapping) (*JSONDecoder, error) {
	if m.Datatype == "" {
		return nil, fmt.Errorf("%w: mapping without datatype", ErrInvalidRecord)
	}
	if len(m.Fields) == 0 {
		return nil, fmt.Errorf("%w: mapping without fields", ErrInvalidRecord)
	}
	d := &JSONDecoder{datatype: m.Datatype, now: time.Now}
	var err error
	if d.uid, err = compilePath("uid", m.UID); err != nil {
		return nil, err
	}
	if d.time, err = compilePath("time", m.Time); err != nil {
		return nil, err
	}
	indexOnly := make(map[string]bool, len(m.IndexOnly))
	for _, f := range m.IndexOnly {
		indexOnly[strings.ToUpper(f)] = true
	}
	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		p, err := compilePath(name, m.Fields[name])
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("%w: field %q has no path", ErrInvalidRecord, name)
		}
		upper := strings.ToUpper(name)
		d.fields = append(d.fields, fieldPath{name: upper, path: p, indexOnly: indexOnly[upper]})
	}
	return d, nil
}

func compilePath(name, expr string) (*jsonpath.Path, error) {
	if expr == "" {
		return nil, nil
	}
	p, err := jsonpath.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("compile path of %s: %w", name, err)
	}
	return p, nil
}

// Decode maps one JSON document to a record.
func (d *JSONDecoder) Decode(line []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Record{}, fmt.Errorf("decode json: %w", err)
	}
	r := Record{Datatype: d.datatype}

	if d.uid == nil {
		r.UID = strconv.FormatUint(xxhash.Sum64(line), 16)
	} else if r.UID = first(d.uid, doc); r.UID == "" {
		return Record{}, fmt.Errorf("%w: uid path matched nothing", ErrInvalidRecord)
	}

	r.Time = d.now()
	if d.time != nil {
		t, err := parseTime(first(d.time, doc))
		if err != nil {
			return Record{}, fmt.Errorf("%w: %s: %w", ErrInvalidRecord, r.UID, err)
		}
		r.Time = t
	}

	for _, f := range d.fields {
		for _, v := range scalars(f.path.Select(doc)) {
			r.Fields = append(r.Fields, Field{Name: f.name, Value: v, IndexOnly: f.indexOnly})
		}
	}
	return r, nil
}

// DecodeAll decodes every non-blank line of r and hands the records to fn.
// Errors name the failing line.
func (d *JSONDecoder) DecodeAll(r io.Reader, fn func(Record) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		rec, err := d.Decode(b)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

func first(p *jsonpath.Path, doc any) string {
	if v := scalars(p.Select(doc)); len(v) > 0 {
		return v[0]
	}
	return ""
}

// scalars renders selected nodes as strings. Arrays are flattened one level;
// objects are kept as compact JSON; nulls are skipped.
func scalars(nodes []any) []string {
	var out []string
	for _, n := range nodes {
		if arr, ok := n.([]any); ok {
			for _, v := range arr {
				if s, ok := scalar(v); ok {
					out = append(out, s)
				}
			}
			continue
		}
		if s, ok := scalar(n); ok {
			out = append(out, s)
		}
	}
	return out
}

func scalar(v any) (string, bool) {
	switch v := v.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("time path matched nothing")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
