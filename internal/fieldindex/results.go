package fieldindex

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/btree"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"shardscan/internal/metrics"
)

// match is one record id of a partition result set with the first value
// that matched it.
type match struct {
	ID    string `msgpack:"i"`
	Value string `msgpack:"v"`
}

func lessMatch(a, b match) bool { return a.ID < b.ID }

// resultSet collects the matching ids of one partition in sorted,
// deduplicated order. Beyond max in-memory entries it spills sorted runs to
// dir and serves them back through a k-way merge.
type resultSet struct {
	dir     string
	max     int
	mem     *btree.BTreeG[match]
	runs    []string
	seq     *int
	metrics *metrics.Metrics
}

func newResultSet(dir string, limit int, seq *int, m *metrics.Metrics) *resultSet {
	if limit <= 0 {
		limit = DefaultMaxCachedResults
	}
	return &resultSet{dir: dir, max: limit, mem: btree.NewG(32, lessMatch), seq: seq, metrics: m}
}

// add records id; the first value seen for an id is kept.
func (s *resultSet) add(id, value string) error {
	if _, ok := s.mem.Get(match{ID: id}); ok {
		return nil
	}
	s.mem.ReplaceOrInsert(match{ID: id, Value: value})
	if s.dir != "" && s.mem.Len() >= s.max {
		return s.spill()
	}
	return nil
}

// spill writes the in-memory entries as one zstd-compressed msgpack run.
func (s *resultSet) spill() error {
	if s.mem.Len() == 0 {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	*s.seq++
	path := filepath.Join(s.dir, fmt.Sprintf("run-%06d.zst", *s.seq))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create run file: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("open run encoder: %w", err)
	}
	enc := msgpack.NewEncoder(zw)
	var encErr error
	s.mem.Ascend(func(m match) bool {
		encErr = enc.Encode(&m)
		return encErr == nil
	})
	if encErr != nil {
		_ = zw.Close()
		_ = f.Close()
		return fmt.Errorf("write run %s: %w", path, encErr)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush run %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run %s: %w", path, err)
	}
	s.runs = append(s.runs, path)
	s.mem.Clear(false)
	s.metrics.CacheSpill()
	return nil
}

// seal finishes collection. Once anything has spilled the remainder spills
// too so every entry is served from runs.
func (s *resultSet) seal() error {
	if len(s.runs) > 0 {
		return s.spill()
	}
	return nil
}

// Len is the in-memory entry count, or -1 when the set lives in runs.
func (s *resultSet) Len() int {
	if len(s.runs) > 0 {
		return -1
	}
	return s.mem.Len()
}

// remove deletes the run files.
func (s *resultSet) remove() error {
	var errs []error
	for _, p := range s.runs {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.runs = nil
	s.mem.Clear(false)
	return errors.Join(errs...)
}

// cursor reads a sealed result set in id order.
type cursor struct {
	mem   []match
	pos   int
	runs  []*runReader
	cur   match
	valid bool
}

func (s *resultSet) open() (*cursor, error) {
	c := &cursor{}
	if len(s.runs) == 0 {
		c.mem = make([]match, 0, s.mem.Len())
		s.mem.Ascend(func(m match) bool {
			c.mem = append(c.mem, m)
			return true
		})
		return c, c.advance()
	}
	for _, p := range s.runs {
		r, err := openRun(p)
		if err != nil {
			c.close()
			return nil, err
		}
		c.runs = append(c.runs, r)
	}
	return c, c.advance()
}

// advance moves to the next id; valid is false once the set is exhausted.
func (c *cursor) advance() error {
	if c.runs == nil {
		if c.pos < len(c.mem) {
			c.cur, c.valid = c.mem[c.pos], true
			c.pos++
			return nil
		}
		c.valid = false
		return nil
	}
	// The run heads are few; a linear scan picks the smallest.
	best := -1
	for i, r := range c.runs {
		if !r.ok {
			continue
		}
		if best < 0 || r.head.ID < c.runs[best].head.ID {
			best = i
		}
	}
	if best < 0 {
		c.valid = false
		return nil
	}
	next := c.runs[best].head
	for _, r := range c.runs {
		for r.ok && r.head.ID == next.ID {
			if r.head.Value < next.Value {
				next.Value = r.head.Value
			}
			if err := r.read(); err != nil {
				return err
			}
		}
	}
	c.cur, c.valid = next, true
	return nil
}

// seekGE advances to the first id >= id. It never rewinds.
func (c *cursor) seekGE(id string) error {
	for c.valid && c.cur.ID < id {
		if err := c.advance(); err != nil {
			return err
		}
	}
	return nil
}

func (c *cursor) close() {
	for _, r := range c.runs {
		r.close()
	}
	c.runs = nil
}

type runReader struct {
	f    *os.File
	zr   *zstd.Decoder
	dec  *msgpack.Decoder
	head match
	ok   bool
}

func openRun(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run: %w", err)
	}
	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open run decoder %s: %w", path, err)
	}
	r := &runReader{f: f, zr: zr, dec: msgpack.NewDecoder(zr)}
	if err := r.read(); err != nil {
		r.close()
		return nil, err
	}
	return r, nil
}

func (r *runReader) read() error {
	var m match
	if err := r.dec.Decode(&m); err != nil {
		r.ok = false
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("read run %s: %w", r.f.Name(), err)
	}
	r.head, r.ok = m, true
	return nil
}

func (r *runReader) close() {
	r.zr.Close()
	_ = r.f.Close()
}
