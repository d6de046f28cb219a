// Package scan runs a boolean field-index query over every partition of a
// shard table.
//
// Partitions are scanned concurrently, each by its own evaluator clone, and
// hits are yielded in key order: partitions in order, records in order
// within a partition. A scan can be resumed after the last key it yielded.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"shardscan/internal/booleanlogic"
	"shardscan/internal/key"
	"shardscan/internal/logging"
	"shardscan/internal/metrics"
	"shardscan/internal/readahead"
	"shardscan/internal/shardkey"
	"shardscan/internal/sortedkv"
)

// hitBuffer is how many hits a partition worker may run ahead of the
// consumer.
const hitBuffer = 64

// Scanner scans a store. The zero value of each option is usable.
type Scanner struct {
	Source sortedkv.Source
	// Parallelism bounds the number of partitions scanned at once. Zero
	// means one.
	Parallelism int
	// ReadAhead is the read-ahead queue size of every storage iterator.
	// Zero disables read-ahead.
	ReadAhead        int
	ReadAheadTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Request is one scan.
type Request struct {
	Query booleanlogic.Config
	// After resumes the scan after this event key.
	After *key.Key
	// Partitions restricts the scan; empty scans every partition.
	Partitions []string
	// Limit stops the scan after this many hits; zero is unlimited.
	Limit int
	// Events fetches the stored fields of every hit.
	Events bool
}

// Hit is one matching record.
type Hit struct {
	// Key is the event key (partition, datatype\x00uid).
	Key key.Key
	// Matches holds the values of unevaluated fields that matched.
	Matches map[string][]string
	// Event holds the stored fields when Request.Events is set.
	Event map[string][]string
}

// Partition returns the partition of the hit.
func (h Hit) Partition() string { return string(h.Key.Row) }

// ID returns datatype\x00uid of the hit.
func (h Hit) ID() string { return shardkey.EventKeyID(h.Key) }

// Scan yields the hits of req. Errors are yielded once, as the last
// element. Cancelling ctx stops the scan with ctx's error.
func (s *Scanner) Scan(ctx context.Context, req Request) iter.Seq2[Hit, error] {
	return func(yield func(Hit, error) bool) {
		logger := logging.Default(s.Logger).With("component", "scan")

		proto := booleanlogic.New(nil, req.Query, s.Logger, s.Metrics)
		if err := proto.Prepare(); err != nil {
			yield(Hit{}, err)
			return
		}
		partitions, err := s.partitions(req)
		if err != nil {
			yield(Hit{}, err)
			return
		}
		logger.Debug("scan started", "query", req.Query.Query, "tree", proto.String(), "partitions", len(partitions))
		if len(partitions) == 0 {
			return
		}

		scanCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		g, gctx := errgroup.WithContext(scanCtx)
		g.SetLimit(max(s.Parallelism, 1))

		outs := make([]chan Hit, len(partitions))
		for i := range outs {
			outs[i] = make(chan Hit, hitBuffer)
		}
		launched := make(chan struct{})
		go func() {
			defer close(launched)
			for i, p := range partitions {
				if gctx.Err() != nil {
					return
				}
				g.Go(func() error {
					defer close(outs[i])
					return s.scanPartition(gctx, proto, req, p, outs[i])
				})
			}
		}()

		stopped := false
		n := 0
	consume:
		for i := range outs {
			for {
				var h Hit
				var ok bool
				select {
				case h, ok = <-outs[i]:
				case <-gctx.Done():
					break consume
				}
				if !ok {
					break
				}
				n++
				if !yield(h, nil) {
					stopped = true
					break consume
				}
				if req.Limit > 0 && n >= req.Limit {
					stopped = true
					break consume
				}
			}
		}

		cancel()
		<-launched
		err = g.Wait()
		switch {
		case stopped:
		case ctx.Err() != nil:
			yield(Hit{}, ctx.Err())
		case err != nil:
			yield(Hit{}, err)
		default:
			logger.Debug("scan finished", "hits", n)
		}
	}
}

// partitions lists the partitions to scan, skipping those before
// req.After.
func (s *Scanner) partitions(req Request) ([][]byte, error) {
	var all [][]byte
	if len(req.Partitions) > 0 {
		names := slices.Compact(slices.Sorted(slices.Values(req.Partitions)))
		for _, p := range names {
			all = append(all, []byte(p))
		}
	} else {
		rows, err := sortedkv.Rows(s.Source.NewIterator(), key.All())
		if err != nil {
			return nil, fmt.Errorf("list partitions: %w", err)
		}
		all = rows
	}
	if req.After == nil {
		return all, nil
	}
	out := all[:0]
	for _, p := range all {
		if string(p) >= string(req.After.Row) {
			out = append(out, p)
		}
	}
	return out, nil
}

// partitionRange is the range of one partition, starting after req.After
// when it falls inside the partition.
func partitionRange(req Request, partition []byte) key.Range {
	r := key.RowRange(partition)
	if req.After != nil && string(req.After.Row) == string(partition) {
		after := req.After.Clone()
		r.Start, r.StartInclusive = &after, false
	}
	return r
}

func (s *Scanner) scanPartition(ctx context.Context, proto *booleanlogic.Evaluator, req Request, partition []byte, out chan<- Hit) error {
	iters := &tracker{logger: logging.Default(s.Logger).With("component", "scan", "partition", string(partition))}
	defer iters.close()

	base := s.iterator(ctx, iters)
	ev := proto.CloneOn(base)
	defer ev.Close()
	var events sortedkv.Iterator
	if req.Events {
		events = sortedkv.WithContext(ctx, s.Source.NewIterator())
	}

	s.Metrics.Partition()
	if err := ev.Seek(partitionRange(req, partition), nil, false); err != nil {
		return sortedkv.Annotate(err, "scan %s", partition)
	}
	for ev.HasTop() {
		h := Hit{Key: ev.TopKey().Clone()}
		matches, err := booleanlogic.DecodeMatches(ev.TopValue(), nil)
		if err != nil {
			return fmt.Errorf("scan %s: %w", partition, err)
		}
		h.Matches = matches
		if events != nil {
			if h.Event, err = fetchEvent(events, h.Key); err != nil {
				return sortedkv.Annotate(err, "scan %s", partition)
			}
		}
		select {
		case out <- h:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := ev.Next(); err != nil {
			return sortedkv.Annotate(err, "scan %s", partition)
		}
	}
	return nil
}

// iterator opens the storage iterator of one worker. Every read-ahead
// iterator derived from it is recorded in t.
func (s *Scanner) iterator(ctx context.Context, t *tracker) sortedkv.Iterator {
	it := s.Source.NewIterator()
	if s.ReadAhead > 0 {
		ra := readahead.New(it, readahead.Options{QueueSize: s.ReadAhead, Timeout: s.ReadAheadTimeout, Logger: s.Logger})
		it = t.track(ra)
	}
	return sortedkv.WithContext(ctx, it)
}

// fetchEvent reads the stored fields of the record at eventKey.
func fetchEvent(it sortedkv.Iterator, eventKey key.Key) (map[string][]string, error) {
	if err := it.Seek(key.PrefixRange(eventKey, key.RowFamily), nil, false); err != nil {
		return nil, sortedkv.Annotate(err, "fetch event %s", eventKey)
	}
	event := make(map[string][]string)
	for it.HasTop() {
		field, value, err := shardkey.ParseEventEntry(it.TopKey())
		if err != nil {
			return nil, fmt.Errorf("fetch event %s: %w", eventKey, err)
		}
		event[field] = append(event[field], value)
		if err := it.Next(); err != nil {
			return nil, sortedkv.Annotate(err, "fetch event %s", eventKey)
		}
	}
	return event, nil
}

// tracker closes the read-ahead iterators of one worker, including the
// copies the evaluator's leaves make.
type tracker struct {
	iters  []io.Closer
	logger *slog.Logger
}

func (t *tracker) track(ra *readahead.Iterator) sortedkv.Iterator {
	t.iters = append(t.iters, ra)
	return &tracked{Iterator: ra, t: t}
}

func (t *tracker) close() {
	for _, it := range t.iters {
		if err := it.Close(); err != nil {
			t.logger.Debug("close read-ahead", "error", err)
		}
	}
}

type tracked struct {
	*readahead.Iterator
	t *tracker
}

func (tr *tracked) DeepCopy() sortedkv.Iterator {
	return tr.t.track(tr.Iterator.DeepCopy().(*readahead.Iterator))
}

// IsInterrupted reports whether err ended a scan through cancellation.
func IsInterrupted(err error) bool {
	return errors.Is(err, sortedkv.ErrInterrupted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
