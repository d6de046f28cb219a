// Package readahead decorates a sorted iterator with a background producer
// that reads entries ahead of the consumer.
//
// The producer owns the wrapped iterator between Seek and the next Seek or
// Close. Entries are handed over through a bounded channel; a consumer that
// waits longer than Options.Timeout for the next entry gets ErrTimeout.
package readahead

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"shardscan/internal/key"
	"shardscan/internal/logging"
	"shardscan/internal/sortedkv"
)

// ErrTimeout is returned by Next when the producer did not deliver the next
// entry in time. The iterator is unpositioned afterwards.
var ErrTimeout = errors.New("read-ahead timed out")

// DefaultQueueSize is the number of entries buffered when Options.QueueSize
// is zero.
const DefaultQueueSize = 64

// Options configures a read-ahead iterator.
type Options struct {
	QueueSize int
	// Timeout bounds the wait for one entry. Zero waits forever.
	Timeout time.Duration
	Logger  *slog.Logger
}

type item struct {
	entry sortedkv.Entry
	err   error
}

// Iterator is a sortedkv.Iterator backed by a producer goroutine.
type Iterator struct {
	src    sortedkv.Iterator
	opts   Options
	logger *slog.Logger

	top    *sortedkv.Entry
	ch     chan item
	cancel context.CancelFunc
	done   chan struct{}
}

var _ sortedkv.Iterator = (*Iterator)(nil)

// New wraps src. The iterator is unpositioned until Seek.
func New(src sortedkv.Iterator, opts Options) *Iterator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := logging.Default(opts.Logger)
	return &Iterator{
		src:    src,
		opts:   opts,
		logger: logger.With("component", "readahead"),
	}
}

// Seek stops any running producer, seeks the wrapped iterator and starts a
// new producer behind the first entry.
func (it *Iterator) Seek(r key.Range, columnFamilies [][]byte, inclusive bool) error {
	it.stop()
	it.top = nil
	if err := it.src.Seek(r, columnFamilies, inclusive); err != nil {
		return err
	}
	if !it.src.HasTop() {
		return nil
	}
	it.top = snapshot(it.src)

	ctx, cancel := context.WithCancel(context.Background())
	it.ch = make(chan item, it.opts.QueueSize)
	it.done = make(chan struct{})
	it.cancel = cancel
	go it.produce(ctx, it.src, it.ch, it.done)
	return nil
}

func (it *Iterator) produce(ctx context.Context, src sortedkv.Iterator, ch chan<- item, done chan<- struct{}) {
	defer close(done)
	defer close(ch)
	for ctx.Err() == nil {
		if err := src.Next(); err != nil {
			select {
			case ch <- item{err: err}:
			case <-ctx.Done():
			}
			return
		}
		if !src.HasTop() {
			return
		}
		select {
		case ch <- item{entry: *snapshot(src)}:
		case <-ctx.Done():
			return
		}
	}
}

// Next takes the next entry from the producer.
func (it *Iterator) Next() error {
	if it.top == nil {
		return nil
	}
	it.top = nil
	var timeout <-chan time.Time
	if it.opts.Timeout > 0 {
		t := time.NewTimer(it.opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case next, ok := <-it.ch:
		switch {
		case !ok:
			return nil
		case next.err != nil:
			it.stop()
			return next.err
		}
		it.top = &next.entry
		return nil
	case <-timeout:
		it.logger.Warn("producer timed out", "timeout", it.opts.Timeout)
		it.stop()
		return ErrTimeout
	}
}

func (it *Iterator) HasTop() bool { return it.top != nil }

func (it *Iterator) TopKey() key.Key {
	if it.top == nil {
		return key.Key{}
	}
	return it.top.Key
}

func (it *Iterator) TopValue() []byte {
	if it.top == nil {
		return nil
	}
	return it.top.Value
}

// DeepCopy returns an unpositioned read-ahead iterator over a copy of the
// wrapped iterator.
func (it *Iterator) DeepCopy() sortedkv.Iterator {
	return New(it.src.DeepCopy(), it.opts)
}

// Close stops the producer and waits for it to exit.
func (it *Iterator) Close() error {
	it.stop()
	it.top = nil
	return nil
}

func (it *Iterator) stop() {
	if it.cancel == nil {
		return
	}
	it.cancel()
	<-it.done
	it.cancel, it.ch, it.done = nil, nil, nil
}

// snapshot copies the top of src so the producer can move on.
func snapshot(src sortedkv.Iterator) *sortedkv.Entry {
	return &sortedkv.Entry{Key: src.TopKey().Clone(), Value: slices.Clone(src.TopValue())}
}
