package ingest

import (
	"fmt"
	"log/slog"

	"shardscan/internal/logging"
	"shardscan/internal/sortedkv"
)

// DefaultBatchSize is the number of entries handed to the store at once.
const DefaultBatchSize = 4096

// WriterOptions configures a Writer.
type WriterOptions struct {
	Shards    int
	BatchSize int
	Logger    *slog.Logger
}

// Writer batches record entries into a store. It is not safe for
// concurrent use.
type Writer struct {
	dst     sortedkv.Writer
	opts    WriterOptions
	logger  *slog.Logger
	pending []sortedkv.Entry
	records int
}

// NewWriter returns a writer into dst.
func NewWriter(dst sortedkv.Writer, opts WriterOptions) *Writer {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	logger := logging.Default(opts.Logger)
	return &Writer{dst: dst, opts: opts, logger: logger.With("component", "ingest")}
}

// Write keys records and flushes every full batch. A record that cannot be
// keyed fails the call before anything of it is buffered.
func (w *Writer) Write(records ...Record) error {
	for _, r := range records {
		entries, err := Entries(r, w.opts.Shards)
		if err != nil {
			return err
		}
		w.pending = append(w.pending, entries...)
		w.records++
		if len(w.pending) >= w.opts.BatchSize {
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes the buffered entries.
func (w *Writer) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	if err := w.dst.Write(w.pending); err != nil {
		return fmt.Errorf("write %d entries: %w", len(w.pending), err)
	}
	w.logger.Debug("batch written", "entries", len(w.pending), "records", w.records)
	w.pending = w.pending[:0]
	return nil
}

// Records is the number of records accepted so far.
func (w *Writer) Records() int { return w.records }
