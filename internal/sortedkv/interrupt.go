package sortedkv

import (
	"context"

	"shardscan/internal/key"
)

// contextIterator turns context cancellation into ErrInterrupted.
type contextIterator struct {
	ctx   context.Context
	inner Iterator
}

// WithContext wraps it so that Seek and Next fail with ErrInterrupted once
// ctx is done. Copies made with DeepCopy observe the same context.
func WithContext(ctx context.Context, it Iterator) Iterator {
	return &contextIterator{ctx: ctx, inner: it}
}

func (c *contextIterator) Seek(r key.Range, columnFamilies [][]byte, inclusive bool) error {
	if c.ctx.Err() != nil {
		return ErrInterrupted
	}
	return c.inner.Seek(r, columnFamilies, inclusive)
}

func (c *contextIterator) Next() error {
	if c.ctx.Err() != nil {
		return ErrInterrupted
	}
	return c.inner.Next()
}

func (c *contextIterator) HasTop() bool { return c.inner.HasTop() }
func (c *contextIterator) TopKey() key.Key { return c.inner.TopKey() }
func (c *contextIterator) TopValue() []byte { return c.inner.TopValue() }
func (c *contextIterator) DeepCopy() Iterator { return &contextIterator{ctx: c.ctx, inner: c.inner.DeepCopy()} }
