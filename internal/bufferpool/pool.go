// Package bufferpool hands out a fixed number of fixed-size scratch buffers.
// Acquire blocks while every buffer is lent out, which bounds the memory spent
// on key encoding no matter how many writers are active.
package bufferpool

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when the pool is built with a non-positive count or size.
var ErrInvalidConfig = errors.New("bufferpool: count and size must be > 0")

// Pool is a bounded set of reusable byte buffers.
type Pool struct {
	bufs chan []byte
	size int
}

// New allocates count buffers of size bytes each.
func New(count, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, ErrInvalidConfig
	}
	p := &Pool{
		bufs: make(chan []byte, count),
		size: size,
	}
	for i := 0; i < count; i++ {
		p.bufs <- make([]byte, 0, size)
	}
	return p, nil
}

// Acquire lends out a zero-length buffer with capacity Size, waiting until one
// is released or ctx ends.
func (p *Pool) Acquire(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-p.bufs:
		return buf[:0], nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire buffer canceled: %w", ctx.Err())
	case buf := <-p.bufs:
		return buf[:0], nil
	}
}

// Release returns a buffer obtained from Acquire. Buffers with a different
// capacity, or releases beyond the pool's count, are discarded.
func (p *Pool) Release(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	select {
	case p.bufs <- buf[:0]:
	default:
	}
}

// Size reports the capacity of each buffer.
func (p *Pool) Size() int {
	return p.size
}

// Available reports how many buffers are idle.
func (p *Pool) Available() int {
	return len(p.bufs)
}

// Cap reports the total number of buffers.
func (p *Pool) Cap() int {
	return cap(p.bufs)
}
