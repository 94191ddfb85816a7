// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Readout buffer pool. Two bounded channels stand in for the empty/filled
// queue pair: the worker goroutine drains "empty" and feeds "filled"; the
// parser goroutine does the reverse.

package readout

import (
	"context"
	"sync"

	"github.com/mvlc-go/mvlc"
)

// Buffer is one readout chunk: a monotonically numbered byte slice handed
// between the worker and the parser, tagged with the transport variant that
// produced it. Number gaps indicate lost buffers.
type Buffer struct {
	Number uint64
	Type   mvlc.TransportType
	Data   []byte
}

// BufferPool is a fixed-size pool of reusable Buffers split between an
// "empty" queue (available for the worker to fill) and a "filled" queue
// (ready for the parser to consume).
type BufferPool struct {
	empty  chan *Buffer
	filled chan *Buffer

	mu        sync.Mutex
	inUse     int
	highWater int
}

// NewBufferPool creates count buffers of capacity bufSize bytes, all
// initially on the empty queue.
func NewBufferPool(bufSize, count int) *BufferPool {
	p := &BufferPool{
		empty:  make(chan *Buffer, count),
		filled: make(chan *Buffer, count),
	}
	for i := 0; i < count; i++ {
		p.empty <- &Buffer{Data: make([]byte, 0, bufSize)}
	}
	return p
}

// GetEmpty blocks until a buffer is available on the empty queue or ctx is
// done.
func (p *BufferPool) GetEmpty(ctx context.Context) (*Buffer, error) {
	select {
	case b := <-p.empty:
		p.mu.Lock()
		p.inUse++
		if p.inUse > p.highWater {
			p.highWater = p.inUse
		}
		p.mu.Unlock()
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PutFilled hands a filled buffer to the parser side. It never blocks
// indefinitely in practice: the pool's channel capacity equals its buffer
// count, so every outstanding buffer has exactly one queue slot reserved
// for it.
func (p *BufferPool) PutFilled(b *Buffer) {
	p.filled <- b
}

// GetFilled blocks until a filled buffer is available or ctx is done.
func (p *BufferPool) GetFilled(ctx context.Context) (*Buffer, error) {
	select {
	case b := <-p.filled:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PutEmpty returns a drained buffer to the empty queue for reuse.
func (p *BufferPool) PutEmpty(b *Buffer) {
	b.Data = b.Data[:0]
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
	p.empty <- b
}

// Stats reports how many buffers are currently checked out of the empty
// queue (in flight between worker and parser) and the high-water mark
// across the pool's lifetime, for diagnostics.
func (p *BufferPool) Stats() (inUse, highWater int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse, p.highWater
}
