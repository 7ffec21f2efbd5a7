// Package freelist manages the fixed pool of DMA buffers handed to clients.
// A buffer is reclaimed once the engine reports a completed age at least as
// new as the age stamped on it at submission.
package freelist

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/cce/internal/mmio"
)

var ErrWouldBlock = errors.New("freelist: no buffer available")

// ContextID identifies a client. NoOwner marks a free buffer.
type ContextID uint32

const NoOwner ContextID = 0

// Buffer is the bookkeeping for one pool entry.
type Buffer struct {
	Index   int
	Owner   ContextID
	Age     uint32
	Pending bool
	Offset  uint64
	Size    uint64
}

// Handle is what a client is told about a granted buffer.
type Handle struct {
	Index  int
	Offset uint64
	Size   uint64
}

// Config sizes the pool and bounds the wait in Acquire.
type Config struct {
	Count       int
	BufferBytes uint64
	// Base is the bus address of the first buffer.
	Base        uint64
	Delayer     mmio.Delayer
	TimeoutUsec uint32
	Logger      *slog.Logger
}

// Pool is the buffer freelist. It is not safe for concurrent use; the
// caller serializes access.
type Pool struct {
	bufs        []Buffer
	delay       mmio.Delayer
	timeoutUsec uint32
	log         *slog.Logger
}

func New(cfg Config) (*Pool, error) {
	if cfg.Count <= 0 {
		return nil, fmt.Errorf("freelist: buffer count %d must be positive", cfg.Count)
	}
	if cfg.BufferBytes == 0 {
		return nil, fmt.Errorf("freelist: buffer size must be positive")
	}
	if cfg.Delayer == nil {
		return nil, fmt.Errorf("freelist: delayer is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &Pool{
		bufs:        make([]Buffer, cfg.Count),
		delay:       cfg.Delayer,
		timeoutUsec: cfg.TimeoutUsec,
		log:         log,
	}
	for i := range p.bufs {
		p.bufs[i] = Buffer{
			Index:  i,
			Offset: cfg.Base + uint64(i)*cfg.BufferBytes,
			Size:   cfg.BufferBytes,
		}
	}
	return p, nil
}

// Len returns the number of buffers in the pool.
func (p *Pool) Len() int { return len(p.bufs) }

// Get returns a copy of buffer i.
func (p *Pool) Get(i int) (Buffer, error) {
	if i < 0 || i >= len(p.bufs) {
		return Buffer{}, fmt.Errorf("freelist: buffer index %d out of range", i)
	}
	return p.bufs[i], nil
}

// Snapshot returns a copy of every buffer.
func (p *Pool) Snapshot() []Buffer {
	return append([]Buffer(nil), p.bufs...)
}

func (p *Pool) grant(b *Buffer, owner ContextID) Handle {
	b.Owner = owner
	b.Pending = false
	return Handle{Index: b.Index, Offset: b.Offset, Size: b.Size}
}

// Acquire hands a buffer to owner. Unowned buffers are taken first.
// Otherwise the pool is polled, re-reading completed every tick, for a
// pending buffer whose age has been reached.
func (p *Pool) Acquire(owner ContextID, completed func() uint32) (Handle, error) {
	for i := range p.bufs {
		if p.bufs[i].Owner == NoOwner {
			return p.grant(&p.bufs[i], owner), nil
		}
	}

	var found *Buffer
	err := mmio.WaitUntil(p.delay, p.timeoutUsec, func() bool {
		done := completed()
		for i := range p.bufs {
			b := &p.bufs[i]
			if b.Pending && b.Age <= done {
				found = b
				return true
			}
		}
		return false
	})
	if err != nil {
		p.log.Warn("freelist: returning nil buffer",
			"owner", owner,
			"buffers", len(p.bufs),
			"timeout_usec", p.timeoutUsec)
		return Handle{}, ErrWouldBlock
	}
	return p.grant(found, owner), nil
}

// Stamp marks every buffer held but not yet submitted by owner as pending
// with age. It returns how many buffers were stamped.
func (p *Pool) Stamp(owner ContextID, age uint32) int {
	n := 0
	for i := range p.bufs {
		b := &p.bufs[i]
		if b.Owner == owner && owner != NoOwner && !b.Pending {
			b.Age = age
			b.Pending = true
			n++
		}
	}
	return n
}

// PendingFor counts buffers owned by owner that await completion.
func (p *Pool) PendingFor(owner ContextID) int {
	n := 0
	for _, b := range p.bufs {
		if b.Owner == owner && b.Pending {
			n++
		}
	}
	return n
}

// ResetAges zeroes every age. Pending buffers become immediately
// reclaimable.
func (p *Pool) ResetAges() {
	for i := range p.bufs {
		p.bufs[i].Age = 0
	}
}

// ClearPending drops every pending flag. Buffers that were waiting on the
// engine are returned to the free set.
func (p *Pool) ClearPending() {
	for i := range p.bufs {
		b := &p.bufs[i]
		if b.Pending {
			b.Pending = false
			b.Owner = NoOwner
		}
	}
}

// Release returns every buffer owner holds but has not submitted. Submitted
// buffers keep their age and are reclaimed once it completes.
func (p *Pool) Release(owner ContextID) int {
	n := 0
	for i := range p.bufs {
		b := &p.bufs[i]
		if b.Owner == owner && owner != NoOwner && !b.Pending {
			b.Owner = NoOwner
			b.Age = 0
			n++
		}
	}
	return n
}
