// Package ring implements the software side of the command ring shared with
// the engine: the driver owns the tail, the hardware owns the head and
// publishes it through a read-pointer word in host memory.
package ring

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/tinyrange/cce/internal/mmio"
	"github.com/tinyrange/cce/internal/regs"
	"github.com/tinyrange/cce/internal/shm"
)

var ErrBusy = errors.New("ring: busy")

// Config describes the storage and timing of a ring.
type Config struct {
	// Storage holds the ring words. Its size in words must be a power of two.
	Storage *shm.Memory
	// ReadPtr is the word the hardware writes its head index to.
	ReadPtr *shm.Memory
	Bus     mmio.Bus
	Delayer mmio.Delayer

	TimeoutUsec uint32
}

// Ring is a fixed-size circular buffer of command words.
type Ring struct {
	mem   *shm.Memory
	rptr  *shm.Memory
	bus   mmio.Bus
	delay mmio.Delayer

	timeoutUsec uint32

	size     uint32
	tailMask uint32
	tail     uint32
	space    uint32
}

// New validates cfg and returns an empty ring.
func New(cfg Config) (*Ring, error) {
	if cfg.Storage == nil || cfg.ReadPtr == nil {
		return nil, fmt.Errorf("ring: storage and read pointer are required")
	}
	if cfg.Bus == nil || cfg.Delayer == nil {
		return nil, fmt.Errorf("ring: bus and delayer are required")
	}
	size := cfg.Storage.Words()
	if size < 2 || size&(size-1) != 0 {
		return nil, fmt.Errorf("ring: size %d words is not a power of two", size)
	}
	if cfg.ReadPtr.Words() < 1 {
		return nil, fmt.Errorf("ring: read pointer region is too small")
	}

	return &Ring{
		mem:         cfg.Storage,
		rptr:        cfg.ReadPtr,
		bus:         cfg.Bus,
		delay:       cfg.Delayer,
		timeoutUsec: cfg.TimeoutUsec,
		size:        size,
		tailMask:    size - 1,
		space:       size - 1,
	}, nil
}

// Size returns the ring capacity in words.
func (r *Ring) Size() uint32 { return r.size }

// SizeL2QW returns log2 of the ring size in quad words, the form the buffer
// control register expects.
func (r *Ring) SizeL2QW() uint32 {
	return uint32(bits.TrailingZeros32(r.size / 2))
}

// Head returns the hardware's read index.
func (r *Ring) Head() uint32 { return r.rptr.Load32(0) & r.tailMask }

// Tail returns the next index software will write.
func (r *Ring) Tail() uint32 { return r.tail }

// FreeSpace recomputes the number of words that may be written without
// catching up to the head. One word always stays empty so that a full ring
// is distinguishable from an empty one.
func (r *Ring) FreeSpace() uint32 {
	r.space = (r.Head() - r.tail - 1) & r.tailMask
	return r.space
}

// Reserve waits until n words can be written.
func (r *Ring) Reserve(n uint32) error {
	if n >= r.size {
		return fmt.Errorf("%w: %d words can never fit a %d word ring", ErrBusy, n, r.size)
	}
	if r.FreeSpace() >= n {
		return nil
	}
	if err := mmio.WaitUntil(r.delay, r.timeoutUsec, func() bool {
		return r.FreeSpace() >= n
	}); err != nil {
		return fmt.Errorf("%w: %d words requested, %d free (head %d tail %d)",
			ErrBusy, n, r.space, r.Head(), r.tail)
	}
	return nil
}

// WriteWord stores w at the tail. Space must already be reserved.
func (r *Ring) WriteWord(w uint32) {
	r.mem.Store32(r.tail, w)
	r.tail = (r.tail + 1) & r.tailMask
	if r.space > 0 {
		r.space--
	}
}

// Commit publishes the tail to the hardware.
func (r *Ring) Commit() {
	r.bus.Write32(regs.PM4BufferDLWptr, r.tail)
}

// Reset zeroes the hardware and software pointers. Anything queued is lost.
func (r *Ring) Reset() {
	r.bus.Write32(regs.PM4BufferDLWptr, 0)
	r.bus.Write32(regs.PM4BufferDLRptr, 0)
	r.rptr.Store32(0, 0)
	r.tail = 0
	r.space = r.size - 1
}
