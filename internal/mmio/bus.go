// Package mmio is the register access layer: ordered 32-bit reads and writes
// against a device register window and the bounded polling primitive every
// higher level wait is built on.
package mmio

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/tinyrange/cce/internal/shm"
)

// Bus is a device register window addressed by byte offset.
type Bus interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Mapped accesses registers through a mapped region.
type Mapped struct {
	mem *shm.Memory
}

// NewMapped returns a Bus over the register window mem.
func NewMapped(mem *shm.Memory) *Mapped {
	return &Mapped{mem: mem}
}

func (m *Mapped) Read32(off uint32) uint32     { return m.mem.Load32(off / 4) }
func (m *Mapped) Write32(off uint32, v uint32) { m.mem.Store32(off/4, v) }

// Dispatcher routes a register access to whatever device model claims the
// address. chipset.Chipset implements it.
type Dispatcher interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// Dispatch is a Bus whose accesses are handled by a device model instead of
// real hardware. Unclaimed reads float high like an unterminated PCI read.
type Dispatch struct {
	d    Dispatcher
	base uint64
	log  *slog.Logger
}

// NewDispatch returns a Bus for the register window at base.
func NewDispatch(d Dispatcher, base uint64, log *slog.Logger) *Dispatch {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatch{d: d, base: base, log: log}
}

func (b *Dispatch) Read32(off uint32) uint32 {
	var data [4]byte
	if err := b.d.HandleMMIO(b.base+uint64(off), data[:], false); err != nil {
		b.log.Debug("mmio read failed", "offset", off, "error", err)
		return 0xffffffff
	}
	return binary.LittleEndian.Uint32(data[:])
}

func (b *Dispatch) Write32(off uint32, v uint32) {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], v)
	if err := b.d.HandleMMIO(b.base+uint64(off), data[:], true); err != nil {
		b.log.Debug("mmio write failed", "offset", off, "value", v, "error", err)
	}
}

// Access is one recorded register access.
type Access struct {
	Write  bool
	Offset uint32
	Value  uint32
}

// Recorder wraps a Bus and keeps a log of every access.
type Recorder struct {
	Bus

	mu       sync.Mutex
	accesses []Access
}

// NewRecorder wraps bus.
func NewRecorder(bus Bus) *Recorder {
	return &Recorder{Bus: bus}
}

func (r *Recorder) Read32(off uint32) uint32 {
	v := r.Bus.Read32(off)
	r.mu.Lock()
	r.accesses = append(r.accesses, Access{Offset: off, Value: v})
	r.mu.Unlock()
	return v
}

func (r *Recorder) Write32(off uint32, v uint32) {
	r.mu.Lock()
	r.accesses = append(r.accesses, Access{Write: true, Offset: off, Value: v})
	r.mu.Unlock()
	r.Bus.Write32(off, v)
}

// Accesses returns a copy of the log.
func (r *Recorder) Accesses() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Access(nil), r.accesses...)
}

// Writes returns the recorded writes to off, in order.
func (r *Recorder) Writes(off uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var values []uint32
	for _, a := range r.accesses {
		if a.Write && a.Offset == off {
			values = append(values, a.Value)
		}
	}
	return values
}

// WriteCount returns the total number of recorded writes.
func (r *Recorder) WriteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, a := range r.accesses {
		if a.Write {
			n++
		}
	}
	return n
}

// Reset clears the log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.accesses = r.accesses[:0]
	r.mu.Unlock()
}

var (
	_ Bus = (*Mapped)(nil)
	_ Bus = (*Dispatch)(nil)
	_ Bus = (*Recorder)(nil)
)
