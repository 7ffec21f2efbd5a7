package cce

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/cce/internal/mmio"
	"github.com/tinyrange/cce/internal/regs"
	"github.com/tinyrange/cce/internal/shm"
	"github.com/tinyrange/cce/internal/timeslice"
)

const (
	// MaxTimeoutUsec bounds every busy wait.
	MaxTimeoutUsec = 100000

	MinRingBytes = 64
	MaxRingBytes = 8 << 20

	DefaultBufferBytes = 64 << 10
	DefaultAgeWrap     = 1 << 31
)

// Region names used when a Config leaves a key unset.
const (
	RegionStatus  = "sarea"
	RegionMMIO    = "mmio"
	RegionRing    = "ring"
	RegionReadPtr = "ring_rptr"
	RegionBuffers = "buffers"
)

// Regions names the shared memory regions the engine maps at Init.
type Regions struct {
	Status  shm.Key
	MMIO    shm.Key
	Ring    shm.Key
	ReadPtr shm.Key
	Buffers shm.Key
}

// DefaultRegions looks every region up by its conventional name.
func DefaultRegions() Regions {
	return Regions{
		Status:  shm.ByName(RegionStatus),
		MMIO:    shm.ByName(RegionMMIO),
		Ring:    shm.ByName(RegionRing),
		ReadPtr: shm.ByName(RegionReadPtr),
		Buffers: shm.ByName(RegionBuffers),
	}
}

// Config is passed to Init. The ring size is the size of the ring region.
type Config struct {
	Mode        regs.Mode
	TimeoutUsec uint32

	// BufferBytes is the size of each DMA buffer. BufferCount buffers are
	// carved from the start of the buffers region; zero fills the region.
	BufferBytes uint64
	BufferCount int

	// AgeWrap is the submission counter value at which ages restart from 1.
	AgeWrap uint32

	Microcode *Microcode
	Regions   Regions
}

// allowedModes are the bus-mastered ring modes plus pass-through.
var allowedModes = map[regs.Mode]bool{
	regs.Mode192BM:             true,
	regs.Mode128BM64IndBM:      true,
	regs.Mode64BM128IndBM:      true,
	regs.Mode64BM64VCBM64IndBM: true,
	regs.ModeNonPM4:            true,
}

func (c *Config) validate() error {
	if c.TimeoutUsec < 1 || c.TimeoutUsec > MaxTimeoutUsec {
		return fmt.Errorf("timeout %dus outside [1, %d]: %w", c.TimeoutUsec, MaxTimeoutUsec, ErrInvalidConfig)
	}
	if !allowedModes[c.Mode] {
		return fmt.Errorf("mode %s (0x%08x) not supported: %w", c.Mode, uint32(c.Mode), ErrInvalidConfig)
	}
	if c.Microcode == nil {
		return fmt.Errorf("no microcode: %w", ErrInvalidConfig)
	}
	if c.BufferCount < 0 {
		return fmt.Errorf("buffer count %d: %w", c.BufferCount, ErrInvalidConfig)
	}
	if c.BufferBytes == 0 {
		c.BufferBytes = DefaultBufferBytes
	}
	if c.AgeWrap == 0 {
		c.AgeWrap = DefaultAgeWrap
	}
	if c.AgeWrap < 2 {
		return fmt.Errorf("age wrap %d: %w", c.AgeWrap, ErrInvalidConfig)
	}
	c.Regions.fill()
	return nil
}

// fill replaces unset keys with the conventional names.
func (r *Regions) fill() {
	def := DefaultRegions()
	for _, k := range []struct{ key, def *shm.Key }{
		{&r.Status, &def.Status},
		{&r.MMIO, &def.MMIO},
		{&r.Ring, &def.Ring},
		{&r.ReadPtr, &def.ReadPtr},
		{&r.Buffers, &def.Buffers},
	} {
		if *k.key == (shm.Key{}) {
			*k.key = *k.def
		}
	}
}

// Deps are the collaborators an Engine is built with.
type Deps struct {
	Host   Host
	Table  *shm.Table
	Mapper shm.Mapper

	// Delayer paces every busy wait. Nil selects mmio.SpinDelayer.
	Delayer mmio.Delayer
	// Bus wraps the mapped register window. Nil selects mmio.NewMapped.
	Bus func(mem *shm.Memory) mmio.Bus

	Logger *slog.Logger
	// Trace, when set, receives one record per bounded wait.
	Trace *timeslice.Writer
}
