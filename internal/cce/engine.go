// Package cce drives the Rage128 command engine: it brings the engine up,
// owns the command ring and the DMA buffer pool, and submits packets on
// behalf of clients. Every wait is a bounded busy poll.
//
// The engine does no locking of its own. The host serializes calls and
// reports through Host whether the caller holds the device lock.
package cce

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/cce/internal/freelist"
	"github.com/tinyrange/cce/internal/mmio"
	"github.com/tinyrange/cce/internal/regs"
	"github.com/tinyrange/cce/internal/ring"
	"github.com/tinyrange/cce/internal/shm"
	"github.com/tinyrange/cce/internal/timeslice"
)

// State is the engine lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateIdle
	StateRunning
	// StateResetting is only observable while EngineReset runs.
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateResetting:
		return "resetting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	traceWaitForIdle = timeslice.RegisterKind("cce.wait_for_idle", timeslice.FlagWait)
	traceCCEIdle     = timeslice.RegisterKind("cce.cce_idle", timeslice.FlagWait)
	traceAcquire     = timeslice.RegisterKind("cce.acquire", timeslice.FlagWait)
	traceSubmit      = timeslice.RegisterKind("cce.submit", timeslice.FlagSubmit)
)

// Engine is one command engine session.
type Engine struct {
	host   Host
	table  *shm.Table
	mapper shm.Mapper
	delay  mmio.Delayer
	newBus func(*shm.Memory) mmio.Bus
	log    *slog.Logger
	trace  *timeslice.Writer

	cfg   Config
	state State

	mapped []*shm.Memory
	bus    mmio.Bus
	status StatusPage
	ring   *ring.Ring
	pool   *freelist.Pool
	fifo   uint32

	// dispatch is the age the next client submission is stamped with.
	dispatch uint32
	frame    uint32
}

// NewEngine returns an uninitialized engine.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Host == nil || deps.Table == nil || deps.Mapper == nil {
		return nil, fmt.Errorf("cce: host, region table and mapper are required")
	}
	e := &Engine{
		host:   deps.Host,
		table:  deps.Table,
		mapper: deps.Mapper,
		delay:  deps.Delayer,
		newBus: deps.Bus,
		log:    deps.Logger,
		trace:  deps.Trace,
	}
	if e.delay == nil {
		e.delay = mmio.SpinDelayer{}
	}
	if e.newBus == nil {
		e.newBus = func(mem *shm.Memory) mmio.Bus { return mmio.NewMapped(mem) }
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state }

// Mode returns the configured stream mode.
func (e *Engine) Mode() regs.Mode { return e.cfg.Mode }

// Status returns the shared status page. It is only valid after Init.
func (e *Engine) Status() StatusPage { return e.status }

// Ring exposes the command ring for inspection.
func (e *Engine) Ring() *ring.Ring { return e.ring }

// Buffers returns a snapshot of the buffer pool.
func (e *Engine) Buffers() []freelist.Buffer {
	if e.pool == nil {
		return nil
	}
	return e.pool.Snapshot()
}

// checkEntry enforces the preconditions shared by the guarded entry points.
func (e *Engine) checkEntry(op string) error {
	if !e.host.LockHeld() {
		return fmt.Errorf("cce: %s: %w", op, ErrLockNotHeld)
	}
	if e.state == StateUninitialized {
		return fmt.Errorf("cce: %s: %w", op, ErrUninitialized)
	}
	return nil
}

type mappedRegions struct {
	status, mmio, ring, rptr, buffers *shm.Memory
}

// Init validates cfg, maps the shared regions, programs the ring, loads the
// microcode and resets the engine. On success the engine is Idle.
func (e *Engine) Init(cfg Config) error {
	if e.state != StateUninitialized {
		return fmt.Errorf("cce: init: already initialized: %w", ErrInvalidRequest)
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("cce: init: %w", err)
	}

	m, err := e.mapRegions(cfg)
	if err != nil {
		return fmt.Errorf("cce: init: %w", err)
	}

	e.cfg = cfg
	e.bus = e.newBus(m.mmio)
	e.status = StatusPage{mem: m.status}
	e.fifo = cfg.Mode.FIFOSize()

	e.ring, err = ring.New(ring.Config{
		Storage:     m.ring,
		ReadPtr:     m.rptr,
		Bus:         e.bus,
		Delayer:     e.delay,
		TimeoutUsec: cfg.TimeoutUsec,
	})
	if err != nil {
		e.abortInit()
		return fmt.Errorf("cce: init: %w: %w", ErrInvalidConfig, err)
	}

	bufRegion := m.buffers.Region()
	count := cfg.BufferCount
	if count == 0 {
		count = int(bufRegion.Size / cfg.BufferBytes)
	}
	e.pool, err = freelist.New(freelist.Config{
		Count:       count,
		BufferBytes: cfg.BufferBytes,
		Base:        bufRegion.Offset,
		Delayer:     e.delay,
		TimeoutUsec: cfg.TimeoutUsec,
		Logger:      e.log,
	})
	if err != nil {
		e.abortInit()
		return fmt.Errorf("cce: init: %w: %w", ErrInvalidConfig, err)
	}

	e.initRingBuffer(m.ring.Region(), m.rptr.Region())

	if err := e.loadMicrocode(cfg.Microcode); err != nil {
		e.abortInit()
		return fmt.Errorf("cce: init: load microcode: %w", err)
	}

	e.status.reset()
	e.bus.Write32(regs.LastFrame, 0)
	e.bus.Write32(regs.LastDispatch, 0)
	e.dispatch = 1
	e.frame = 0

	e.state = StateIdle
	e.engineReset()

	e.log.Info("cce: initialized",
		"mode", cfg.Mode,
		"ring_words", e.ring.Size(),
		"buffers", e.pool.Len(),
		"buffer_bytes", cfg.BufferBytes,
		"timeout_usec", cfg.TimeoutUsec)
	return nil
}

type regionSlot struct {
	name string
	key  shm.Key
	min  uint64
	dst  **shm.Memory
}

// mapRegions resolves every region before mapping any of them, and unmaps
// whatever it already mapped when a later step fails.
func (e *Engine) mapRegions(cfg Config) (mappedRegions, error) {
	var m mappedRegions
	minBuffers := cfg.BufferBytes * uint64(max(cfg.BufferCount, 1))
	slots := []regionSlot{
		{"status", cfg.Regions.Status, statusWords * 4, &m.status},
		{"mmio", cfg.Regions.MMIO, regs.WindowSize, &m.mmio},
		{"ring", cfg.Regions.Ring, MinRingBytes, &m.ring},
		{"read pointer", cfg.Regions.ReadPtr, 4, &m.rptr},
		{"buffers", cfg.Regions.Buffers, minBuffers, &m.buffers},
	}

	found := make([]shm.Region, len(slots))
	for i, slot := range slots {
		r, err := e.table.Find(slot.key)
		if err != nil {
			return m, fmt.Errorf("%s region: %w: %w", slot.name, ErrRegionNotFound, err)
		}
		if r.Size < slot.min {
			return m, fmt.Errorf("%s region %s smaller than 0x%x bytes: %w", slot.name, r, slot.min, ErrInvalidConfig)
		}
		found[i] = r
	}
	ringBytes := found[2].Size
	if ringBytes > MaxRingBytes || ringBytes&(ringBytes-1) != 0 {
		return m, fmt.Errorf("ring region %s is not a power of two in [0x%x, 0x%x]: %w",
			found[2], MinRingBytes, MaxRingBytes, ErrInvalidConfig)
	}

	for i, slot := range slots {
		mem, err := e.mapper.Map(found[i])
		if err != nil {
			e.unmapAll()
			return m, fmt.Errorf("map %s region: %w", slot.name, err)
		}
		e.mapped = append(e.mapped, mem)
		*slot.dst = mem
	}
	return m, nil
}

// abortInit releases everything a failed Init acquired.
func (e *Engine) abortInit() {
	if err := e.unmapAll(); err != nil {
		e.log.Warn("cce: unmap after failed init", "err", err)
	}
	e.bus = nil
	e.ring = nil
	e.pool = nil
	e.cfg = Config{}
}

func (e *Engine) unmapAll() error {
	var errs []error
	for i := len(e.mapped) - 1; i >= 0; i-- {
		if err := e.mapper.Unmap(e.mapped[i]); err != nil {
			errs = append(errs, err)
		}
	}
	e.mapped = nil
	return errors.Join(errs...)
}

// Cleanup unmaps every region and returns the engine to Uninitialized. It
// is a no-op on an engine that is not initialized.
func (e *Engine) Cleanup() error {
	if e.state == StateUninitialized {
		return nil
	}
	err := e.unmapAll()
	e.state = StateUninitialized
	e.bus = nil
	e.ring = nil
	e.pool = nil
	e.status = StatusPage{}
	e.cfg = Config{}
	e.log.Info("cce: cleaned up")
	if err != nil {
		return fmt.Errorf("cce: cleanup: %w", err)
	}
	return nil
}
