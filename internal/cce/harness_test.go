package cce

import (
	"testing"

	"github.com/tinyrange/cce/internal/chipset"
	"github.com/tinyrange/cce/internal/devices/r128"
	"github.com/tinyrange/cce/internal/freelist"
	"github.com/tinyrange/cce/internal/mmio"
	"github.com/tinyrange/cce/internal/regs"
	"github.com/tinyrange/cce/internal/shm"
	"github.com/tinyrange/cce/internal/timeslice"
)

const (
	statusBase  = 0x1000
	rptrBase    = 0x8000
	ringBase    = 0x10000
	mmioBase    = 0x100000
	buffersBase = 0x200000
	bufferBytes = 0x1000
)

type testHost struct {
	locked bool
	ctx    freelist.ContextID
}

func (h *testHost) LockHeld() bool                { return h.locked }
func (h *testHost) ContextID() freelist.ContextID { return h.ctx }

type harnessOpts struct {
	ringBytes    uint64
	buffers      int
	wordsPerTick int
	trace        *timeslice.Writer
}

type harness struct {
	t      *testing.T
	host   *testHost
	mapper *shm.HeapMapper
	table  *shm.Table
	dev    *r128.Device
	cs     *chipset.Chipset
	rec    *mmio.Recorder
	ticks  int
	engine *Engine
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.ringBytes == 0 {
		opts.ringBytes = 4096
	}
	if opts.buffers == 0 {
		opts.buffers = 4
	}

	h := &harness{
		t:      t,
		host:   &testHost{locked: true, ctx: 1},
		mapper: shm.NewHeapMapper(),
		table:  shm.NewTable(),
	}
	for _, r := range []shm.Region{
		{Name: RegionStatus, Offset: statusBase, Size: 0x1000},
		{Name: RegionReadPtr, Offset: rptrBase, Size: 0x1000},
		{Name: RegionRing, Offset: ringBase, Size: opts.ringBytes},
		{Name: RegionMMIO, Offset: mmioBase, Size: regs.WindowSize},
		{Name: RegionBuffers, Offset: buffersBase, Size: uint64(opts.buffers) * bufferBytes},
	} {
		if err := h.table.Register(r.Name, r.Offset, r.Size); err != nil {
			t.Fatalf("Register %s: %v", r.Name, err)
		}
	}

	h.dev = r128.New(mmioBase, h.mapper, nil)
	b := chipset.NewBuilder()
	if err := b.RegisterDevice("r128", h.dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	h.cs = cs
	h.rec = mmio.NewRecorder(mmio.NewDispatch(cs, mmioBase, nil))

	tick := h.dev.Delayer(opts.wordsPerTick)
	h.engine, err = NewEngine(Deps{
		Host:   h.host,
		Table:  h.table,
		Mapper: h.mapper,
		Delayer: mmio.DelayFunc(func(usec uint32) {
			h.ticks += int(usec)
			tick.Udelay(usec)
		}),
		Bus:   func(*shm.Memory) mmio.Bus { return h.rec },
		Trace: opts.trace,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return h
}

func testMicrocode() *Microcode {
	var mc Microcode
	for i := range mc {
		mc[i] = [2]uint32{0xc0000000 | uint32(i), uint32(i) << 8}
	}
	return &mc
}

func (h *harness) config() Config {
	return Config{
		Mode:        regs.Mode192BM,
		TimeoutUsec: 100,
		BufferBytes: bufferBytes,
		Microcode:   testMicrocode(),
	}
}

func (h *harness) init(cfg Config) {
	h.t.Helper()
	if err := h.engine.Init(cfg); err != nil {
		h.t.Fatalf("Init: %v", err)
	}
}

func (h *harness) start() {
	h.t.Helper()
	h.init(h.config())
	if err := h.engine.Start(); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
}

// as switches the calling context.
func (h *harness) as(ctx freelist.ContextID) *Engine {
	h.host.ctx = ctx
	return h.engine
}
