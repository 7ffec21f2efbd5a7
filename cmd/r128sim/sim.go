package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/cce/internal/cce"
	"github.com/tinyrange/cce/internal/chipset"
	"github.com/tinyrange/cce/internal/config"
	"github.com/tinyrange/cce/internal/devices/r128"
	"github.com/tinyrange/cce/internal/drm"
	"github.com/tinyrange/cce/internal/mmio"
	"github.com/tinyrange/cce/internal/packet"
	"github.com/tinyrange/cce/internal/regs"
	"github.com/tinyrange/cce/internal/shm"
	"github.com/tinyrange/cce/internal/timeslice"
)

const (
	retryAttempts = 50
	retryInterval = 100 * time.Microsecond
	pollInterval  = 50 * time.Microsecond
)

type options struct {
	Config       *config.File
	Submissions  int
	Clients      int
	FrameEvery   int
	WordsPerTick int
	TracePath    string
	Progress     bool
}

type report struct {
	Submitted  int
	Words      int
	Frames     uint32
	Dispatched uint32
	Elapsed    time.Duration
	Device     r128.Stats
}

func (r report) print(w io.Writer) {
	fmt.Fprintf(w, "submitted %d packets (%d words) and %d frames in %s\n",
		r.Submitted, r.Words, r.Frames, r.Elapsed)
	fmt.Fprintf(w, "last dispatched age %d\n", r.Dispatched)
	fmt.Fprintf(w, "device: words=%d packets=%d type3=%d soft_resets=%d microcode_writes=%d\n",
		r.Device.WordsConsumed, r.Device.Packets, r.Device.Type3Packets,
		r.Device.SoftResets, r.Device.MicrocodeWrites)
}

// hostMemory is what both the engine mappings and the device bus master
// work on.
type hostMemory interface {
	shm.Mapper
	r128.HostMemory
}

// fileMemory backs regions with a device file. The simulated bus master
// reads and writes the same file the engine has mapped.
type fileMemory struct {
	*shm.FileMapper
	*os.File
}

func openMemory(cfg *config.File) (hostMemory, func() error, error) {
	if cfg.Device == "" {
		return shm.NewHeapMapper(), func() error { return nil }, nil
	}

	var end uint64
	for _, r := range cfg.Regions {
		end = max(end, r.Offset+r.Size)
	}
	f, err := os.OpenFile(cfg.Device, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open device file: %w", err)
	}
	if info, err := f.Stat(); err == nil && uint64(info.Size()) < end {
		if err := f.Truncate(int64(end)); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("size device file: %w", err)
		}
	}
	fm, err := shm.OpenFileMapper(cfg.Device)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	closeAll := func() error {
		return errors.Join(fm.Close(), f.Close())
	}
	return fileMemory{FileMapper: fm, File: f}, closeAll, nil
}

// syntheticMicrocode stands in for the firmware image when the config does
// not name one. The simulated device only stores it.
func syntheticMicrocode() *cce.Microcode {
	var mc cce.Microcode
	for i := range mc {
		mc[i] = [2]uint32{uint32(i) << 4, ^uint32(i)}
	}
	return &mc
}

// workload builds client packets.
type workload struct {
	rng *rand.Rand
}

// next returns a few whole packets: a multi blit whose payload names the
// granted buffer, optional register writes and padding.
func (w *workload) next(buf uint64) []uint32 {
	n := 1 + w.rng.Intn(6)
	words := []uint32{packet.Type3(packet.OpBitBlitMulti, n+1), uint32(buf)}
	for range n {
		words = append(words, w.rng.Uint32())
	}
	if w.rng.Intn(2) == 0 {
		words = append(words, packet.Type1(regs.PM4FIFODataEven, regs.PM4FIFODataOdd), w.rng.Uint32(), w.rng.Uint32())
	}
	if w.rng.Intn(4) == 0 {
		words = append(words, packet.Type2())
	}
	return words
}

func run(ctx context.Context, opts options) (report, error) {
	var rep report
	if opts.Clients < 1 {
		return rep, fmt.Errorf("need at least one client")
	}

	table, err := opts.Config.Table()
	if err != nil {
		return rep, err
	}
	engineCfg, err := opts.Config.EngineConfig()
	if err != nil {
		return rep, err
	}
	if engineCfg.Microcode == nil {
		engineCfg.Microcode = syntheticMicrocode()
	}

	mmioKey := engineCfg.Regions.MMIO
	if mmioKey == (shm.Key{}) {
		mmioKey = shm.ByName(cce.RegionMMIO)
	}
	mmioRegion, err := table.Find(mmioKey)
	if err != nil {
		return rep, fmt.Errorf("register window: %w", err)
	}

	mem, closeMem, err := openMemory(opts.Config)
	if err != nil {
		return rep, err
	}
	defer closeMem()

	hw := r128.New(mmioRegion.Offset, mem, slog.Default())
	b := chipset.NewBuilder()
	if err := b.RegisterDevice("r128", hw); err != nil {
		return rep, err
	}
	cs, err := b.Build()
	if err != nil {
		return rep, err
	}
	if err := cs.Start(); err != nil {
		return rep, err
	}
	defer cs.Stop()

	var trace *timeslice.Writer
	if opts.TracePath != "" {
		f, err := os.Create(opts.TracePath)
		if err != nil {
			return rep, fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()
		trace, err = timeslice.NewWriter(f)
		if err != nil {
			return rep, fmt.Errorf("open trace: %w", err)
		}
		defer trace.Close()
	}

	dev, err := drm.New(cce.Deps{
		Table:   table,
		Mapper:  mem,
		Delayer: hw.Delayer(opts.WordsPerTick),
		Bus: func(*shm.Memory) mmio.Bus {
			return mmio.NewDispatch(cs, mmioRegion.Offset, slog.Default())
		},
		Trace: trace,
	})
	if err != nil {
		return rep, err
	}

	files := make([]*drm.File, opts.Clients)
	for i := range files {
		files[i] = dev.Open()
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	// The device also makes progress on its own between requests.
	pollCtx, stopPoll := context.WithCancel(ctx)
	pollDone := make(chan error, 1)
	go func() { pollDone <- pollLoop(pollCtx, cs) }()
	defer func() {
		stopPoll()
		if err := <-pollDone; err != nil {
			slog.Warn("r128sim: device poll stopped", "err", err)
		}
	}()

	first := files[0]
	if err := withLock(ctx, first, func() error {
		if err := first.Ioctl(drm.CmdInit, &drm.InitArgs{Func: drm.InitCCE, Config: engineCfg}); err != nil {
			return err
		}
		return first.Ioctl(drm.CmdStart, nil)
	}); err != nil {
		return rep, fmt.Errorf("bring up engine: %w", err)
	}

	var bar *progressbar.ProgressBar
	if opts.Progress && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(opts.Submissions), "submitting")
		defer bar.Close()
	}

	wl := &workload{rng: rand.New(rand.NewSource(1))}
	start := time.Now()
	for i := range opts.Submissions {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		f := files[i%len(files)]
		emitFrame := opts.FrameEvery > 0 && (i+1)%opts.FrameEvery == 0

		var accepted int
		err := withLock(ctx, f, func() error {
			bufs := &drm.BuffersArgs{RequestCount: 1}
			if err := drm.Retry(ctx, retryAttempts, retryInterval, func() error {
				return f.Ioctl(drm.CmdBuffers, bufs)
			}); err != nil {
				return fmt.Errorf("acquire buffer: %w", err)
			}

			pkt := &drm.PacketArgs{Words: wl.next(bufs.Granted[0].Offset)}
			if err := drm.Retry(ctx, retryAttempts, retryInterval, func() error {
				return f.Ioctl(drm.CmdPacket, pkt)
			}); err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			accepted = pkt.Accepted

			if emitFrame {
				frame := &drm.FrameArgs{}
				if err := f.Ioctl(drm.CmdFrame, frame); err != nil {
					return fmt.Errorf("frame: %w", err)
				}
				rep.Frames = frame.Frame
			}
			return nil
		})
		if err != nil {
			return rep, fmt.Errorf("submission %d: %w", i, err)
		}

		rep.Submitted++
		rep.Words += accepted
		if bar != nil {
			bar.Add(1)
		}
	}

	if err := withLock(ctx, first, func() error {
		if err := drm.Retry(ctx, retryAttempts, retryInterval, func() error {
			return first.Ioctl(drm.CmdIdle, nil)
		}); err != nil {
			return err
		}
		return first.Ioctl(drm.CmdStop, &drm.StopArgs{Flush: true, Idle: true})
	}); err != nil {
		return rep, fmt.Errorf("drain engine: %w", err)
	}

	rep.Elapsed = time.Since(start)
	rep.Dispatched = dev.Engine().Status().LastDispatched()
	rep.Device = hw.Stats()
	return rep, nil
}

// withLock runs fn with f holding the device lock.
func withLock(ctx context.Context, f *drm.File, fn func() error) error {
	if err := drm.Retry(ctx, retryAttempts, retryInterval, func() error {
		return f.Ioctl(drm.CmdLock, nil)
	}); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer f.Ioctl(drm.CmdUnlock, nil)
	return fn()
}

func pollLoop(ctx context.Context, cs *chipset.Chipset) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := cs.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
