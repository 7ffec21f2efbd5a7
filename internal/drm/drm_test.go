package drm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/cce/internal/cce"
	"github.com/tinyrange/cce/internal/chipset"
	"github.com/tinyrange/cce/internal/devices/r128"
	"github.com/tinyrange/cce/internal/freelist"
	"github.com/tinyrange/cce/internal/mmio"
	"github.com/tinyrange/cce/internal/packet"
	"github.com/tinyrange/cce/internal/regs"
	"github.com/tinyrange/cce/internal/shm"
)

const mmioBase = 0x100000

type rig struct {
	dev    *Device
	hw     *r128.Device
	mapper *shm.HeapMapper
}

func newRig(t *testing.T) *rig {
	t.Helper()

	table := shm.NewTable()
	for _, r := range []shm.Region{
		{Name: cce.RegionStatus, Offset: 0x1000, Size: 0x1000},
		{Name: cce.RegionReadPtr, Offset: 0x8000, Size: 0x1000},
		{Name: cce.RegionRing, Offset: 0x10000, Size: 0x1000},
		{Name: cce.RegionMMIO, Offset: mmioBase, Size: regs.WindowSize},
		{Name: cce.RegionBuffers, Offset: 0x200000, Size: 4 * 0x1000},
	} {
		if err := table.Register(r.Name, r.Offset, r.Size); err != nil {
			t.Fatalf("Register %s: %v", r.Name, err)
		}
	}

	mapper := shm.NewHeapMapper()
	hw := r128.New(mmioBase, mapper, nil)
	b := chipset.NewBuilder()
	if err := b.RegisterDevice("r128", hw); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	dev, err := New(cce.Deps{
		Table:   table,
		Mapper:  mapper,
		Delayer: hw.Delayer(-1),
		Bus:     func(*shm.Memory) mmio.Bus { return mmio.NewDispatch(cs, mmioBase, nil) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &rig{dev: dev, hw: hw, mapper: mapper}
}

func microcode() *cce.Microcode {
	var mc cce.Microcode
	for i := range mc {
		mc[i] = [2]uint32{uint32(i), ^uint32(i)}
	}
	return &mc
}

func initArgs() *InitArgs {
	return &InitArgs{
		Func: InitCCE,
		Config: cce.Config{
			Mode:        regs.Mode192BM,
			TimeoutUsec: 100,
			BufferBytes: 0x1000,
			Microcode:   microcode(),
		},
	}
}

func mustIoctl(t *testing.T, f *File, cmd Cmd, arg any) {
	t.Helper()
	if err := f.Ioctl(cmd, arg); err != nil {
		t.Fatalf("%s: %v (errno %v)", cmd, err, Errno(err))
	}
}

func wantErrno(t *testing.T, err error, want unix.Errno) {
	t.Helper()
	if got := Errno(err); got != want {
		t.Fatalf("errno = %v (%v), want %v", got, err, want)
	}
}

func TestLockArbitration(t *testing.T) {
	r := newRig(t)
	a, b := r.dev.Open(), r.dev.Open()

	mustIoctl(t, a, CmdLock, nil)
	mustIoctl(t, a, CmdInit, initArgs())
	mustIoctl(t, a, CmdLock, nil)

	wantErrno(t, b.Ioctl(CmdLock, nil), unix.EAGAIN)
	wantErrno(t, b.Ioctl(CmdStart, nil), unix.EPERM)
	wantErrno(t, b.Ioctl(CmdUnlock, nil), unix.EPERM)

	mustIoctl(t, a, CmdUnlock, nil)
	mustIoctl(t, b, CmdLock, nil)
	mustIoctl(t, b, CmdStart, nil)

	// Closing the holder frees the lock for everyone else.
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	mustIoctl(t, a, CmdLock, nil)
}

func TestSubmissionFlow(t *testing.T) {
	r := newRig(t)
	f := r.dev.Open()
	mustIoctl(t, f, CmdLock, nil)
	mustIoctl(t, f, CmdInit, initArgs())
	mustIoctl(t, f, CmdStart, nil)

	bufs := &BuffersArgs{RequestCount: 2}
	mustIoctl(t, f, CmdBuffers, bufs)
	if len(bufs.Granted) != 2 {
		t.Fatalf("granted %d buffers", len(bufs.Granted))
	}

	pkt := &PacketArgs{Words: packet.Write0(regs.GUIScratch0, 7)}
	mustIoctl(t, f, CmdPacket, pkt)
	if pkt.Accepted != 2 {
		t.Fatalf("accepted %d words", pkt.Accepted)
	}

	frame := &FrameArgs{}
	mustIoctl(t, f, CmdFrame, frame)
	if frame.Frame != 1 {
		t.Fatalf("frame = %d", frame.Frame)
	}

	mustIoctl(t, f, CmdIdle, nil)
	if got := r.hw.Register(regs.LastDispatch); got != 1 {
		t.Fatalf("completed age = %d", got)
	}
	mustIoctl(t, f, CmdStop, &StopArgs{Flush: true, Idle: true})
	mustIoctl(t, f, CmdReset, nil)
	mustIoctl(t, f, CmdEngineReset, nil)

	if st := r.dev.Engine().State(); st != cce.StateIdle {
		t.Fatalf("state = %s", st)
	}
}

func TestRequestErrors(t *testing.T) {
	r := newRig(t)
	f := r.dev.Open()
	mustIoctl(t, f, CmdLock, nil)

	wantErrno(t, f.Ioctl(CmdStart, nil), unix.EINVAL)

	bad := initArgs()
	bad.Config.TimeoutUsec = 0
	wantErrno(t, f.Ioctl(CmdInit, bad), unix.EINVAL)

	missing := initArgs()
	missing.Config.Regions.Ring = shm.ByName("agp_ring")
	wantErrno(t, f.Ioctl(CmdInit, missing), unix.ENOENT)

	mustIoctl(t, f, CmdInit, initArgs())
	wantErrno(t, f.Ioctl(CmdPacket, &PacketArgs{Words: []uint32{1}}), unix.EINVAL)
	wantErrno(t, f.Ioctl(CmdBuffers, &BuffersArgs{SendCount: 1}), unix.EINVAL)
	wantErrno(t, f.Ioctl(CmdBuffers, &BuffersArgs{RequestCount: 5}), unix.EINVAL)
	wantErrno(t, f.Ioctl(CmdStop, StopArgs{}), unix.EINVAL)
	wantErrno(t, f.Ioctl(CmdBuffers, (*BuffersArgs)(nil)), unix.EINVAL)
	wantErrno(t, f.Ioctl(CmdInit, &InitArgs{Func: 9}), unix.EINVAL)
	wantErrno(t, f.Ioctl(Cmd(0x7f), nil), unix.EINVAL)

	// Drain the pool, then ask for more than is free.
	mustIoctl(t, f, CmdStart, nil)
	mustIoctl(t, f, CmdBuffers, &BuffersArgs{RequestCount: 3})
	partial := &BuffersArgs{RequestCount: 2}
	wantErrno(t, f.Ioctl(CmdBuffers, partial), unix.EAGAIN)
	if len(partial.Granted) != 1 {
		t.Fatalf("partial grant of %d buffers", len(partial.Granted))
	}

	r.hw.Wedge()
	mustIoctl(t, f, CmdStop, &StopArgs{})
	wantErrno(t, f.Ioctl(CmdIdle, nil), unix.EBUSY)
	mustIoctl(t, f, CmdEngineReset, nil)

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wantErrno(t, f.Ioctl(CmdLock, nil), unix.EBADF)
}

func TestCloseReclaimsBuffers(t *testing.T) {
	r := newRig(t)
	a, b := r.dev.Open(), r.dev.Open()
	mustIoctl(t, a, CmdLock, nil)
	mustIoctl(t, a, CmdInit, initArgs())
	mustIoctl(t, a, CmdStart, nil)
	r.hw.Stall(true)

	mustIoctl(t, a, CmdBuffers, &BuffersArgs{RequestCount: 1})
	mustIoctl(t, a, CmdPacket, &PacketArgs{Words: packet.Write0(regs.GUIScratch0, 1)})
	mustIoctl(t, a, CmdBuffers, &BuffersArgs{RequestCount: 2})

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var owned, pending int
	for _, buf := range r.dev.Engine().Buffers() {
		if buf.Owner == a.Context() {
			owned++
			if buf.Pending {
				pending++
			}
		}
	}
	if owned != 1 || pending != 1 {
		t.Fatalf("after close: %d owned, %d pending; want only the submitted buffer", owned, pending)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.mapper.Mapped() != 0 {
		t.Fatalf("last close left %d regions mapped", r.mapper.Mapped())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{fmt.Errorf("cce: start: %w", cce.ErrBusy), unix.EBUSY},
		{fmt.Errorf("cce: acquire buffer: %w: %w", cce.ErrWouldBlock, freelist.ErrWouldBlock), unix.EAGAIN},
		{cce.ErrRegionNotFound, unix.ENOENT},
		{cce.ErrLockNotHeld, unix.EPERM},
		{fmt.Errorf("wrapped: %w", unix.ENOMEM), unix.ENOMEM},
		{errors.New("something else"), unix.EIO},
	}
	for _, tt := range tests {
		if got := Errno(tt.err); got != tt.want {
			t.Errorf("Errno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetry(t *testing.T) {
	t.Run("RetriesBusy", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 5, 0, func() error {
			calls++
			if calls < 3 {
				return cce.ErrBusy
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("Retry = %v after %d calls", err, calls)
		}
	})

	t.Run("StopsOnOtherErrors", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 5, 0, func() error {
			calls++
			return cce.ErrInvalidRequest
		})
		if !errors.Is(err, cce.ErrInvalidRequest) || calls != 1 {
			t.Fatalf("Retry = %v after %d calls", err, calls)
		}
	})

	t.Run("GivesUp", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 2, 0, func() error {
			calls++
			return ErrLockContended
		})
		if !errors.Is(err, ErrLockContended) || calls != 3 {
			t.Fatalf("Retry = %v after %d calls", err, calls)
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := Retry(ctx, 10, 0, func() error {
			calls++
			return cce.ErrWouldBlock
		})
		if err == nil || calls != 1 {
			t.Fatalf("Retry = %v after %d calls", err, calls)
		}
	})
}
