// Package drm is the host side of the command engine. It owns the device
// lock, knows which open file is making a request and turns engine errors
// into the errno values an ioctl handler hands back to userspace.
package drm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/cce/internal/cce"
	"github.com/tinyrange/cce/internal/freelist"
)

var (
	ErrClosed        = errors.New("drm: file is closed")
	ErrBadArgument   = errors.New("drm: bad ioctl argument")
	ErrLockContended = errors.New("drm: lock held by another context")
)

// Cmd is an ioctl request number.
type Cmd uint32

const (
	CmdInit Cmd = 0x40 + iota
	CmdStart
	CmdStop
	CmdReset
	CmdIdle
	CmdEngineReset
	CmdBuffers
	CmdPacket
	CmdFrame
	CmdLock
	CmdUnlock
)

var cmdNames = map[Cmd]string{
	CmdInit:        "cce_init",
	CmdStart:       "cce_start",
	CmdStop:        "cce_stop",
	CmdReset:       "cce_reset",
	CmdIdle:        "cce_idle",
	CmdEngineReset: "engine_reset",
	CmdBuffers:     "dma",
	CmdPacket:      "packet",
	CmdFrame:       "swap",
	CmdLock:        "lock",
	CmdUnlock:      "unlock",
}

func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Cmd(0x%x)", uint32(c))
}

// InitFunc selects between bringing the engine up and tearing it down.
type InitFunc int

const (
	InitCCE InitFunc = iota + 1
	CleanupCCE
)

// InitArgs is the argument of CmdInit.
type InitArgs struct {
	Func   InitFunc
	Config cce.Config
}

// StopArgs is the argument of CmdStop.
type StopArgs struct {
	Flush bool
	Idle  bool
}

// BuffersArgs is the argument of CmdBuffers. Sending buffers through this
// request is not supported; SendCount must be zero.
type BuffersArgs struct {
	SendCount    int
	RequestCount int

	// Granted is filled in, also when the request fails part way.
	Granted []freelist.Handle
}

// PacketArgs is the argument of CmdPacket.
type PacketArgs struct {
	Words []uint32

	Accepted int
}

// FrameArgs is the argument of CmdFrame.
type FrameArgs struct {
	Frame uint32
}

// Device serializes every request against one engine.
type Device struct {
	mu     sync.Mutex
	engine *cce.Engine
	log    *slog.Logger

	next   freelist.ContextID
	files  map[freelist.ContextID]*File
	holder freelist.ContextID
	// caller is the context of the request being served.
	caller freelist.ContextID
}

// host answers the engine's questions about the current request. It is
// only consulted with Device.mu held.
type host struct{ d *Device }

func (h host) LockHeld() bool {
	return h.d.holder != freelist.NoOwner && h.d.holder == h.d.caller
}

func (h host) ContextID() freelist.ContextID { return h.d.caller }

// New creates a device and its engine. deps.Host is supplied by the device.
func New(deps cce.Deps) (*Device, error) {
	d := &Device{
		log:   deps.Logger,
		files: make(map[freelist.ContextID]*File),
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	deps.Host = host{d: d}
	engine, err := cce.NewEngine(deps)
	if err != nil {
		return nil, fmt.Errorf("drm: %w", err)
	}
	d.engine = engine
	return d, nil
}

// Engine returns the engine behind the device. Callers must not use it
// concurrently with requests.
func (d *Device) Engine() *cce.Engine { return d.engine }

// Open returns a file with a fresh context.
func (d *Device) Open() *File {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	f := &File{dev: d, ctx: d.next}
	d.files[f.ctx] = f
	d.log.Debug("drm: open", "context", f.ctx)
	return f
}

// File is one open handle on the device.
type File struct {
	dev    *Device
	ctx    freelist.ContextID
	closed bool
}

// Context returns the context id requests through f run as.
func (f *File) Context() freelist.ContextID { return f.ctx }

// Close gives back the buffers f holds but never submitted and drops the
// lock if f holds it. Closing the last file cleans the engine up.
func (f *File) Close() error {
	d := f.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	delete(d.files, f.ctx)

	released := d.engine.ReleaseContext(f.ctx)
	if d.holder == f.ctx {
		d.holder = freelist.NoOwner
	}
	d.log.Debug("drm: close", "context", f.ctx, "released", released)

	if len(d.files) == 0 {
		if err := d.engine.Cleanup(); err != nil {
			return fmt.Errorf("drm: last close: %w", err)
		}
	}
	return nil
}

// Ioctl serves one request. arg must be a pointer to the argument type the
// command documents, or nil for commands without one. Use Errno to get the
// value a kernel would return.
func (f *File) Ioctl(cmd Cmd, arg any) error {
	d := f.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if f.closed {
		return fmt.Errorf("drm: %s: %w", cmd, ErrClosed)
	}
	d.caller = f.ctx
	defer func() { d.caller = freelist.NoOwner }()

	err := d.dispatch(cmd, arg)
	if err != nil {
		d.log.Debug("drm: ioctl failed",
			"cmd", cmd,
			"context", f.ctx,
			"errno", Errno(err),
			"err", err)
	}
	return err
}

func argAs[T any](cmd Cmd, arg any) (*T, error) {
	p, ok := arg.(*T)
	if !ok || p == nil {
		return nil, fmt.Errorf("drm: %s: argument of type %T: %w", cmd, arg, ErrBadArgument)
	}
	return p, nil
}

func (d *Device) dispatch(cmd Cmd, arg any) error {
	e := d.engine
	switch cmd {
	case CmdInit:
		a, err := argAs[InitArgs](cmd, arg)
		if err != nil {
			return err
		}
		switch a.Func {
		case InitCCE:
			return e.Init(a.Config)
		case CleanupCCE:
			return e.Cleanup()
		default:
			return fmt.Errorf("drm: %s: func %d: %w", cmd, a.Func, ErrBadArgument)
		}
	case CmdStart:
		return e.Start()
	case CmdStop:
		a, err := argAs[StopArgs](cmd, arg)
		if err != nil {
			return err
		}
		return e.Stop(a.Flush, a.Idle)
	case CmdReset:
		return e.ResetRing()
	case CmdIdle:
		return e.WaitIdle()
	case CmdEngineReset:
		return e.EngineReset()
	case CmdBuffers:
		a, err := argAs[BuffersArgs](cmd, arg)
		if err != nil {
			return err
		}
		if a.SendCount != 0 {
			return fmt.Errorf("drm: %s: sending %d buffers: %w", cmd, a.SendCount, cce.ErrInvalidRequest)
		}
		a.Granted, err = e.RequestBuffers(a.RequestCount)
		return err
	case CmdPacket:
		a, err := argAs[PacketArgs](cmd, arg)
		if err != nil {
			return err
		}
		a.Accepted, err = e.SubmitPacket(a.Words)
		return err
	case CmdFrame:
		a, err := argAs[FrameArgs](cmd, arg)
		if err != nil {
			return err
		}
		a.Frame, err = e.EmitFrame()
		return err
	case CmdLock:
		switch d.holder {
		case freelist.NoOwner:
			d.holder = d.caller
			return nil
		case d.caller:
			return nil
		default:
			return fmt.Errorf("drm: %s: held by context %d: %w", cmd, d.holder, ErrLockContended)
		}
	case CmdUnlock:
		if d.holder != d.caller {
			return fmt.Errorf("drm: %s: %w", cmd, cce.ErrLockNotHeld)
		}
		d.holder = freelist.NoOwner
		return nil
	}
	return fmt.Errorf("drm: unknown command %s: %w", cmd, ErrBadArgument)
}
