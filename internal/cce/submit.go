package cce

import (
	"errors"
	"fmt"

	"github.com/tinyrange/cce/internal/freelist"
	"github.com/tinyrange/cce/internal/packet"
	"github.com/tinyrange/cce/internal/regs"
)

// RetireWords is the size of the packet appended to every client
// submission to publish its age.
const RetireWords = 2

func retirePacket(age uint32) [RetireWords]uint32 {
	return [RetireWords]uint32{packet.Type0(regs.LastDispatch, 1), age}
}

// SubmitInternal writes driver generated words to the ring in one commit.
// At most Size()-1 words are taken; the caller resubmits the rest.
func (e *Engine) SubmitInternal(words []uint32) (int, error) {
	if e.state == StateUninitialized {
		return 0, fmt.Errorf("cce: submit internal: %w", ErrUninitialized)
	}
	n := min(len(words), int(e.ring.Size()-1))
	if n == 0 {
		return 0, nil
	}
	if err := e.ring.Reserve(uint32(n)); err != nil {
		return 0, fmt.Errorf("cce: submit internal: %w: %w", ErrBusy, err)
	}
	for _, w := range words[:n] {
		e.ring.WriteWord(w)
	}
	e.ring.Commit()
	return n, nil
}

// SubmitPacket writes a client's packets followed by the retirement packet
// for the next age, and stamps the caller's unsubmitted buffers with that
// age. Only whole packets are taken, as many as fit in an otherwise empty
// ring. It returns how many of the client's words were accepted.
func (e *Engine) SubmitPacket(words []uint32) (int, error) {
	if !e.host.LockHeld() {
		return 0, fmt.Errorf("cce: submit: %w", ErrLockNotHeld)
	}
	if e.state != StateRunning || e.cfg.Mode == regs.ModeNonPM4 {
		return 0, fmt.Errorf("cce: submit in state %s: %w", e.state, ErrNotRunning)
	}

	accepted, err := e.acceptPrefix(words)
	if err != nil {
		return 0, err
	}

	if e.dispatch >= e.cfg.AgeWrap {
		if err := e.wrapAges(); err != nil {
			return 0, fmt.Errorf("cce: submit: wrap ages: %w", err)
		}
	}

	span := e.trace.Start(traceSubmit)
	if err := e.ring.Reserve(uint32(accepted + RetireWords)); err != nil {
		span.End(err)
		return 0, fmt.Errorf("cce: submit %d words: %w: %w", accepted, ErrBusy, err)
	}
	age := e.dispatch
	for _, w := range words[:accepted] {
		e.ring.WriteWord(w)
	}
	for _, w := range retirePacket(age) {
		e.ring.WriteWord(w)
	}
	e.ring.Commit()
	span.End(nil)

	stamped := e.pool.Stamp(e.host.ContextID(), age)
	e.status.setLastDispatched(age)
	e.dispatch++

	e.log.Debug("cce: submitted",
		"words", accepted,
		"age", age,
		"buffers", stamped,
		"tail", e.ring.Tail())
	return accepted, nil
}

// acceptPrefix returns the length of the longest run of whole packets at
// the start of words that fits the ring alongside a retirement packet.
func (e *Engine) acceptPrefix(words []uint32) (int, error) {
	limit := int(e.ring.Size()) - 1 - RetireWords
	lens, frameErr := packet.Frame(words)

	accepted := 0
	for _, n := range lens {
		if accepted+n > limit {
			break
		}
		accepted += n
	}
	if accepted == 0 {
		if frameErr != nil {
			return 0, fmt.Errorf("cce: submit: %w: %w", ErrInvalidRequest, frameErr)
		}
		if len(words) == 0 {
			return 0, fmt.Errorf("cce: submit: no packets: %w", ErrInvalidRequest)
		}
		return 0, fmt.Errorf("cce: submit: first packet exceeds %d ring words: %w", limit, ErrInvalidRequest)
	}
	return accepted, nil
}

// wrapAges restarts the submission counter. The engine must drain first so
// that no buffer is left holding an age from before the wrap.
func (e *Engine) wrapAges() error {
	e.flush()
	if err := e.cceIdle(); err != nil {
		return err
	}
	e.pool.ClearPending()
	e.bus.Write32(regs.LastDispatch, 0)
	e.status.setLastDispatched(0)
	e.dispatch = 1
	e.log.Info("cce: submission counter wrapped", "wrap", e.cfg.AgeWrap)
	return nil
}

// EmitFrame marks the end of a frame: the frame counter in the status page
// is advanced and the engine writes it back once it gets there.
func (e *Engine) EmitFrame() (uint32, error) {
	if !e.host.LockHeld() {
		return 0, fmt.Errorf("cce: emit frame: %w", ErrLockNotHeld)
	}
	if e.state != StateRunning || e.cfg.Mode == regs.ModeNonPM4 {
		return 0, fmt.Errorf("cce: emit frame in state %s: %w", e.state, ErrNotRunning)
	}

	frame := e.frame + 1
	if _, err := e.SubmitInternal([]uint32{packet.Type0(regs.LastFrame, 1), frame}); err != nil {
		return 0, err
	}
	e.frame = frame
	e.status.setLastSubmittedFrame(frame)
	return frame, nil
}

// completedAge reads the last age the engine has retired.
func (e *Engine) completedAge() uint32 {
	return e.bus.Read32(regs.LastDispatch)
}

// AcquireBuffer hands the calling context one DMA buffer.
func (e *Engine) AcquireBuffer() (freelist.Handle, error) {
	if err := e.checkEntry("acquire buffer"); err != nil {
		return freelist.Handle{}, err
	}
	return e.acquire()
}

func (e *Engine) acquire() (h freelist.Handle, err error) {
	span := e.trace.Start(traceAcquire)
	defer func() { span.End(err) }()

	h, err = e.pool.Acquire(e.host.ContextID(), e.completedAge)
	if errors.Is(err, freelist.ErrWouldBlock) {
		return h, fmt.Errorf("cce: acquire buffer: %w: %w", ErrWouldBlock, err)
	}
	return h, err
}

// RequestBuffers acquires n buffers for the caller, one at a time. When the
// pool runs dry the buffers already granted are returned with the error.
func (e *Engine) RequestBuffers(n int) ([]freelist.Handle, error) {
	if err := e.checkEntry("request buffers"); err != nil {
		return nil, err
	}
	if n < 0 || n > e.pool.Len() {
		return nil, fmt.Errorf("cce: request %d buffers from a pool of %d: %w", n, e.pool.Len(), ErrInvalidRequest)
	}

	handles := make([]freelist.Handle, 0, n)
	for range n {
		h, err := e.acquire()
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// ReleaseContext returns every buffer ctx holds but never submitted. Its
// submitted buffers are reclaimed by age as usual.
func (e *Engine) ReleaseContext(ctx freelist.ContextID) int {
	if e.pool == nil {
		return 0
	}
	n := e.pool.Release(ctx)
	if n > 0 {
		e.log.Debug("cce: released buffers", "context", ctx, "buffers", n)
	}
	return n
}
