package cce

import (
	"fmt"

	"github.com/tinyrange/cce/internal/mmio"
	"github.com/tinyrange/cce/internal/regs"
	"github.com/tinyrange/cce/internal/shm"
)

// guiFIFOEntries is how many free GUI FIFO entries waitForIdle insists on
// before looking at the active bit.
const guiFIFOEntries = 64

// Start lets the engine consume the ring. It does nothing when the engine
// is already running or configured for pass-through.
func (e *Engine) Start() error {
	if err := e.checkEntry("start"); err != nil {
		return err
	}
	if e.state == StateRunning || e.cfg.Mode == regs.ModeNonPM4 {
		return nil
	}
	if err := e.waitForIdle(); err != nil {
		return fmt.Errorf("cce: start: %w", err)
	}

	e.bus.Write32(regs.PM4BufferCntl, uint32(e.cfg.Mode)|e.ring.SizeL2QW()|regs.PM4BufferCntlNoUpdate)
	e.bus.Read32(regs.PM4BufferAddr) // flush write combining
	e.bus.Write32(regs.PM4MicroCntl, regs.PM4MicroFreeRun)

	e.state = StateRunning
	e.log.Info("cce: started", "mode", e.cfg.Mode)
	return nil
}

// Stop halts consumption. With flush the engine is told the stream has
// ended, which it needs before it can ever report idle. With waitIdle Stop
// first waits for the ring to drain and returns ErrBusy, leaving the engine
// running, if it does not. A stopped engine is left untouched.
func (e *Engine) Stop(flush, waitIdle bool) error {
	if err := e.checkEntry("stop"); err != nil {
		return err
	}
	if e.state != StateRunning {
		return nil
	}

	if flush {
		e.flush()
	}
	if waitIdle {
		if err := e.cceIdle(); err != nil {
			return fmt.Errorf("cce: stop: %w", err)
		}
	}

	e.bus.Write32(regs.PM4MicroCntl, 0)
	e.bus.Write32(regs.PM4BufferCntl, uint32(regs.ModeNonPM4)|regs.PM4BufferCntlNoUpdate)

	e.state = StateIdle
	e.log.Info("cce: stopped", "flush", flush, "wait_idle", waitIdle)
	return nil
}

// ResetRing empties the ring and makes every buffer reclaimable. In-flight
// work is abandoned. Microcode and mappings are kept.
func (e *Engine) ResetRing() error {
	if err := e.checkEntry("reset ring"); err != nil {
		return err
	}
	e.resetRing()
	return nil
}

func (e *Engine) resetRing() {
	e.ring.Reset()
	e.pool.ResetAges()
	e.state = StateIdle
}

// EngineReset soft resets the drawing engine and then the ring. It is the
// recovery path for a wedged engine and is safe in any initialized state.
func (e *Engine) EngineReset() error {
	if err := e.checkEntry("engine reset"); err != nil {
		return err
	}
	e.engineReset()
	return nil
}

func (e *Engine) engineReset() {
	e.state = StateResetting

	if err := e.pixcacheFlush(); err != nil {
		e.log.Debug("cce: pixel cache flush before reset", "err", err)
	}

	clockIndex := e.bus.Read32(regs.ClockCntlIndex)
	mclk := e.readPLL(regs.PLLMclkCntl)
	e.writePLL(regs.PLLMclkCntl, mclk|regs.ForceGCP|regs.ForcePipe3DCP)

	gen := e.bus.Read32(regs.GenResetCntl)
	e.bus.Write32(regs.GenResetCntl, gen|regs.SoftResetGUI)
	e.bus.Read32(regs.GenResetCntl)
	e.bus.Write32(regs.GenResetCntl, gen&^regs.SoftResetGUI)
	e.bus.Read32(regs.GenResetCntl)

	e.writePLL(regs.PLLMclkCntl, mclk)
	e.bus.Write32(regs.ClockCntlIndex, clockIndex)
	e.bus.Write32(regs.GenResetCntl, gen)

	e.resetRing()
	e.pool.ClearPending()

	e.log.Info("cce: engine reset")
}

// WaitIdle waits for the ring to drain when the engine is running and for
// the drawing engine to go idle otherwise.
func (e *Engine) WaitIdle() error {
	if err := e.checkEntry("idle"); err != nil {
		return err
	}
	if e.state == StateRunning {
		e.flush()
		if err := e.cceIdle(); err != nil {
			return fmt.Errorf("cce: idle: %w", err)
		}
		return nil
	}
	if err := e.waitForIdle(); err != nil {
		return fmt.Errorf("cce: idle: %w", err)
	}
	return nil
}

func (e *Engine) flush() {
	wptr := e.bus.Read32(regs.PM4BufferDLWptr)
	e.bus.Write32(regs.PM4BufferDLWptr, wptr|regs.PM4BufferDLDone)
}

func (e *Engine) wait(what string, pred func() bool) error {
	if err := mmio.WaitUntil(e.delay, e.cfg.TimeoutUsec, pred); err != nil {
		e.log.Debug("cce: wait timed out", "what", what, "timeout_usec", e.cfg.TimeoutUsec)
		return fmt.Errorf("%s: %w: %w", what, ErrBusy, err)
	}
	return nil
}

func (e *Engine) waitForFIFO(entries uint32) error {
	return e.wait("gui fifo", func() bool {
		return e.bus.Read32(regs.GUIStat)&regs.GUIFIFOCntMask >= entries
	})
}

// waitForIdle waits for the drawing engine, which includes the GUI FIFO
// and the pixel cache.
func (e *Engine) waitForIdle() (err error) {
	span := e.trace.Start(traceWaitForIdle)
	defer func() { span.End(err) }()

	if err := e.waitForFIFO(guiFIFOEntries); err != nil {
		return err
	}
	if err := e.wait("gui active", func() bool {
		return e.bus.Read32(regs.GUIStat)&regs.GUIActive == 0
	}); err != nil {
		return err
	}
	return e.pixcacheFlush()
}

// cceIdle waits until the engine has consumed the whole ring and its PM4
// FIFO has drained.
func (e *Engine) cceIdle() (err error) {
	span := e.trace.Start(traceCCEIdle)
	defer func() { span.End(err) }()

	if err := e.wait("cce idle", func() bool {
		if e.ring.Head() != e.ring.Tail() {
			return false
		}
		stat := e.bus.Read32(regs.PM4Stat)
		return stat&regs.PM4FIFOCntMask >= e.fifo &&
			stat&(regs.PM4Busy|regs.PM4GUIActive) == 0
	}); err != nil {
		return err
	}
	return e.pixcacheFlush()
}

func (e *Engine) pixcacheFlush() error {
	ctl := e.bus.Read32(regs.PCNGUICtlStat)
	e.bus.Write32(regs.PCNGUICtlStat, ctl|regs.PCFlushAll)
	return e.wait("pixel cache flush", func() bool {
		return e.bus.Read32(regs.PCNGUICtlStat)&regs.PCBusy == 0
	})
}

func (e *Engine) readPLL(index uint32) uint32 {
	e.bus.Write32(regs.ClockCntlIndex, index&regs.PLLIndexMask)
	return e.bus.Read32(regs.ClockCntlData)
}

func (e *Engine) writePLL(index, v uint32) {
	e.bus.Write32(regs.ClockCntlIndex, index&regs.PLLIndexMask|regs.PLLWriteEnable)
	e.bus.Write32(regs.ClockCntlData, v)
}

// initRingBuffer points the engine at the ring and its read pointer word
// and enables bus mastering.
func (e *Engine) initRingBuffer(ringRegion, rptrRegion shm.Region) {
	e.bus.Write32(regs.PM4BufferOffset, uint32(ringRegion.Offset)|regs.AGPOffset)
	e.bus.Write32(regs.PM4BufferDLRptrAddr, uint32(rptrRegion.Offset))
	e.bus.Write32(regs.PM4BufferWMCntl, regs.WMCntlInit)

	e.ring.Reset()

	e.bus.Read32(regs.PM4BufferAddr)

	bus := e.bus.Read32(regs.BusCntl)
	e.bus.Write32(regs.BusCntl, bus&^regs.BusMasterDis)
}

func (e *Engine) loadMicrocode(mc *Microcode) error {
	if err := e.waitForIdle(); err != nil {
		return err
	}
	e.bus.Write32(regs.PM4MicrocodeAddr, 0)
	for _, entry := range mc {
		e.bus.Write32(regs.PM4MicrocodeDataH, entry[0])
		e.bus.Write32(regs.PM4MicrocodeDataL, entry[1])
	}
	return nil
}
