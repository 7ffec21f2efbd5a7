// Package r128 simulates the parts of a Rage128 that the command engine
// driver talks to: the register window, the PLL index/data pair, the
// microcode store, soft reset, the pixel cache and a bus master that
// consumes the PM4 ring out of host memory.
package r128

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/cce/internal/chipset"
	"github.com/tinyrange/cce/internal/mmio"
	"github.com/tinyrange/cce/internal/packet"
	"github.com/tinyrange/cce/internal/regs"
)

const (
	// guiFIFODepth is the number of GUI FIFO entries reported free when idle.
	guiFIFODepth = 64
	// pcFlushTicks is how long a pixel cache flush keeps PC_BUSY set.
	pcFlushTicks = 2
	// guiActiveTicks is how long the engine stays active after a packet.
	guiActiveTicks = 1
)

// HostMemory is the bus-addressed memory the device masters. shm.HeapMapper
// satisfies it.
type HostMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Stats counts device activity.
type Stats struct {
	WordsConsumed   uint64
	Packets         uint64
	Type3Packets    uint64
	SoftResets      uint64
	MicrocodeWrites uint64
}

// Device is a simulated Rage128.
type Device struct {
	mu sync.Mutex

	base uint64
	host HostMemory
	log  *slog.Logger

	regs map[uint32]uint32
	pll  [regs.PLLIndexMask + 1]uint32

	microcode [256][2]uint32
	ucodeAddr uint32

	head    uint32
	pcBusy  int
	guiBusy int
	wedged  bool
	lastErr error

	stalled atomicbitops.Bool

	wordsConsumed   atomicbitops.Uint64
	packets         atomicbitops.Uint64
	type3Packets    atomicbitops.Uint64
	softResets      atomicbitops.Uint64
	microcodeWrites atomicbitops.Uint64
}

// New creates a device whose register window starts at base and which
// masters host.
func New(base uint64, host HostMemory, log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		base: base,
		host: host,
		log:  log,
	}
	d.resetLocked()
	return d
}

func (d *Device) resetLocked() {
	d.regs = map[uint32]uint32{
		regs.BusCntl: regs.BusMasterDis,
	}
	d.pll = [regs.PLLIndexMask + 1]uint32{}
	d.microcode = [256][2]uint32{}
	d.ucodeAddr = 0
	d.head = 0
	d.pcBusy = 0
	d.guiBusy = 0
	d.wedged = false
	d.lastErr = nil
}

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (d *Device) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState. It models a power-on reset,
// not the soft reset the driver triggers through GEN_RESET_CNTL.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: d.base, Size: regs.WindowSize}},
		Handler: d,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (d *Device) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: d}
}

// Poll implements chipset.PollHandler by consuming everything available.
func (d *Device) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.Step(-1)
	return d.Err()
}

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	off, err := d.offset(addr, data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	v := d.readLocked(off)
	d.mu.Unlock()
	binary.LittleEndian.PutUint32(data, v)
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	off, err := d.offset(addr, data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.writeLocked(off, binary.LittleEndian.Uint32(data))
	d.mu.Unlock()
	return nil
}

func (d *Device) offset(addr uint64, data []byte) (uint32, error) {
	if addr < d.base || addr+uint64(len(data)) > d.base+regs.WindowSize {
		return 0, fmt.Errorf("r128: address 0x%x out of bounds", addr)
	}
	off := addr - d.base
	if len(data) != 4 || off%4 != 0 {
		return 0, fmt.Errorf("r128: unsupported %d byte access at 0x%x", len(data), off)
	}
	return uint32(off), nil
}

func (d *Device) running() bool {
	return d.regs[regs.PM4MicroCntl]&regs.PM4MicroFreeRun != 0
}

func (d *Device) mode() regs.Mode {
	return regs.Mode(d.regs[regs.PM4BufferCntl]) & regs.ModeMask
}

func (d *Device) ringWords() uint32 {
	l2qw := d.regs[regs.PM4BufferCntl] & 0x1f
	return 2 << l2qw
}

func (d *Device) wptr() uint32 {
	return d.regs[regs.PM4BufferDLWptr] &^ regs.PM4BufferDLDone
}

func (d *Device) readLocked(off uint32) uint32 {
	switch off {
	case regs.ClockCntlData:
		return d.pll[d.regs[regs.ClockCntlIndex]&regs.PLLIndexMask]
	case regs.PCNGUICtlStat:
		v := d.regs[off] &^ regs.PCBusy
		if d.pcBusy > 0 {
			v |= regs.PCBusy
		}
		return v
	case regs.GUIStat:
		var v uint32 = guiFIFODepth
		if d.guiBusy > 0 || d.wedged {
			v |= regs.GUIActive
		}
		return v
	case regs.PM4Stat:
		return d.pm4Stat()
	case regs.PM4BufferDLRptr:
		return d.head
	case regs.PM4BufferAddr:
		return d.regs[regs.PM4BufferOffset]
	}
	return d.regs[off]
}

func (d *Device) pm4Stat() uint32 {
	fifo := d.mode().FIFOSize()
	if fifo == 0 {
		fifo = 192
	}
	var v uint32
	if d.running() && d.head != d.wptr() {
		v |= regs.PM4Busy
	} else {
		v |= fifo
	}
	if d.guiBusy > 0 || d.wedged {
		v |= regs.PM4GUIActive
	}
	return v
}

func (d *Device) writeLocked(off, v uint32) {
	switch off {
	case regs.ClockCntlData:
		index := d.regs[regs.ClockCntlIndex]
		if index&regs.PLLWriteEnable != 0 {
			d.pll[index&regs.PLLIndexMask] = v
		}
		return
	case regs.GenResetCntl:
		if v&regs.SoftResetGUI != 0 && d.regs[off]&regs.SoftResetGUI == 0 {
			d.softReset()
		}
	case regs.PCNGUICtlStat:
		if v&regs.PCFlushAll != 0 {
			d.pcBusy = pcFlushTicks
		}
		v &^= regs.PCFlushAll | regs.PCBusy
	case regs.PM4MicrocodeAddr:
		d.ucodeAddr = v
	case regs.PM4MicrocodeDataH:
		d.microcode[d.ucodeAddr%256][0] = v
	case regs.PM4MicrocodeDataL:
		d.microcode[d.ucodeAddr%256][1] = v
		d.ucodeAddr++
		d.microcodeWrites.Add(1)
	case regs.PM4BufferDLRptr:
		d.head = v
	}
	d.regs[off] = v
}

// softReset clears the drawing engine. Register contents survive.
func (d *Device) softReset() {
	d.pcBusy = 0
	d.guiBusy = 0
	d.wedged = false
	d.softResets.Add(1)
	d.log.Debug("r128: soft reset")
}

// Tick advances the device clock by one microsecond and then consumes up
// to words ring words.
func (d *Device) Tick(words int) {
	d.mu.Lock()
	if d.pcBusy > 0 {
		d.pcBusy--
	}
	if d.guiBusy > 0 {
		d.guiBusy--
	}
	d.mu.Unlock()
	d.Step(words)
}

// Delayer returns a delayer whose every microsecond is one Tick. Waits in
// the driver then see the device make progress.
func (d *Device) Delayer(wordsPerTick int) mmio.Delayer {
	return mmio.DelayFunc(func(usec uint32) {
		for range usec {
			d.Tick(wordsPerTick)
		}
	})
}

// Step consumes whole packets from the ring, at most limit words (all
// available when limit is negative). It returns the number of words
// consumed.
func (d *Device) Step(limit int) int {
	if d.stalled.Load() {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running() || !d.mode().BusMastered() || d.lastErr != nil {
		return 0
	}

	size := d.ringWords()
	mask := size - 1
	consumed := 0
	for d.head != d.wptr() {
		avail := int((d.wptr() - d.head) & mask)
		ctl, err := d.ringWord(d.head)
		if err != nil {
			d.fail(err)
			break
		}
		n := packet.Len(ctl)
		if n > avail || (limit >= 0 && consumed+n > limit) {
			break
		}
		payload := make([]uint32, n-1)
		for i := range payload {
			if payload[i], err = d.ringWord((d.head + 1 + uint32(i)) & mask); err != nil {
				break
			}
		}
		if err != nil {
			d.fail(err)
			break
		}
		d.execute(ctl, payload)
		d.head = (d.head + uint32(n)) & mask
		consumed += n
	}

	if consumed > 0 {
		d.wordsConsumed.Add(uint64(consumed))
		d.publishHead()
	}
	return consumed
}

func (d *Device) fail(err error) {
	d.lastErr = err
	d.log.Warn("r128: bus master stopped", "err", err)
}

func (d *Device) ringWord(index uint32) (uint32, error) {
	base := uint64(d.regs[regs.PM4BufferOffset] &^ regs.AGPOffset)
	var buf [4]byte
	if _, err := d.host.ReadAt(buf[:], int64(base+uint64(index)*4)); err != nil {
		return 0, fmt.Errorf("r128: read ring word %d: %w", index, err)
	}
	return binary.NativeEndian.Uint32(buf[:]), nil
}

func (d *Device) publishHead() {
	addr := d.regs[regs.PM4BufferDLRptrAddr]
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], d.head)
	if _, err := d.host.WriteAt(buf[:], int64(addr)); err != nil {
		d.fail(fmt.Errorf("r128: write read pointer: %w", err))
	}
}

func (d *Device) execute(ctl uint32, payload []uint32) {
	d.packets.Add(1)
	d.guiBusy = guiActiveTicks
	switch packet.KindOf(ctl) {
	case packet.KindType0:
		for _, v := range payload {
			d.writeLocked(packet.Reg(ctl), v)
		}
	case packet.KindType1:
		d.writeLocked(packet.Reg(ctl), payload[0])
		d.writeLocked(packet.Reg1(ctl), payload[1])
	case packet.KindType2:
	case packet.KindType3:
		d.type3Packets.Add(1)
	}
}

// Stall stops or resumes ring consumption. A stalled device never advances
// its head.
func (d *Device) Stall(stalled bool) { d.stalled.Store(stalled) }

// Wedge leaves the drawing engine active until the next soft reset.
func (d *Device) Wedge() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wedged = true
}

// Err returns the error that stopped the bus master, if any.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Register returns the raw contents of the register at off.
func (d *Device) Register(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readLocked(off)
}

// PLL returns the PLL register at index.
func (d *Device) PLL(index uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pll[index&regs.PLLIndexMask]
}

// Microcode returns the instruction store contents.
func (d *Device) Microcode() [256][2]uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.microcode
}

// Head returns the ring read index.
func (d *Device) Head() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.head
}

func (d *Device) Stats() Stats {
	return Stats{
		WordsConsumed:   d.wordsConsumed.Load(),
		Packets:         d.packets.Load(),
		Type3Packets:    d.type3Packets.Load(),
		SoftResets:      d.softResets.Load(),
		MicrocodeWrites: d.microcodeWrites.Load(),
	}
}

var (
	_ chipset.ChipsetDevice = (*Device)(nil)
	_ chipset.MmioHandler   = (*Device)(nil)
	_ chipset.PollHandler   = (*Device)(nil)
)
