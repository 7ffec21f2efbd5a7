// Package regs holds the Rage128 register map shared by the CCE driver core
// and the simulated device. Offsets are byte offsets into the MMIO window.
package regs

const (
	ClockCntlIndex = 0x0008
	ClockCntlData  = 0x000c
	BusCntl        = 0x0030
	GenResetCntl   = 0x00f0
	PCNGUICtlStat  = 0x0184

	PM4BufferOffset     = 0x0700
	PM4BufferCntl       = 0x0704
	PM4BufferWMCntl     = 0x0708
	PM4BufferDLRptrAddr = 0x070c
	PM4BufferDLRptr     = 0x0710
	PM4BufferDLWptr     = 0x0714
	PM4BufferAddr       = 0x07f0
	PM4Stat             = 0x07b8
	PM4MicrocodeAddr    = 0x07d4
	PM4MicrocodeDataH   = 0x07d8
	PM4MicrocodeDataL   = 0x07dc
	PM4MicroCntl        = 0x07fc

	PM4FIFODataEven = 0x1000
	PM4FIFODataOdd  = 0x1004

	GUIScratch0 = 0x15e0
	GUIScratch1 = 0x15e4
	GUIStat     = 0x1740

	// LastFrame and LastDispatch mirror the shared status page counters.
	LastFrame    = GUIScratch0
	LastDispatch = GUIScratch1

	// WindowSize is the size of the MMIO register window.
	WindowSize = 0x4000
)

// PLL registers, reached through ClockCntlIndex/ClockCntlData.
const (
	PLLMclkCntl = 0x0f

	PLLWriteEnable = 1 << 7
	PLLIndexMask   = 0x1f

	ForceGCP      = 1 << 16
	ForcePipe3DCP = 1 << 17
)

const (
	BusMasterDis = 1 << 6

	SoftResetGUI = 1 << 0

	PCFlushAll = 0xff
	PCBusy     = 1 << 31

	GUIFIFOCntMask = 0x0fff
	GUIActive      = 1 << 31

	PM4FIFOCntMask = 0x0fff
	PM4Busy        = 1 << 16
	PM4GUIActive   = 1 << 31

	PM4MicroFreeRun = 1 << 30

	PM4BufferCntlNoUpdate = 1 << 27
	PM4BufferDLDone       = 1 << 31

	AGPOffset = 0x02000000
)

// Watermark control for the PM4 buffer.
const (
	WatermarkL = 16
	WatermarkM = 8
	WatermarkN = 8
	WatermarkK = 128

	WMAShift  = 0
	WMBShift  = 8
	WMCShift  = 16
	WBWMShift = 24

	WMCntlInit = (WatermarkL/4)<<WMAShift | (WatermarkM/4)<<WMBShift |
		(WatermarkN/4)<<WMCShift | (WatermarkK/64)<<WBWMShift
)

// Mode selects how the command engine fetches its stream. The value is the
// mode field of PM4BufferCntl.
type Mode uint32

const (
	ModeNonPM4               Mode = 0 << 28
	Mode192PIO               Mode = 1 << 28
	Mode192BM                Mode = 2 << 28
	Mode128PIO64IndBM        Mode = 3 << 28
	Mode128BM64IndBM         Mode = 4 << 28
	Mode64PIO128IndBM        Mode = 5 << 28
	Mode64BM128IndBM         Mode = 6 << 28
	Mode64PIO64VCBM64IndBM   Mode = 7 << 28
	Mode64BM64VCBM64IndBM    Mode = 8 << 28
	Mode64PIO64VCPIO64IndPIO Mode = 15 << 28

	ModeMask Mode = 0xf << 28
)

var modeNames = map[Mode]string{
	ModeNonPM4:               "nonpm4",
	Mode192PIO:               "192pio",
	Mode192BM:                "192bm",
	Mode128PIO64IndBM:        "128pio_64indbm",
	Mode128BM64IndBM:         "128bm_64indbm",
	Mode64PIO128IndBM:        "64pio_128indbm",
	Mode64BM128IndBM:         "64bm_128indbm",
	Mode64PIO64VCBM64IndBM:   "64pio_64vcbm_64indbm",
	Mode64BM64VCBM64IndBM:    "64bm_64vcbm_64indbm",
	Mode64PIO64VCPIO64IndPIO: "64pio_64vcpio_64indpio",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseMode looks up a mode by the name returned from String.
func ParseMode(name string) (Mode, bool) {
	for m, n := range modeNames {
		if n == name {
			return m, true
		}
	}
	return 0, false
}

// BusMastered reports whether the primary stream is fetched by bus mastering.
func (m Mode) BusMastered() bool {
	switch m {
	case Mode192BM, Mode128BM64IndBM, Mode64BM128IndBM, Mode64BM64VCBM64IndBM:
		return true
	}
	return false
}

// FIFOSize is the PM4 FIFO depth available to the primary stream.
func (m Mode) FIFOSize() uint32 {
	switch m {
	case Mode192PIO, Mode192BM:
		return 192
	case Mode128PIO64IndBM, Mode128BM64IndBM:
		return 128
	case Mode64PIO128IndBM, Mode64BM128IndBM,
		Mode64PIO64VCBM64IndBM, Mode64BM64VCBM64IndBM, Mode64PIO64VCPIO64IndPIO:
		return 64
	}
	return 0
}
