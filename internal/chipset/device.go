package chipset

import "context"

// MMIORegion is a window of bus address space served by one device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []MMIORegion
	Handler MmioHandler
}

// PollHandler advances a device that does work between register accesses,
// such as a bus master consuming a ring.
type PollHandler interface {
	Poll(ctx context.Context) error
}

// PollDevice registers a poll-capable device with the chipset.
type PollDevice struct {
	Handler PollHandler
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all chipset devices must implement.
type ChipsetDevice interface {
	ChangeDeviceState

	SupportsMmio() *MmioIntercept
	SupportsPollDevice() *PollDevice
}
