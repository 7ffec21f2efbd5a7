package shm

import (
	"fmt"
	"sync"
)

// Mapper makes registered regions addressable.
type Mapper interface {
	Map(r Region) (*Memory, error)
	Unmap(m *Memory) error
}

// HeapMapper backs every region with ordinary memory. Mapping the same
// region twice yields views of the same storage, so a simulated bus master
// and the driver share one copy. It also serves bus-addressed DMA through
// ReadAt/WriteAt.
type HeapMapper struct {
	mu      sync.Mutex
	backing map[uint64]*Memory
	mapped  map[*Memory]int
}

// NewHeapMapper creates an empty HeapMapper.
func NewHeapMapper() *HeapMapper {
	return &HeapMapper{
		backing: make(map[uint64]*Memory),
		mapped:  make(map[*Memory]int),
	}
}

// Map implements Mapper.
func (h *HeapMapper) Map(r Region) (*Memory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mem, ok := h.backing[r.Offset]
	if !ok {
		// Round up so the word accessors always land inside the slice.
		buf := make([]uint32, (r.Size+3)/4)
		var err error
		mem, err = NewMemory(r, wordBytes(buf))
		if err != nil {
			return nil, err
		}
		h.backing[r.Offset] = mem
	} else if mem.region != r {
		return nil, fmt.Errorf("shm: %s conflicts with existing backing %s", r, mem.region)
	}
	h.mapped[mem]++
	return mem, nil
}

// Unmap implements Mapper. The backing storage stays alive for other views.
func (h *HeapMapper) Unmap(m *Memory) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.mapped[m]
	if !ok || n == 0 {
		return fmt.Errorf("shm: %s is not mapped", m.region)
	}
	if n == 1 {
		delete(h.mapped, m)
	} else {
		h.mapped[m] = n - 1
	}
	return nil
}

// Mapped reports how many live mappings exist across all regions.
func (h *HeapMapper) Mapped() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, n := range h.mapped {
		total += n
	}
	return total
}

func (h *HeapMapper) lookup(addr uint64, n int) (*Memory, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, mem := range h.backing {
		r := mem.region
		if addr >= r.Offset && addr+uint64(n) <= r.End() {
			return mem, int64(addr - r.Offset), nil
		}
	}
	return nil, 0, fmt.Errorf("shm: bus address 0x%x+%d is not backed", addr, n)
}

// ReadAt reads from bus address off.
func (h *HeapMapper) ReadAt(p []byte, off int64) (int, error) {
	mem, rel, err := h.lookup(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return mem.ReadAt(p, rel)
}

// WriteAt writes to bus address off.
func (h *HeapMapper) WriteAt(p []byte, off int64) (int, error) {
	mem, rel, err := h.lookup(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return mem.WriteAt(p, rel)
}

var _ Mapper = (*HeapMapper)(nil)
