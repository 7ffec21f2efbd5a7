// Package shm tracks the memory regions a device session shares with the
// hardware (register window, ring, read pointer, status page, DMA buffers)
// and maps them into addressable memory.
package shm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("shm: region not found")

// Region is a named window of bus address space registered by the host.
type Region struct {
	Name   string
	Offset uint64
	Size   uint64
}

// End returns the first bus address after the region.
func (r Region) End() uint64 {
	return r.Offset + r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("%s[0x%x-0x%x)", r.Name, r.Offset, r.End())
}

// Key selects a region either by name or by its starting offset.
type Key struct {
	Name     string
	Offset   uint64
	ByOffset bool
}

// ByName returns a Key matching the region registered under name.
func ByName(name string) Key {
	return Key{Name: name}
}

// ByOffset returns a Key matching the region starting at offset.
func ByOffset(offset uint64) Key {
	return Key{Offset: offset, ByOffset: true}
}

func (k Key) String() string {
	if k.ByOffset {
		return fmt.Sprintf("offset 0x%x", k.Offset)
	}
	return fmt.Sprintf("%q", k.Name)
}

// Table is the set of regions the host has pre-registered for a device.
type Table struct {
	mu      sync.Mutex
	regions []Region
}

// NewTable creates an empty region table.
func NewTable() *Table {
	return &Table{}
}

// Register adds a region. Names must be unique and regions must not overlap.
func (t *Table) Register(name string, offset, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if name == "" {
		return fmt.Errorf("shm: region name is empty")
	}
	if size == 0 {
		return fmt.Errorf("shm: cannot register zero-size region %s", name)
	}
	if offset+size < offset {
		return fmt.Errorf("shm: region %s at 0x%x with size 0x%x overflows", name, offset, size)
	}

	for _, existing := range t.regions {
		if existing.Name == name {
			return fmt.Errorf("shm: region %s already registered", name)
		}
		if offset < existing.End() && existing.Offset < offset+size {
			return fmt.Errorf("shm: region %s [0x%x-0x%x) overlaps %s",
				name, offset, offset+size, existing)
		}
	}

	t.regions = append(t.regions, Region{Name: name, Offset: offset, Size: size})
	sort.Slice(t.regions, func(i, j int) bool {
		return t.regions[i].Offset < t.regions[j].Offset
	})
	return nil
}

// Find resolves a key to a registered region.
func (t *Table) Find(key Key) (Region, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.regions {
		if key.ByOffset && r.Offset == key.Offset {
			return r, nil
		}
		if !key.ByOffset && r.Name == key.Name {
			return r, nil
		}
	}
	return Region{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Containing returns the region holding the bus address range [addr, addr+n).
func (t *Table) Containing(addr, n uint64) (Region, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.regions {
		if addr >= r.Offset && addr+n <= r.End() {
			return r, true
		}
	}
	return Region{}, false
}

// Regions returns a copy of all registered regions ordered by offset.
func (t *Table) Regions() []Region {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Region, len(t.regions))
	copy(result, t.regions)
	return result
}
