package shm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Memory is a mapped region. Word accessors are single aligned 32-bit
// loads and stores so that a concurrent bus master never observes a torn
// word.
type Memory struct {
	region Region
	data   []byte
}

// NewMemory wraps an already mapped byte slice. The slice must be 4-byte
// aligned, which holds for both mmap results and heap slices of this size.
func NewMemory(region Region, data []byte) (*Memory, error) {
	if uint64(len(data)) < region.Size {
		return nil, fmt.Errorf("shm: mapping for %s is %d bytes, want %d", region, len(data), region.Size)
	}
	if len(data) > 0 && uintptr(unsafe.Pointer(&data[0]))&3 != 0 {
		return nil, fmt.Errorf("shm: mapping for %s is not word aligned", region)
	}
	return &Memory{region: region, data: data[:region.Size]}, nil
}

func (m *Memory) Region() Region { return m.region }

// Words returns the number of 32-bit words in the mapping.
func (m *Memory) Words() uint32 { return uint32(len(m.data) / 4) }

func (m *Memory) word(i uint32) *uint32 {
	off := uint64(i) * 4
	if off+4 > uint64(len(m.data)) {
		panic(fmt.Sprintf("shm: word %d out of range for %s", i, m.region))
	}
	return (*uint32)(unsafe.Pointer(&m.data[off]))
}

// Load32 reads word i.
func (m *Memory) Load32(i uint32) uint32 {
	return atomic.LoadUint32(m.word(i))
}

// Store32 writes word i.
func (m *Memory) Store32(i uint32, v uint32) {
	atomic.StoreUint32(m.word(i), v)
}

// Zero clears the whole mapping.
func (m *Memory) Zero() {
	for i := range m.Words() {
		m.Store32(i, 0)
	}
}

// ReadAt copies out of the mapping, one word at a time where aligned.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(m.data)) {
		return 0, fmt.Errorf("shm: read [0x%x+%d) outside %s", off, len(p), m.region)
	}
	if off%4 == 0 && len(p)%4 == 0 {
		for i := 0; i < len(p); i += 4 {
			binary.NativeEndian.PutUint32(p[i:], m.Load32(uint32((off+int64(i))/4)))
		}
		return len(p), nil
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt copies into the mapping, one word at a time where aligned.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(m.data)) {
		return 0, fmt.Errorf("shm: write [0x%x+%d) outside %s", off, len(p), m.region)
	}
	if off%4 == 0 && len(p)%4 == 0 {
		for i := 0; i < len(p); i += 4 {
			m.Store32(uint32((off+int64(i))/4), binary.NativeEndian.Uint32(p[i:]))
		}
		return len(p), nil
	}
	return copy(m.data[off:], p), nil
}

// wordBytes views a word slice as bytes, guaranteeing word alignment.
func wordBytes(words []uint32) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}
