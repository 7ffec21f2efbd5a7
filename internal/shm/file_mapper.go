//go:build unix

package shm

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileMapper maps regions out of a device file such as a PCI BAR resource
// node or /dev/mem. Region offsets are file offsets and must be page aligned.
type FileMapper struct {
	mu   sync.Mutex
	f    *os.File
	live map[*Memory][]byte
}

// OpenFileMapper opens path for shared read/write mapping.
func OpenFileMapper(path string) (*FileMapper, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	return &FileMapper{f: f, live: make(map[*Memory][]byte)}, nil
}

// Map implements Mapper.
func (fm *FileMapper) Map(r Region) (*Memory, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	pageSize := uint64(unix.Getpagesize())
	if r.Offset%pageSize != 0 {
		return nil, fmt.Errorf("shm: %s offset is not page aligned", r)
	}
	length := (r.Size + pageSize - 1) &^ (pageSize - 1)

	data, err := unix.Mmap(int(fm.f.Fd()), int64(r.Offset), int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", r, err)
	}

	mem, err := NewMemory(r, data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	fm.live[mem] = data
	return mem, nil
}

// Unmap implements Mapper.
func (fm *FileMapper) Unmap(m *Memory) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	data, ok := fm.live[m]
	if !ok {
		return fmt.Errorf("shm: %s is not mapped", m.region)
	}
	delete(fm.live, m)
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("shm: munmap %s: %w", m.region, err)
	}
	return nil
}

// Close unmaps anything still live and closes the device file.
func (fm *FileMapper) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for mem, data := range fm.live {
		_ = unix.Munmap(data)
		delete(fm.live, mem)
	}
	return fm.f.Close()
}

var _ Mapper = (*FileMapper)(nil)
