// Package config loads the YAML description of a command engine session:
// the shared memory regions the host registers and the engine settings
// passed to Init.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/cce/internal/cce"
	"github.com/tinyrange/cce/internal/regs"
	"github.com/tinyrange/cce/internal/shm"
)

// maxConfigSize bounds what Load will read.
const maxConfigSize = 1024 * 1024

// File is the top level of a config file.
type File struct {
	// Device, when set, is a file whose regions are mapped with mmap (a PCI
	// resource or a memory image). Empty selects host memory.
	Device  string   `yaml:"device"`
	Engine  Engine   `yaml:"engine"`
	Regions []Region `yaml:"regions"`

	dir string
}

// Region is one entry of the region table.
type Region struct {
	Name   string `yaml:"name"`
	Offset uint64 `yaml:"offset"`
	Size   uint64 `yaml:"size"`
}

// Engine holds the settings for cce.Engine.Init.
type Engine struct {
	Mode        string `yaml:"mode"`
	TimeoutUsec uint32 `yaml:"timeout_usec"`
	BufferBytes uint64 `yaml:"buffer_bytes"`
	BufferCount int    `yaml:"buffer_count"`
	AgeWrap     uint32 `yaml:"age_wrap"`
	// Microcode is a firmware image path, relative to the config file.
	Microcode string `yaml:"microcode"`
	// Keys overrides how regions are found: a name, or "@0x..." for the
	// region starting at that offset. Valid entries are status, mmio, ring,
	// read_ptr and buffers.
	Keys map[string]string `yaml:"keys"`
}

// Default describes a session against the simulated device.
func Default() *File {
	return &File{
		Engine: Engine{
			Mode:        regs.Mode192BM.String(),
			TimeoutUsec: cce.MaxTimeoutUsec,
			BufferBytes: cce.DefaultBufferBytes,
		},
		Regions: []Region{
			{Name: cce.RegionStatus, Offset: 0x1000, Size: 0x1000},
			{Name: cce.RegionReadPtr, Offset: 0x2000, Size: 0x1000},
			{Name: cce.RegionRing, Offset: 0x10000, Size: 0x10000},
			{Name: cce.RegionMMIO, Offset: 0x100000, Size: regs.WindowSize},
			{Name: cce.RegionBuffers, Offset: 0x200000, Size: 16 * cce.DefaultBufferBytes},
		},
	}
}

// Parse decodes a config. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &f, nil
}

// Load reads and parses the config at path.
func Load(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config: %s is %d bytes, limit is %d", path, info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w (in %s)", err, path)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Table registers every region.
func (f *File) Table() (*shm.Table, error) {
	t := shm.NewTable()
	for _, r := range f.Regions {
		if err := t.Register(r.Name, r.Offset, r.Size); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return t, nil
}

// Region returns the region called name.
func (f *File) Region(name string) (Region, bool) {
	for _, r := range f.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// EngineConfig builds the Init configuration. The microcode image is
// loaded when one is named; otherwise Microcode is left nil for the caller
// to fill in.
func (f *File) EngineConfig() (cce.Config, error) {
	e := f.Engine
	cfg := cce.Config{
		Mode:        regs.Mode192BM,
		TimeoutUsec: e.TimeoutUsec,
		BufferBytes: e.BufferBytes,
		BufferCount: e.BufferCount,
		AgeWrap:     e.AgeWrap,
	}
	if e.Mode != "" {
		mode, ok := regs.ParseMode(e.Mode)
		if !ok {
			return cce.Config{}, fmt.Errorf("config: unknown mode %q", e.Mode)
		}
		cfg.Mode = mode
	}

	for name, value := range e.Keys {
		key, err := ParseKey(value)
		if err != nil {
			return cce.Config{}, fmt.Errorf("config: key %s: %w", name, err)
		}
		switch name {
		case "status":
			cfg.Regions.Status = key
		case "mmio":
			cfg.Regions.MMIO = key
		case "ring":
			cfg.Regions.Ring = key
		case "read_ptr":
			cfg.Regions.ReadPtr = key
		case "buffers":
			cfg.Regions.Buffers = key
		default:
			return cce.Config{}, fmt.Errorf("config: unknown region key %q", name)
		}
	}

	if e.Microcode != "" {
		path := e.Microcode
		if !filepath.IsAbs(path) && f.dir != "" {
			path = filepath.Join(f.dir, path)
		}
		mc, err := cce.LoadMicrocodeFile(path)
		if err != nil {
			return cce.Config{}, fmt.Errorf("config: %w", err)
		}
		cfg.Microcode = mc
	}
	return cfg, nil
}

// ParseKey turns "@<offset>" into a lookup by offset and anything else
// into a lookup by name. Offsets accept any Go integer literal prefix.
func ParseKey(s string) (shm.Key, error) {
	if s == "" {
		return shm.Key{}, fmt.Errorf("empty region key")
	}
	if rest, ok := strings.CutPrefix(s, "@"); ok {
		off, err := strconv.ParseUint(rest, 0, 64)
		if err != nil {
			return shm.Key{}, fmt.Errorf("region offset %q: %w", rest, err)
		}
		return shm.ByOffset(off), nil
	}
	return shm.ByName(s), nil
}
