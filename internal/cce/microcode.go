package cce

import (
	"encoding/binary"
	"fmt"
	"os"
)

const (
	MicrocodeEntries = 256
	// MicrocodeBytes is the size of a firmware image: each entry is a high
	// and a low big-endian word.
	MicrocodeBytes = MicrocodeEntries * 2 * 4
)

// Microcode is the engine's instruction store image. Entry i is loaded as
// the high word followed by the low word.
type Microcode [MicrocodeEntries][2]uint32

// ParseMicrocode decodes a firmware image.
func ParseMicrocode(b []byte) (*Microcode, error) {
	if len(b) != MicrocodeBytes {
		return nil, fmt.Errorf("cce: microcode image is %d bytes, want %d", len(b), MicrocodeBytes)
	}
	var mc Microcode
	for i := range mc {
		mc[i][0] = binary.BigEndian.Uint32(b[i*8:])
		mc[i][1] = binary.BigEndian.Uint32(b[i*8+4:])
	}
	return &mc, nil
}

// LoadMicrocodeFile reads and decodes the firmware image at path.
func LoadMicrocodeFile(path string) (*Microcode, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cce: read microcode: %w", err)
	}
	return ParseMicrocode(b)
}

// Bytes encodes mc in firmware image form.
func (mc *Microcode) Bytes() []byte {
	b := make([]byte, MicrocodeBytes)
	for i, e := range mc {
		binary.BigEndian.PutUint32(b[i*8:], e[0])
		binary.BigEndian.PutUint32(b[i*8+4:], e[1])
	}
	return b
}
