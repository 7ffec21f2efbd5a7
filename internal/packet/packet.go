// Package packet frames the command stream consumed by the engine. Every
// packet is a control word followed by its payload: bits 31:30 select the
// kind, bits 29:16 hold the payload count minus one and the low bits carry
// the register index (byte offset >> 2) or the type-3 opcode.
package packet

import (
	"errors"
	"fmt"
)

var ErrTruncated = errors.New("packet: truncated")

// Kind is the packet type held in the top two bits of the control word.
type Kind uint32

const (
	KindType0 Kind = iota
	KindType1
	KindType2
	KindType3
)

func (k Kind) String() string {
	switch k {
	case KindType0:
		return "type0"
	case KindType1:
		return "type1"
	case KindType2:
		return "type2"
	default:
		return "type3"
	}
}

const (
	kindShift  = 30
	countShift = 16
	countMask  = 0x3fff

	regMask    = 0x7fff
	reg0Mask   = 0x7ff
	reg1Shift  = 11
	reg1Mask   = 0x7ff
	opcodeMask = 0xff00

	// MaxCount is the largest payload a type-0 or type-3 packet can carry.
	MaxCount = countMask + 1
)

// Opcode is a type-3 operation.
type Opcode uint32

const (
	OpNop           Opcode = 0x1000
	OpRenderIndexed Opcode = 0x2300
	OpHostDataBlit  Opcode = 0x9400
	OpPaintMulti    Opcode = 0x9a00
	OpBitBlitMulti  Opcode = 0x9b00
)

// Type0 returns the control word for count consecutive payload words all
// written to the register at byte offset reg.
func Type0(reg uint32, count int) uint32 {
	if count < 1 || count > MaxCount {
		panic(fmt.Sprintf("packet: type0 count %d out of range", count))
	}
	return uint32(KindType0)<<kindShift | uint32(count-1)<<countShift | (reg>>2)&regMask
}

// Type1 returns the control word for a write of two payload words to reg0
// and reg1.
func Type1(reg0, reg1 uint32) uint32 {
	return uint32(KindType1)<<kindShift | ((reg1>>2)&reg1Mask)<<reg1Shift | (reg0>>2)&reg0Mask
}

// Type2 returns a single padding word.
func Type2() uint32 {
	return uint32(KindType2) << kindShift
}

// Type3 returns the control word for op with count payload words.
func Type3(op Opcode, count int) uint32 {
	if count < 1 || count > MaxCount {
		panic(fmt.Sprintf("packet: type3 count %d out of range", count))
	}
	return uint32(KindType3)<<kindShift | uint32(count-1)<<countShift | uint32(op)&opcodeMask
}

// Write0 builds a complete type-0 packet writing vals to reg.
func Write0(reg uint32, vals ...uint32) []uint32 {
	return append([]uint32{Type0(reg, len(vals))}, vals...)
}

// KindOf returns the kind of control word w.
func KindOf(w uint32) Kind { return Kind(w >> kindShift) }

// Reg returns the first register byte offset named by a type-0 or type-1
// control word.
func Reg(w uint32) uint32 {
	if KindOf(w) == KindType1 {
		return (w & reg0Mask) << 2
	}
	return (w & regMask) << 2
}

// Reg1 returns the second register byte offset of a type-1 control word.
func Reg1(w uint32) uint32 { return ((w >> reg1Shift) & reg1Mask) << 2 }

// Op returns the opcode of a type-3 control word.
func Op(w uint32) Opcode { return Opcode(w & opcodeMask) }

// PayloadLen returns the number of words following control word w.
func PayloadLen(w uint32) int {
	switch KindOf(w) {
	case KindType1:
		return 2
	case KindType2:
		return 0
	default:
		return int((w>>countShift)&countMask) + 1
	}
}

// Len returns the total ring words used by the packet starting with w.
func Len(w uint32) int { return 1 + PayloadLen(w) }

// Frame splits words into whole packets and returns their lengths.
func Frame(words []uint32) ([]int, error) {
	var lens []int
	for off := 0; off < len(words); {
		n := Len(words[off])
		if off+n > len(words) {
			return lens, fmt.Errorf("%w: %s packet at word %d needs %d words, %d remain",
				ErrTruncated, KindOf(words[off]), off, n, len(words)-off)
		}
		lens = append(lens, n)
		off += n
	}
	return lens, nil
}
