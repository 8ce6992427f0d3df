// Package regmap implements the register abstraction: bitfield get/set
// over the module's 24-bit word-addressed register space, and address
// classification into link-space, VME-space, and bulk memory.
//
// The contract is purely arithmetic. Nothing here performs I/O; callers
// combine a Bitfield with a transport-backed reader/writer (see
// internal/regsvc) to actually touch the device.
package regmap

import "errors"

// ErrInvalidArgument is returned when a value does not fit the bits a
// bitfield is allowed to occupy.
var ErrInvalidArgument = errors.New("regmap: invalid argument")

// Addr is a 24-bit word address in the module's register space.
type Addr uint32

// Space identifies which of the three address ranges an Addr falls in.
type Space int

const (
	// LinkSpace addresses (< 0x20) cannot be batched and writes are
	// never retried.
	LinkSpace Space = iota
	// VMESpace addresses (0x20..0x100000) may be batched up to 64 per
	// packet.
	VMESpace
	// BulkSpace addresses (>= 0x100000) are reached through the
	// FIFO-configured bulk read cycle, not single reads/writes.
	BulkSpace
)

const (
	linkSpaceEnd = Addr(0x20)
	vmeSpaceEnd  = Addr(0x100000)
)

// Space classifies the address per spec: link-space is addr < 0x20,
// VME-space is 0x20 <= addr < 0x100000, bulk memory is addr >= 0x100000.
func (a Addr) Space() Space {
	switch {
	case a < linkSpaceEnd:
		return LinkSpace
	case a < vmeSpaceEnd:
		return VMESpace
	default:
		return BulkSpace
	}
}

// Bitfield describes one named configuration parameter: a register, a
// bit offset within that register's word, a mask (already shifted down
// to bit 0), and documentation.
type Bitfield struct {
	Register Addr
	Offset   uint32
	Mask     uint32
	Doc      string
}

// Get extracts the bitfield's value out of a full register word.
func (b Bitfield) Get(word uint32) uint32 {
	return (word >> b.Offset) & b.Mask
}

// Set returns word with the bitfield's bits replaced by value, leaving
// every other bit untouched. It fails with ErrInvalidArgument if value
// does not fit within Mask.
func (b Bitfield) Set(word, value uint32) (uint32, error) {
	if value&^b.Mask != 0 {
		return 0, ErrInvalidArgument
	}
	cleared := word &^ (b.Mask << b.Offset)
	return cleared | (value << b.Offset), nil
}

// WithGroupOffset returns a copy of b whose register address is offset
// by group*stride, for register blocks replicated per group (0..3).
func (b Bitfield) WithGroupOffset(group int, stride Addr) Bitfield {
	b.Register += Addr(group) * stride
	return b
}

// WithChannelOffset returns a copy of b whose register address is
// offset by chan*stride, for register blocks replicated per channel
// (0..15, or 0..3 within a group depending on the caller's indexing).
func (b Bitfield) WithChannelOffset(chanIdx int, stride Addr) Bitfield {
	b.Register += Addr(chanIdx) * stride
	return b
}
