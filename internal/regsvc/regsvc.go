// Package regsvc provides single and batched register reads/writes and
// bitfield-level convenience accessors, dispatching by address range
// onto the link-space and VME-space operations of internal/transport
// (spec.md §4.C). Bulk memory addresses are rejected here: bulk reads
// require the congestion-controlled drain protocol in
// internal/readout, not a plain Read.
package regsvc

import (
	"fmt"

	"github.com/sis3316/daq/internal/regmap"
	"github.com/sis3316/daq/internal/transport"
)

// Service exposes the register-level operations a Transport supports,
// independent of address space.
type Service struct {
	T *transport.Transport
}

// New builds a Service around an existing Transport.
func New(t *transport.Transport) *Service {
	return &Service{T: t}
}

// Read reads one register, link-space or VME-space.
func (s *Service) Read(addr regmap.Addr) (uint32, error) {
	switch addr.Space() {
	case regmap.LinkSpace:
		return s.T.ReadLink(addr)
	case regmap.VMESpace:
		vals, err := s.T.ReadVME([]regmap.Addr{addr})
		if err != nil {
			return 0, err
		}
		return vals[0], nil
	default:
		return 0, fmt.Errorf("%w: bulk-space address %#x requires internal/readout", transport.ErrInvalidArgument, addr)
	}
}

// Write writes one register, link-space or VME-space.
func (s *Service) Write(addr regmap.Addr, word uint32) error {
	switch addr.Space() {
	case regmap.LinkSpace:
		return s.T.WriteLink(addr, word)
	case regmap.VMESpace:
		return s.T.WriteVME([]regmap.Addr{addr}, []uint32{word})
	default:
		return fmt.Errorf("%w: bulk-space address %#x requires internal/readout", transport.ErrInvalidArgument, addr)
	}
}

// ReadList reads a batch of VME-space registers. Mixing link-space
// addresses into a batch is rejected (link-space cannot be batched).
func (s *Service) ReadList(addrs []regmap.Addr) ([]uint32, error) {
	return s.T.ReadVME(addrs)
}

// WriteList writes a batch of VME-space (addr, data) pairs.
func (s *Service) WriteList(addrs []regmap.Addr, data []uint32) error {
	return s.T.WriteVME(addrs, data)
}

// GetField reads the register backing f and extracts the bitfield.
func (s *Service) GetField(f regmap.Bitfield) (uint32, error) {
	word, err := s.Read(f.Register)
	if err != nil {
		return 0, err
	}
	return f.Get(word), nil
}

// SetField performs one read and one write, read-modify-writing the
// bitfield's bits while preserving the rest of the register. This is
// atomic from the host's standpoint only: no other writer to the same
// register is assumed to race it (spec.md §4.C).
func (s *Service) SetField(f regmap.Bitfield, value uint32) error {
	word, err := s.Read(f.Register)
	if err != nil {
		return err
	}
	word, err = f.Set(word, value)
	if err != nil {
		return err
	}
	return s.Write(f.Register, word)
}
