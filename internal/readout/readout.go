// Package readout implements the bank-toggle readout controller
// (spec.md §4.D): a state machine over the device's two-bank
// double-buffered channel memory, and the per-channel drain operation
// that streams a bank's contents into a Sink through congestion-
// controlled §4.B bulk reads.
package readout

import (
	"errors"
	"fmt"
	"time"

	"github.com/sis3316/daq/internal/logging"
	"github.com/sis3316/daq/internal/regmap"
	"github.com/sis3316/daq/internal/regsvc"
	"github.com/sis3316/daq/internal/transport"
)

// ErrBankSwapDuringRead is raised when a channel's previous-bank
// identity or end address changes mid-drain (spec.md §7): the cycle
// is fatal and the caller retries on the next readout cycle.
var ErrBankSwapDuringRead = errors.New("readout: previous bank changed identity mid-drain")

// State is the bank-toggle readout state machine. There is no
// transition other than writing the dedicated trigger registers.
type State int

const (
	Disarmed State = iota
	ArmedBank0
	ArmedBank1
)

func (s State) String() string {
	switch s {
	case Disarmed:
		return "Disarmed"
	case ArmedBank0:
		return "ArmedBank0"
	case ArmedBank1:
		return "ArmedBank1"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Register catalog for the bank-toggle control plane. Like
// internal/device's parameter table, these addresses stand in for the
// external register-catalog data table (spec.md §1); they are not a
// transcription of any real device's memory map.
const (
	regArmBank0 regmap.Addr = 0x4000
	regArmBank1 regmap.Addr = 0x4001
	regDisarm   regmap.Addr = 0x4002

	regPreviousBankBase    regmap.Addr = 0x4100 // +bankRegStride per global channel
	regPreviousBankEndBase regmap.Addr = 0x4101
	bankRegStride          regmap.Addr = 0x2

	regTransferControlBase regmap.Addr = 0x4200 // +transferControlStride per group
	transferControlStride  regmap.Addr = 0x10

	fifoBase   regmap.Addr = 0x100000 // bulk space, +fifoStride per global channel
	fifoStride regmap.Addr = 0x10000
)

// FIFO programming constants (spec.md §4.D).
const (
	transferOpRead  = 0b10
	transferBusyBit = uint32(1) << 31

	// FIFOReadLimit is the device's maximum words per 0x30 burst:
	// FIFO_READ_LIMIT = 0x40000/4.
	FIFOReadLimit = 0x40000 / 4
	// MTUWords is the per-datagram word budget implied by the
	// >=1440-byte MTU assumption (spec.md §6).
	MTUWords = 1440 / 4
	// DefaultVerifyChunkWords bounds how many words are drained
	// between previous-bank re-verification checks (spec.md §4.D
	// step 3's "after each chunk").
	DefaultVerifyChunkWords = 1 << 20
)

func transferCommand(memSpace uint32, wordOffset uint32) uint32 {
	return (uint32(transferOpRead) << 30) | (memSpace << 28) | wordOffset
}

// Controller drives bank arm/disarm/toggle and the per-channel drain
// operation over one regsvc.Service/transport.Transport pair.
type Controller struct {
	Svc         *regsvc.Service
	T           *transport.Transport
	state       State
	bulkTimeout time.Duration
	log         interface {
		Debug(msg interface{}, kv ...interface{})
		Info(msg interface{}, kv ...interface{})
		Warn(msg interface{}, kv ...interface{})
	}
}

// New builds a Controller in the Disarmed state.
func New(svc *regsvc.Service, t *transport.Transport) *Controller {
	return &Controller{
		Svc:         svc,
		T:           t,
		state:       Disarmed,
		bulkTimeout: 100 * time.Millisecond,
		log:         logging.For("readout"),
	}
}

// State returns the controller's current bank-toggle state.
func (c *Controller) State() State { return c.state }

// SetBulkTimeout overrides the per-burst bulk-read deadline.
func (c *Controller) SetBulkTimeout(d time.Duration) { c.bulkTimeout = d }

// Arm transitions Disarmed -> ArmedBank{0,1} by writing the bank's key
// register. There is no other way to change the active bank.
func (c *Controller) Arm(bank int) error {
	if c.state != Disarmed {
		return fmt.Errorf("readout: Arm requires Disarmed, got %v", c.state)
	}
	var reg regmap.Addr
	var next State
	switch bank {
	case 0:
		reg, next = regArmBank0, ArmedBank0
	case 1:
		reg, next = regArmBank1, ArmedBank1
	default:
		return fmt.Errorf("%w: bank %d", transport.ErrInvalidArgument, bank)
	}
	if err := c.Svc.Write(reg, 1); err != nil {
		return err
	}
	c.state = next
	return nil
}

// Disarm transitions any armed state back to Disarmed.
func (c *Controller) Disarm() error {
	if c.state == Disarmed {
		return nil
	}
	if err := c.Svc.Write(regDisarm, 1); err != nil {
		return err
	}
	c.state = Disarmed
	return nil
}

// Toggle disarms-and-arms the opposite bank (mem_toggle, spec.md §4.D).
func (c *Controller) Toggle() error {
	switch c.state {
	case ArmedBank0:
		if err := c.Disarm(); err != nil {
			return err
		}
		return c.Arm(1)
	case ArmedBank1:
		if err := c.Disarm(); err != nil {
			return err
		}
		return c.Arm(0)
	default:
		return fmt.Errorf("readout: Toggle requires an armed state, got %v", c.state)
	}
}

func (c *Controller) readBankIdentity(chanIdx int) (bank int, end uint32, err error) {
	prevBankReg := regPreviousBankBase + regmap.Addr(chanIdx)*bankRegStride
	endReg := regPreviousBankEndBase + regmap.Addr(chanIdx)*bankRegStride

	bankWord, err := c.Svc.Read(prevBankReg)
	if err != nil {
		return 0, 0, err
	}
	endWord, err := c.Svc.Read(endReg)
	if err != nil {
		return 0, 0, err
	}
	return int(bankWord), endWord, nil
}

func (c *Controller) programTransfer(reg regmap.Addr, memSpace int, wordOffset uint32) error {
	status, err := c.Svc.Read(reg)
	if err != nil {
		return err
	}
	if status&transferBusyBit != 0 {
		return transport.ErrTransferLogicBusy
	}
	return c.Svc.Write(reg, transferCommand(uint32(memSpace), wordOffset))
}

func (c *Controller) resetTransferLogic(reg regmap.Addr) error {
	return c.Svc.Write(reg, 0)
}
