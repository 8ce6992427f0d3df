package readout

import (
	"context"
	"fmt"

	"github.com/sis3316/daq/internal/regmap"
	"github.com/sis3316/daq/internal/transport"
)

// congestionWindow implements the §4.D congestion control over one
// channel's drain: grown on success, halved on timeout, held steady
// (but resumed from the new offset) on an unordered packet.
type congestionWindow struct {
	w, wMax uint32
}

func newCongestionWindow() *congestionWindow {
	return &congestionWindow{w: FIFOReadLimit / 2}
}

func (cw *congestionWindow) onSuccess() {
	if cw.w < cw.wMax {
		cw.w += (cw.wMax - cw.w) / 2
		return
	}
	grown := cw.w + MTUWords + (cw.w - cw.wMax)
	if grown > FIFOReadLimit {
		grown = FIFOReadLimit
	}
	cw.w = grown
}

// onTimeout records a congestion timeout and reports whether the
// window has collapsed to zero (a hard timeout, spec.md §4.D).
func (cw *congestionWindow) onTimeout() (hard bool) {
	cw.wMax = cw.w
	cw.w /= 2
	return cw.w == 0
}

// Drain performs the per-channel drain operation (spec.md §4.D): reads
// the channel's previous bank and end address, then issues
// congestion-controlled 0x30 bursts from word 0 up to end into sink,
// re-verifying bank identity every DefaultVerifyChunkWords words and
// at the end of the drain. ctx cancellation is checked between bursts;
// a cancellation drops out with the words transferred so far already
// pushed to sink.
func (c *Controller) Drain(ctx context.Context, chanIdx int, sink Sink) error {
	bank, end, err := c.readBankIdentity(chanIdx)
	if err != nil {
		return err
	}
	if end == 0 {
		return nil
	}

	groupIdx := chanIdx / 4
	transferReg := regTransferControlBase + regmap.Addr(groupIdx)*transferControlStride
	fifoAddr := fifoBase + regmap.Addr(chanIdx)*fifoStride

	if err := c.resetTransferLogic(transferReg); err != nil {
		return err
	}

	cw := newCongestionWindow()
	var offset, sinceVerify uint32

	for offset < end {
		select {
		case <-ctx.Done():
			return fmt.Errorf("readout: channel %d: %w", chanIdx, ctx.Err())
		default:
		}

		if err := c.programTransfer(transferReg, groupIdx, offset); err != nil {
			return err
		}

		remaining := end - offset
		burst := cw.w
		if burst > remaining {
			burst = remaining
		}
		if burst == 0 {
			return fmt.Errorf("readout: channel %d: %w", chanIdx, transport.ErrTimeout)
		}

		if err := c.T.SendBulkReadRequest(fifoAddr, burst); err != nil {
			return err
		}
		res := c.T.RecvBulkBurst(int(burst)*4, c.bulkTimeout)

		if len(res.Data) > 0 {
			if err := sink.Push(res.Data); err != nil {
				return fmt.Errorf("readout: channel %d: sink: %w", chanIdx, err)
			}
		}
		gotWords := uint32(len(res.Data) / 4)
		offset += gotWords
		sinceVerify += gotWords

		switch {
		case res.Unordered:
			c.log.Warn("unordered bulk packet, resuming burst", "chan", chanIdx, "offset", offset)
			continue // window unchanged; next iteration resumes from the new offset
		case res.Timeout:
			if hard := cw.onTimeout(); hard {
				return fmt.Errorf("readout: channel %d: %w", chanIdx, transport.ErrTimeout)
			}
			c.log.Warn("bulk read congestion, halving window", "chan", chanIdx, "window", cw.w)
			continue
		default:
			cw.onSuccess()
		}

		if sinceVerify >= DefaultVerifyChunkWords || offset >= end {
			curBank, curEnd, err := c.readBankIdentity(chanIdx)
			if err != nil {
				return err
			}
			if curBank != bank || curEnd != end {
				return fmt.Errorf("readout: channel %d: %w", chanIdx, ErrBankSwapDuringRead)
			}
			sinceVerify = 0
		}
	}
	return c.resetTransferLogic(transferReg)
}
