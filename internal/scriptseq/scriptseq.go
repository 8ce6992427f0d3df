// Package scriptseq runs the "opaque ordered register writes with
// short sleeps" contract spec.md keeps for SPI/I2C clock and analog
// chip programming sequences (spec.md §1 Out of scope, §9): a Step is
// a single register write followed by a cooperative pause, never a
// busy wait, and a Run requires the caller to hold a transport.Session
// for its entire duration, so no other scripted sequence interleaves.
// The Session excludes other sessions only: reads and writes issued
// outside a Session are not blocked and can interleave with a script.
package scriptseq

import (
	"context"
	"fmt"
	"time"

	"github.com/sis3316/daq/internal/regmap"
	"github.com/sis3316/daq/internal/regsvc"
	"github.com/sis3316/daq/internal/transport"
)

// Step is one write-then-sleep step of a scripted sequence.
type Step struct {
	Addr  regmap.Addr
	Value uint32
	Delay time.Duration
}

// Run executes steps in order against svc, holding session for the
// duration so the caller is statically required to have acquired the
// transport's script lock (transport.Transport.BeginSession) first.
// Each step's delay is a context-aware pause, not a busy wait; ctx
// cancellation aborts the sequence between steps.
func Run(ctx context.Context, session *transport.Session, svc *regsvc.Service, steps []Step) error {
	if session == nil {
		return fmt.Errorf("scriptseq: Run requires an active transport.Session")
	}
	for i, step := range steps {
		if err := svc.Write(step.Addr, step.Value); err != nil {
			return fmt.Errorf("scriptseq: step %d (addr %#x): %w", i, step.Addr, err)
		}
		if step.Delay <= 0 {
			continue
		}
		timer := time.NewTimer(step.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("scriptseq: step %d (addr %#x): %w", i, step.Addr, ctx.Err())
		}
	}
	return nil
}
