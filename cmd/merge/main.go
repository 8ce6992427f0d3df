// Command merge streams the time-ordered merge of several per-channel
// event files as text, optionally filtering for channel-set
// coincidences instead of emitting every merged event.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/sis3316/daq/internal/coincidence"
	"github.com/sis3316/daq/internal/event"
	"github.com/sis3316/daq/internal/merge"
)

func main() {
	var (
		triggerSpecs = pflag.StringArrayP("trigger", "t", nil, `named coincidence trigger "name:ch1,ch2,..." (repeatable)`)
		coinc        = pflag.Bool("coinc", false, "filter output to coincidence groups (implied when -t is given)")
		window       = pflag.Uint64P("window", "j", 0, "coincidence window, in device ticks")
		delaySpecs   = pflag.StringArrayP("delay", "d", nil, `delay compensation "index:delay" for the input file at 0-based position index (repeatable)`)
		help         = pflag.BoolP("help", "h", false, "display help text")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: merge <files...> [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help || pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(1)
	}

	delays, err := parseDelays(*delaySpecs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sources, closers, err := openSources(pflag.Args(), delays)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer closeAll(closers)

	triggers, err := parseTriggers(*triggerSpecs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	m := merge.New(sources, false)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	if *coinc || len(triggers) > 0 {
		runCoincidence(out, m, *window, triggers)
		return
	}
	runMerge(out, m)
}

// ctxSource adapts merge.Merger's context-aware Next into the plain
// Next() (event.Event, error) shape coincidence.Engine expects, since
// a merge runs to completion without external cancellation.
type ctxSource struct {
	m   *merge.Merger
	ctx context.Context
}

func (s ctxSource) Next() (event.Event, error) { return s.m.Next(s.ctx) }

func runMerge(w io.Writer, m *merge.Merger) {
	ctx := context.Background()
	for {
		ev, err := m.Next(ctx)
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintf(w, "chan=%d ts=%d samples=%d\n", ev.Chan, ev.Ts, len(ev.Raw))
	}
}

func runCoincidence(w io.Writer, m *merge.Merger, window uint64, triggers []coincidence.Trigger) {
	eng := coincidence.New(ctxSource{m: m, ctx: context.Background()}, window, triggers)
	for {
		if len(triggers) == 0 {
			g, err := eng.NextGroup()
			if err == io.EOF {
				return
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			printGroup(w, g)
			continue
		}
		name, ev, err := eng.NextFiltered()
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintf(w, "trigger=%s chan=%d ts=%d\n", name, ev.Chan, ev.Ts)
	}
}

func printGroup(w io.Writer, g coincidence.Group) {
	fmt.Fprintf(w, "group size=%d:", len(g.Events))
	for _, ev := range g.Events {
		fmt.Fprintf(w, " chan=%d@%d", ev.Chan, ev.Ts)
	}
	fmt.Fprintln(w)
}

func openSources(paths []string, delays map[int]int64) ([]merge.Source, []io.Closer, error) {
	sources := make([]merge.Source, 0, len(paths))
	closers := make([]io.Closer, 0, len(paths))
	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			closeAll(closers)
			return nil, nil, fmt.Errorf("merge: open %s: %w", path, err)
		}
		closers = append(closers, f)
		sources = append(sources, merge.Source{Reader: event.NewReader(f), Delay: delays[i]})
	}
	return sources, closers, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}

// parseTriggers parses "name:ch1,ch2,..." specs into Triggers. The
// listed numbers are channel numbers, matched against the channel
// recorded in each event, not input file positions.
func parseTriggers(specs []string) ([]coincidence.Trigger, error) {
	var out []coincidence.Trigger
	for _, spec := range specs {
		name, chansStr, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid trigger spec %q, want name:ch1,ch2,...", spec)
		}
		var chans []uint16
		for _, c := range strings.Split(chansStr, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(c))
			if err != nil {
				return nil, fmt.Errorf("invalid trigger spec %q: %w", spec, err)
			}
			chans = append(chans, uint16(n))
		}
		trig, err := coincidence.NewTrigger(name, chans)
		if err != nil {
			return nil, err
		}
		out = append(out, trig)
	}
	return out, nil
}

// parseDelays parses "index:delay" specs into a map keyed by index.
// The index is the 0-based position of an input file on the command
// line; it is not matched against the channel numbers in the events.
func parseDelays(specs []string) (map[int]int64, error) {
	out := make(map[int]int64, len(specs))
	for _, spec := range specs {
		idxStr, delayStr, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid delay spec %q, want index:delay", spec)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(idxStr))
		if err != nil {
			return nil, fmt.Errorf("invalid delay spec %q: %w", spec, err)
		}
		delay, err := strconv.ParseInt(strings.TrimSpace(delayStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid delay spec %q: %w", spec, err)
		}
		out[idx] = delay
	}
	return out, nil
}
