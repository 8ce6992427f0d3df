// Command parse decodes a raw per-channel event file and prints one
// line per event, for inspecting a drained .dat file by hand.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/sis3316/daq/internal/event"
)

func main() {
	help := pflag.BoolP("help", "h", false, "display help text")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: parse <file>\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help || pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	f, err := os.Open(pflag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer f.Close()

	rd := event.NewReader(f)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for {
		ev, err := rd.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		printEvent(out, ev)
	}
}

func printEvent(w io.Writer, ev event.Event) {
	fmt.Fprintf(w, "chan=%d ts=%d samples=%d size=%d", ev.Chan, ev.Ts, len(ev.Raw), ev.SizeBytes)
	if ev.Fmt0 != nil {
		fmt.Fprintf(w, " peak=%d", ev.Fmt0.PeakCharge)
	}
	if ev.Fmt2 != nil {
		fmt.Fprintf(w, " maw_max=%d", ev.Fmt2.MAWMax)
	}
	if ev.MAWEnabled {
		fmt.Fprint(w, " maw_ena")
	}
	fmt.Fprintln(w)
}
