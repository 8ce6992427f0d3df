// Command readout connects to a digitizer module over UDP, arms its
// bank-toggle readout, and drains requested channels to per-channel
// files forever, toggling banks each cycle until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sis3316/daq/internal/config"
	"github.com/sis3316/daq/internal/device"
	"github.com/sis3316/daq/internal/logging"
	"github.com/sis3316/daq/internal/readout"
	"github.com/sis3316/daq/internal/regmap"
	"github.com/sis3316/daq/internal/regsvc"
	"github.com/sis3316/daq/internal/transport"
)

// linkArbitrationReg is the link-interface grant register acquired
// before driving the module, per the register catalog's link space.
const linkArbitrationReg regmap.Addr = 0x01

var log = logging.For("cmd/readout")

func main() {
	var (
		port       = pflag.IntP("port", "p", 3333, "module UDP port")
		channels   = pflag.StringP("channels", "c", "", "comma-separated channel indices to drain (default: all 16)")
		outPrefix  = pflag.StringP("out-prefix", "o", "run", "output file prefix, files written as <prefix><NN>.dat")
		configFile = pflag.StringP("config", "f", "", "optional YAML configuration file applied before readout starts")
		help       = pflag.BoolP("help", "h", false, "display help text")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: readout <host> [port] [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help || pflag.NArg() < 1 {
		pflag.Usage()
		os.Exit(1)
	}
	host := pflag.Arg(0)
	if pflag.NArg() >= 2 {
		p, err := strconv.Atoi(pflag.Arg(1))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid port %q\n", pflag.Arg(1))
			os.Exit(1)
		}
		*port = p
	}

	chans, err := parseChannels(*channels)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	tr, err := transport.Dial(host, *port)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer tr.Close()

	if err := tr.Acquire(linkArbitrationReg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer tr.Release(linkArbitrationReg)

	svc := regsvc.New(tr)
	module := device.NewModule(svc)

	if *configFile != "" {
		doc, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := config.Apply(doc, module); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	ctrl := readout.New(svc, tr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Arm(0); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	runCycles(ctx, ctrl, chans, *outPrefix)
}

// runCycles toggles banks and drains the requested channels every
// cycle, logging and continuing on any non-cancellation error, per
// the readout loop's "log and continue with next cycle" posture.
func runCycles(ctx context.Context, ctrl *readout.Controller, chans []int, prefix string) {
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			if err := ctrl.Disarm(); err != nil {
				log.Warn("disarm on shutdown failed", "err", err)
			}
			return
		default:
		}

		if err := ctrl.Toggle(); err != nil {
			log.Warn("toggle failed", "err", err)
			time.Sleep(time.Second)
			continue
		}

		for _, chanIdx := range chans {
			drainOne(ctx, ctrl, chanIdx, prefix)
		}
	}
}

func drainOne(ctx context.Context, ctrl *readout.Controller, chanIdx int, prefix string) {
	path := readout.ChannelFileName(prefix, chanIdx)
	sink, err := readout.NewFileSink(path)
	if err != nil {
		log.Warn("open sink failed", "chan", chanIdx, "err", err)
		return
	}
	defer sink.Close()

	if err := ctrl.Drain(ctx, chanIdx, sink); err != nil {
		log.Warn("drain failed", "chan", chanIdx, "err", err)
		return
	}
	log.Debug("drained channel", "chan", chanIdx, "bytes", sink.Index())
}

func parseChannels(spec string) ([]int, error) {
	if spec == "" {
		all := make([]int, 16)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	var out []int
	for _, p := range strings.Split(spec, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n >= 16 {
			return nil, fmt.Errorf("invalid channel %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}
