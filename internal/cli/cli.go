// Package cli holds the startup shared by the latencyprobe binaries.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/drblury/latencyprobe/internal/runtime/config"
	errspkg "github.com/drblury/latencyprobe/internal/runtime/errors"
	"github.com/drblury/latencyprobe/internal/runtime/logging"
	"github.com/drblury/latencyprobe/transport"
	_ "github.com/drblury/latencyprobe/transport/transports"
)

const defaultSamples = 15

// Flags are the command line parameters every binary accepts.
type Flags struct {
	Samples int
	// SamplesSet is true when -samples was given explicitly. Otherwise the
	// configured publish and subscribe counts apply.
	SamplesSet bool
	ConfigPath string
	// ListTransports prints the registered backends instead of running.
	ListTransports bool
}

// Parse reads args (without the program name) into Flags.
func Parse(name string, args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.IntVar(&f.Samples, "samples", defaultSamples, "number of samples to send or receive")
	fs.StringVar(&f.ConfigPath, "config", "latencyprobe.yaml", "path to the YAML configuration")
	fs.BoolVar(&f.ListTransports, "transports", false, "list the available transport backends and exit")
	if err := fs.Parse(args); err != nil {
		return Flags{}, errspkg.NewConfigValidationError(err)
	}
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == "samples" {
			f.SamplesSet = true
		}
	})
	if f.Samples <= 0 {
		return Flags{}, errspkg.NewConfigValidationError(fmt.Errorf("-samples must be positive, got %d", f.Samples))
	}
	return f, nil
}

// Setup loads the configuration and builds the logger it asks for. An
// explicit -samples flag overrides the configured counts.
func Setup(f Flags) (*config.Config, logging.ServiceLogger, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, nil, errspkg.NewConfigValidationError(err)
	}
	if f.SamplesSet {
		cfg.Publish.Samples = f.Samples
		cfg.Subscribe.Samples = f.Samples
	}
	log := logging.New(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	return cfg, log, nil
}

// PrintTransports writes one line per registered backend.
func PrintTransports(w io.Writer) error {
	for _, c := range transport.DefaultRegistry.List() {
		limit := "unlimited"
		if c.MaxMessageSize > 0 {
			limit = strconv.FormatInt(c.MaxMessageSize, 10)
		}
		if _, err := fmt.Fprintf(w, "%-16s max_message=%-10s in_process=%-5t ordered=%-5t broadcast=%t\n",
			c.Name, limit, c.InProcess, c.SupportsOrdering, c.Broadcast); err != nil {
			return err
		}
	}
	return nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Exit codes.
const (
	ExitFailure = 1
	ExitConfig  = 2
)

// ExitCode maps err to the process exit status. Asking for -h is not a failure.
func ExitCode(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if errspkg.IsConfigError(err) {
		return ExitConfig
	}
	return ExitFailure
}

// Exit reports err on stderr and terminates the process.
func Exit(err error) {
	code := ExitCode(err)
	if code != 0 {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}
