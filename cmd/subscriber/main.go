package main

import (
	"os"

	"github.com/drblury/latencyprobe/internal/cli"
	"github.com/drblury/latencyprobe/internal/runtime"
	"github.com/drblury/latencyprobe/internal/runtime/logging"
)

func main() {
	flags, err := cli.Parse("subscriber", os.Args[1:])
	if err != nil {
		cli.Exit(err)
	}
	if flags.ListTransports {
		if err := cli.PrintTransports(os.Stdout); err != nil {
			cli.Exit(err)
		}
		return
	}
	cfg, log, err := cli.Setup(flags)
	if err != nil {
		cli.Exit(err)
	}

	ctx, stop := cli.SignalContext()
	defer stop()

	svc, err := runtime.NewService(cfg, log, runtime.ServiceDependencies{})
	if err != nil {
		cli.Exit(err)
	}
	summary, runErr := svc.RunSubscriber(ctx, cfg.Subscribe.Samples)
	if err := svc.Close(); err != nil {
		log.Error("Failed to close service", err, nil)
	}
	if runErr != nil {
		cli.Exit(runErr)
	}
	if summary.Count < cfg.Subscribe.Samples {
		log.Warn("Stopped before every sample arrived", logging.LogFields{
			"received": summary.Count,
			"expected": cfg.Subscribe.Samples,
		})
	}
}
