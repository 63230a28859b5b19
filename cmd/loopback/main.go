// Command loopback runs the publisher and the subscriber in one process,
// which the in-process shm backend requires.
package main

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/latencyprobe/internal/cli"
	"github.com/drblury/latencyprobe/internal/runtime"
)

func main() {
	flags, err := cli.Parse("loopback", os.Args[1:])
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
	runErr := run(ctx, svc, cfg.Publish.Samples, cfg.Subscribe.Samples)
	if err := svc.Close(); err != nil {
		log.Error("Failed to close service", err, nil)
	}
	if runErr != nil {
		cli.Exit(runErr)
	}
}

// run stops the subscriber when the publisher fails, and the other way round.
func run(ctx context.Context, svc *runtime.Service, publish, subscribe int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := svc.RunSubscriber(gctx, subscribe)
		return err
	})
	g.Go(func() error {
		return svc.RunPublisher(gctx, publish)
	})
	return g.Wait()
}
