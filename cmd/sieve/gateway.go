package main

import (
	"context"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/sieve/internal/api"
	"github.com/seantiz/sieve/internal/dispatch"
	"github.com/seantiz/sieve/internal/fanout"
)

func gatewayAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	id := instanceID("")
	a.logger.Info("sieve gateway: starting",
		"listen_addr", cfg.ListenAddr,
		"job_store", cfg.JobStore,
		"instance_id", id,
	)

	b, err := openBroker(ctx, a, id)
	if err != nil {
		return err
	}
	defer b.Close()

	jobs, err := openStore(a, b)
	if err != nil {
		return err
	}
	defer jobs.Close()

	f := fanout.New(b,
		fanout.WithRetention(cfg.CancelRetention),
		fanout.WithPruneInterval(cfg.CancelPruneInterval),
		fanout.WithLogger(a.logger),
	)
	d := dispatch.New(b, f, jobs, a.logger, dispatch.Config{
		SyncTimeout:     cfg.SyncTimeout,
		MaxSyncTimeout:  cfg.MaxSyncTimeout,
		ExpirationGrace: cfg.ExpirationGrace,
	})
	srv := api.NewServer(cfg.ListenAddr, d, a.logger,
		api.HealthCheck{Name: "broker", Ping: b.Ping},
		api.HealthCheck{Name: "store", Ping: jobs.Ping},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Run(gctx) })
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error {
		// Requests are only accepted once replies can be received.
		select {
		case <-d.Ready():
		case <-gctx.Done():
			return nil
		}
		return srv.Run(gctx)
	})
	return g.Wait()
}
