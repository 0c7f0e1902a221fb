package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/sieve/internal/broker/redisbroker"
	"github.com/seantiz/sieve/internal/engine"
	"github.com/seantiz/sieve/internal/fanout"
	"github.com/seantiz/sieve/internal/worker"
)

func workerAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	if cfg.EngineBin == "" {
		return fmt.Errorf("engine binary is required (SIEVE_ENGINE_BIN or --engine-bin)")
	}

	id := instanceID(cfg.WorkerID)
	a.logger.Info("sieve worker: starting",
		"worker_id", id,
		"engine_mode", cfg.EngineMode,
		"engine_bin", cfg.EngineBin,
		"data_dir", cfg.DataDir,
	)

	b, err := openBroker(ctx, a, id, redisbroker.WithClaimIdle(cfg.ClaimIdle))
	if err != nil {
		return err
	}
	defer b.Close()

	jobs, err := openStore(a, b)
	if err != nil {
		return err
	}
	defer jobs.Close()

	runner, err := engine.New(engine.Config{
		Mode:           cfg.EngineMode,
		Bin:            cfg.EngineBin,
		Args:           cfg.EngineArgs,
		DataDir:        cfg.DataDir,
		Framing:        cfg.EngineFraming,
		KillGrace:      cfg.EngineKillGrace,
		RestartBackoff: cfg.EngineRestartBackoff,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer runner.Close()

	f := fanout.New(b,
		fanout.WithRetention(cfg.CancelRetention),
		fanout.WithPruneInterval(cfg.CancelPruneInterval),
		fanout.WithLogger(a.logger),
	)
	w := worker.New(b, f, runner, jobs, a.logger, worker.Config{
		PollInterval:  cfg.CancelPollInterval,
		TouchInterval: cfg.TouchInterval(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Run(gctx) })
	g.Go(func() error {
		// Take no task before cancellations can be heard.
		select {
		case <-f.Ready():
		case <-gctx.Done():
			return nil
		}
		return w.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, a.logger) })
	}
	return g.Wait()
}
