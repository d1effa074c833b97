// Command substrate-worker hosts the poolkeeper Temporal workflow and
// its activities.
package main

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"silexa/substrate/internal/config"
	"silexa/substrate/internal/obslog"
	"silexa/substrate/internal/poolkeeper"
)

func main() {
	logger := obslog.New("substrate-worker")

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration")
	}

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("temporal client")
	}
	defer c.Close()

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(poolkeeper.PoolkeeperWorkflow)
	w.RegisterActivity(poolkeeper.NewActivities(cfg.SubstrateURL))

	logger.Info().Str("task_queue", cfg.TemporalTaskQueue).Str("substrate_url", cfg.SubstrateURL).Msg("worker started")
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Fatal().Err(err).Msg("worker error")
	}
}
