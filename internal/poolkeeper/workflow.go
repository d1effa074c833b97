// Package poolkeeper runs the orchestrator's periodic reap and health
// probe as a durable Temporal workflow, so TTL-based GC survives daemon
// restarts. Activities call the daemon over HTTP rather than holding
// the pool in-process, keeping the worker stateless.
package poolkeeper

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// TaskQueue is the default queue the worker and the daemon agree on.
	TaskQueue = "substrate-poolkeeper"
	// WorkflowID pins a single poolkeeper per deployment.
	WorkflowID = "substrate-poolkeeper"

	activityReapContainers = "ReapContainers"
	activityProbeHealth    = "ProbeOrchestratorHealth"

	defaultIterations = 120
)

// Params configures one workflow run segment.
type Params struct {
	Interval   time.Duration
	Iterations int
}

// PoolkeeperWorkflow reaps idle or unhealthy sandboxes every Interval,
// continuing as new after Iterations loops to keep history bounded.
func PoolkeeperWorkflow(ctx workflow.Context, p Params) error {
	logger := workflow.GetLogger(ctx)
	if p.Interval <= 0 {
		p.Interval = time.Minute
	}
	iterations := p.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}

	activityOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}

	for i := 0; i < iterations; i++ {
		var reaped int
		if err := workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, activityOpts), activityReapContainers).Get(ctx, &reaped); err != nil {
			logger.Warn("reap activity failed", "error", err)
		} else if reaped > 0 {
			logger.Info("reaped sandboxes", "count", reaped)
		}

		var health HealthReport
		if err := workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, activityOpts), activityProbeHealth).Get(ctx, &health); err != nil {
			logger.Warn("health probe failed", "error", err)
		} else if health.Allocated > health.Capacity {
			logger.Warn("orchestrator over capacity", "allocated", health.Allocated, "capacity", health.Capacity)
		}

		if err := workflow.Sleep(ctx, p.Interval); err != nil {
			return err
		}
	}
	return workflow.NewContinueAsNewError(ctx, PoolkeeperWorkflow, p)
}
