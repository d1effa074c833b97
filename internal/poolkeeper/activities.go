package poolkeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// HealthReport mirrors the orchestrator's /internal/health payload.
type HealthReport struct {
	Backend          string `json:"Backend"`
	Allocated        int    `json:"Allocated"`
	Warm             int    `json:"Warm"`
	Capacity         int    `json:"Capacity"`
	ReapedLastPeriod int    `json:"ReapedLastPeriod"`
}

// Activities calls the substrate daemon's internal endpoints. The worker
// process stays stateless: the pool lives in the daemon, and these
// activities are thin HTTP clients against it.
type Activities struct {
	substrateURL string
	client       *http.Client
}

func NewActivities(substrateURL string) *Activities {
	return &Activities{
		substrateURL: strings.TrimRight(substrateURL, "/"),
		client:       &http.Client{Timeout: 25 * time.Second},
	}
}

// ReapContainers triggers one reap pass and returns the destroy count.
func (a *Activities) ReapContainers(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.substrateURL+"/internal/reap", nil)
	if err != nil {
		return 0, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("reap returned %s", resp.Status)
	}
	var payload struct {
		Reaped int `json:"reaped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	return payload.Reaped, nil
}

// ProbeOrchestratorHealth fetches pool occupancy.
func (a *Activities) ProbeOrchestratorHealth(ctx context.Context) (HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.substrateURL+"/internal/health", nil)
	if err != nil {
		return HealthReport{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return HealthReport{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HealthReport{}, fmt.Errorf("health returned %s", resp.Status)
	}
	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return HealthReport{}, err
	}
	return report, nil
}

// Start launches the singleton poolkeeper workflow, terminating any run
// already in progress under WorkflowID. The terminate-if-running reuse
// policy keeps exactly one keeper per deployment even across daemon
// redeploys.
func Start(ctx context.Context, c client.Client, taskQueue string, p Params) error {
	_, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    WorkflowID,
		TaskQueue:             taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_TERMINATE_IF_RUNNING,
	}, PoolkeeperWorkflow, p)
	return err
}
