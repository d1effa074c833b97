package agentexec

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"silexa/substrate/internal/container"
	"silexa/substrate/internal/run"
	"silexa/substrate/internal/tooling"
)

// DockerAgent is the run.Agent backed by docker exec into the sandbox.
type DockerAgent struct {
	api        *client.Client
	entrypoint []string
	relay      relay
}

func NewDocker(api *client.Client, entrypoint []string, tools *tooling.Registry, log zerolog.Logger) *DockerAgent {
	l := log.With().Str("subsystem", "agent_exec").Str("transport", "docker").Logger()
	return &DockerAgent{
		api:        api,
		entrypoint: entrypoint,
		relay:      relay{tools: tools, log: l},
	}
}

// Stream starts the agent entrypoint in req's sandbox and returns the
// translated event channel. The channel closes when the exec ends; a
// stream that ends without a result or error event signals a crash to
// the pipeline.
func (a *DockerAgent) Stream(ctx context.Context, req run.Request) (<-chan run.Event, error) {
	execResp, err := a.api.ContainerExecCreate(ctx, container.SandboxName(req.ContainerID), types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  true,
		WorkingDir:   req.WorkspacePath,
		Env: []string{
			"SUBSTRATE_PROXY_SOCKET=/var/run/substrate/proxy.sock",
			"SUBSTRATE_RUN_ID=" + req.RunID,
		},
		Cmd: a.entrypoint,
	})
	if err != nil {
		return nil, fmt.Errorf("agent exec create: %w", err)
	}
	attach, err := a.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("agent exec attach: %w", err)
	}

	events := make(chan run.Event, 64)
	go func() {
		defer close(events)
		defer attach.Close()

		pr, pw := io.Pipe()
		var stderr bytes.Buffer
		go func() {
			_, copyErr := stdcopy.StdCopy(pw, &stderr, attach.Reader)
			pw.CloseWithError(copyErr)
		}()
		a.relay.run(ctx, req, attach.Conn, pr, &stderr, events)
	}()
	return events, nil
}
