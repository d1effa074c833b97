package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// DockerRuntime is the Docker-backed Runtime: one sandbox container per
// conversation, built from the isolation Policy.
type DockerRuntime struct {
	api   *client.Client
	image string
	log   zerolog.Logger
}

// NewDockerRuntime dials the local Docker daemon, trying the environment
// first and falling back to host auto-detection (Colima etc.).
func NewDockerRuntime(image string, log zerolog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client from env: %w", err)
	}
	if !pingClient(cli) {
		if host, ok := AutoDockerHost(); ok && host != "" {
			cli, err = client.NewClientWithOpts(
				client.WithHost(host),
				client.WithAPIVersionNegotiation(),
			)
			if err != nil {
				return nil, fmt.Errorf("docker client with host %s: %w", host, err)
			}
		}
	}
	return &DockerRuntime{api: cli, image: image, log: log.With().Str("backend", "docker").Logger()}, nil
}

func pingClient(cli *client.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err == nil
}

func (r *DockerRuntime) Name() string { return "docker" }

// Create starts a sandbox container for conv bound to hostPath and
// socketPath, with the isolation Policy fully applied to HostConfig and
// no passthrough escape hatch. The container is
// named after the orchestrator-assigned containerID so later probe and
// destroy calls address it without holding the daemon's own id.
func (r *DockerRuntime) Create(ctx context.Context, conv, containerID, hostPath, socketPath string, policy Policy) error {
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: hostPath, Target: "/workspace", ReadOnly: false},
		{Type: mount.TypeBind, Source: socketPath, Target: proxySocketTarget, ReadOnly: false},
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		CapDrop:     nil,
		Privileged:  false,
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:    policy.MemoryBytes,
			NanoCPUs:  int64(policy.CPUQuota * 1e9),
			PidsLimit: int64Ptr(policy.PidsLimit),
		},
		ReadonlyRootfs: policy.ReadonlyRootfs,
	}
	if policy.CapDropAll {
		hostCfg.CapDrop = []string{"ALL"}
	}
	if policy.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges")
	}
	if policy.SeccompProfile != "" {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "seccomp="+policy.SeccompProfile)
	}
	if policy.ApparmorProfile != "" {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "apparmor="+policy.ApparmorProfile)
	}
	if !policy.UsernsRemap {
		// Opt out of the daemon's userns-remap explicitly; when remap is
		// on, UsernsMode stays empty so container UID 0 maps to the
		// daemon-configured unprivileged host range.
		hostCfg.UsernsMode = "host"
	}
	if policy.TmpfsSizeBytes > 0 {
		hostCfg.Tmpfs = map[string]string{"/tmp": fmt.Sprintf("size=%d", policy.TmpfsSizeBytes)}
	}
	if policy.NetworkNone {
		hostCfg.NetworkMode = "none"
	}
	if policy.StorageSizeBytes > 0 {
		hostCfg.StorageOpt = map[string]string{"size": fmt.Sprintf("%d", policy.StorageSizeBytes)}
	}

	cfg := &container.Config{
		Image:        r.image,
		Labels:       map[string]string{"silexa.substrate.conversation_id": conv},
		Env:          []string{"SUBSTRATE_PROXY_SOCKET=" + proxySocketTarget},
		AttachStdout: true,
		AttachStderr: true,
	}

	name := sandboxName(containerID)
	resp, err := r.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	if err := r.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	r.log.Info().Str("conversation_id", conv).Str("container_id", containerID).Str("docker_id", resp.ID).Msg("docker sandbox started")
	return nil
}

// Healthy probes a sandbox via inspect; a missing or non-running
// container is reported unhealthy so the caller can recover().
func (r *DockerRuntime) Healthy(ctx context.Context, containerID string) bool {
	info, err := r.api.ContainerInspect(ctx, sandboxName(containerID))
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running && !info.State.OOMKilled
}

// Destroy force-removes a sandbox container unconditionally.
func (r *DockerRuntime) Destroy(ctx context.Context, containerID string) error {
	return r.api.ContainerRemove(ctx, sandboxName(containerID), container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// Logs returns the tail of a sandbox's combined output, used to diagnose
// a crash before the pipeline reports container_recovered.
func (r *DockerRuntime) Logs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error) {
	return r.api.ContainerLogs(ctx, sandboxName(containerID), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
}

// API exposes the underlying Docker client for collaborators that exec
// into sandboxes (the agent runner).
func (r *DockerRuntime) API() *client.Client { return r.api }

func sandboxName(containerID string) string {
	return fmt.Sprintf("substrate-sandbox-%s", containerID)
}

// SandboxName is the Docker container name for an orchestrator-assigned
// container id, shared with the exec-based agent runner.
func SandboxName(containerID string) string { return sandboxName(containerID) }

func int64Ptr(v int64) *int64 { return &v }
