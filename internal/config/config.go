// Package config builds the substrate's explicit, validated configuration
// structs from the environment: one struct per binary, read once at
// startup and passed down, never re-read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Daemon is the configuration for cmd/substrated.
type Daemon struct {
	ListenAddr string

	S3BucketName      string
	S3WorkspacePrefix string
	S3Region          string

	ContainerBackend string // "docker" | "kubernetes"
	ContainerBase    string // host bind-mount base, e.g. /var/lib/substrate/workspaces
	SocketDir        string // per-container proxy socket directory
	SandboxImage     string
	SandboxUID       int // mapped UID owning the proxy socket
	KubeNamespace    string
	AgentCommand     string // agent entrypoint inside the sandbox, space-separated
	BasePrompt       string

	UsernsRemapEnabled  bool
	AppArmorProfileName string
	SeccompProfilePath  string

	PoolSize       int
	IdleTTL        time.Duration
	ExecutionTTL   time.Duration
	HeartbeatEvery time.Duration
	HeartbeatMiss  int

	WhitelistPath   string
	WorkspaceDBPath string

	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Worker is the configuration for cmd/substrate-worker.
type Worker struct {
	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string
	SubstrateURL      string
	ReapInterval      time.Duration
}

// Load builds a Daemon config from the environment, failing fast on
// unparseable values: malformed known keys must not silently fall back
// to defaults.
func Load() (Daemon, error) {
	d := Daemon{
		ListenAddr:          env("SUBSTRATE_LISTEN_ADDR", ":8080"),
		S3BucketName:        env("S3_BUCKET_NAME", ""),
		S3WorkspacePrefix:   env("S3_WORKSPACE_PREFIX", "workspaces"),
		S3Region:            env("AWS_REGION", "us-east-1"),
		ContainerBackend:    env("SUBSTRATE_CONTAINER_BACKEND", "docker"),
		ContainerBase:       env("SUBSTRATE_WORKSPACE_BASE", "/var/lib/substrate/workspaces"),
		SocketDir:           env("SUBSTRATE_PROXY_SOCKET_DIR", "/var/run/substrate/proxy"),
		SandboxImage:        env("SUBSTRATE_SANDBOX_IMAGE", "silexa/substrate-sandbox:latest"),
		KubeNamespace:       env("SUBSTRATE_KUBE_NAMESPACE", "substrate"),
		AgentCommand:        env("SUBSTRATE_AGENT_COMMAND", "/usr/local/bin/substrate-agent --output stream-json"),
		BasePrompt:          env("SUBSTRATE_BASE_PROMPT", ""),
		AppArmorProfileName: env("APPARMOR_PROFILE_NAME", ""),
		SeccompProfilePath:  env("SUBSTRATE_SECCOMP_PROFILE", ""),
		WhitelistPath:       env("SUBSTRATE_WHITELIST_PATH", "whitelist.yaml"),
		WorkspaceDBPath:     env("SUBSTRATE_WORKSPACE_DB", "/var/lib/substrate/workspace.db"),
		TemporalAddress:     env("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace:   env("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue:   env("TEMPORAL_TASK_QUEUE", "substrate-poolkeeper"),
	}

	var err error
	if d.UsernsRemapEnabled, err = envBool("USERNS_REMAP_ENABLED", false); err != nil {
		return Daemon{}, err
	}
	if d.PoolSize, err = envInt("SUBSTRATE_POOL_SIZE", 4); err != nil {
		return Daemon{}, err
	}
	if d.IdleTTL, err = envDuration("SUBSTRATE_IDLE_TTL", 300*time.Second); err != nil {
		return Daemon{}, err
	}
	if d.ExecutionTTL, err = envDuration("SUBSTRATE_EXECUTION_TTL", 300*time.Second); err != nil {
		return Daemon{}, err
	}
	if d.HeartbeatEvery, err = envDuration("SUBSTRATE_HEARTBEAT_INTERVAL", 10*time.Second); err != nil {
		return Daemon{}, err
	}
	if d.HeartbeatMiss, err = envInt("SUBSTRATE_HEARTBEAT_MISS_LIMIT", 3); err != nil {
		return Daemon{}, err
	}
	if d.SandboxUID, err = envInt("SUBSTRATE_SANDBOX_UID", 100000); err != nil {
		return Daemon{}, err
	}

	if d.S3BucketName == "" {
		return Daemon{}, fmt.Errorf("config: S3_BUCKET_NAME is required")
	}
	if d.ContainerBackend != "docker" && d.ContainerBackend != "kubernetes" {
		return Daemon{}, fmt.Errorf("config: SUBSTRATE_CONTAINER_BACKEND must be docker or kubernetes, got %q", d.ContainerBackend)
	}
	if d.ExecutionTTL < 300*time.Second || d.ExecutionTTL > 600*time.Second {
		return Daemon{}, fmt.Errorf("config: SUBSTRATE_EXECUTION_TTL must be within 300-600s, got %s", d.ExecutionTTL)
	}
	return d, nil
}

// LoadWorker builds a Worker config from the environment.
func LoadWorker() (Worker, error) {
	w := Worker{
		TemporalAddress:   env("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace: env("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: env("TEMPORAL_TASK_QUEUE", "substrate-poolkeeper"),
		SubstrateURL:      env("SUBSTRATE_URL", "http://localhost:8080"),
	}
	var err error
	if w.ReapInterval, err = envDuration("SUBSTRATE_REAP_INTERVAL", time.Minute); err != nil {
		return Worker{}, err
	}
	return w, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("config: %s must be a bool: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration: %w", key, err)
	}
	return dur, nil
}
