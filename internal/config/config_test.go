package config

import (
	"testing"
	"time"
)

func TestLoadRequiresBucket(t *testing.T) {
	t.Setenv("S3_BUCKET_NAME", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing bucket to fail fast")
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("S3_BUCKET_NAME", "bucket")
	t.Setenv("SUBSTRATE_POOL_SIZE", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatalf("expected malformed pool size to fail fast instead of defaulting")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("S3_BUCKET_NAME", "bucket")
	t.Setenv("SUBSTRATE_CONTAINER_BACKEND", "podman")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown backend to be rejected")
	}
}

func TestExecutionTTLBounds(t *testing.T) {
	t.Setenv("S3_BUCKET_NAME", "bucket")
	t.Setenv("SUBSTRATE_EXECUTION_TTL", "60s")
	if _, err := Load(); err == nil {
		t.Fatalf("expected out-of-range execution TTL to be rejected")
	}
	t.Setenv("SUBSTRATE_EXECUTION_TTL", "450s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected in-range TTL to load: %v", err)
	}
	if cfg.ExecutionTTL != 450*time.Second {
		t.Fatalf("unexpected TTL %s", cfg.ExecutionTTL)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("S3_BUCKET_NAME", "bucket")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IdleTTL != 300*time.Second {
		t.Fatalf("expected 300s idle TTL default, got %s", cfg.IdleTTL)
	}
	if cfg.HeartbeatEvery != 10*time.Second || cfg.HeartbeatMiss != 3 {
		t.Fatalf("unexpected heartbeat defaults: %s / %d", cfg.HeartbeatEvery, cfg.HeartbeatMiss)
	}
	if cfg.ContainerBackend != "docker" {
		t.Fatalf("unexpected backend default %q", cfg.ContainerBackend)
	}
}
