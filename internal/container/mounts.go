package container

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureSandboxDirs creates the host bind-mount directory and the parent
// of the per-container proxy socket.
func EnsureSandboxDirs(hostPath, socketPath string) error {
	if err := os.MkdirAll(hostPath, 0o750); err != nil {
		return fmt.Errorf("create workspace host path %s: %w", hostPath, err)
	}
	sockDir := filepath.Dir(socketPath)
	if err := os.MkdirAll(sockDir, 0o700); err != nil {
		return fmt.Errorf("create proxy socket dir %s: %w", sockDir, err)
	}
	return nil
}

// RestrictSocketToUID narrows a freshly-created proxy socket's
// permissions to the container's mapped UID ("filesystem
// permissions restricting access to the container's mapped UID").
func RestrictSocketToUID(socketPath string, uid int) error {
	if err := os.Chown(socketPath, uid, -1); err != nil {
		return fmt.Errorf("restrict socket %s to uid %d: %w", socketPath, uid, err)
	}
	return os.Chmod(socketPath, 0o600)
}
