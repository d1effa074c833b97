// Package container implements the Container Orchestrator: allocation,
// pooling, TTL-based GC, and crash recovery for per-conversation sandbox
// containers, under the layered isolation policy.
//
// Two backends satisfy the same Runtime interface: a Docker backend
// (docker.go) and a Kubernetes backend (kube.go).
package container

import "time"

// State is a container descriptor's lifecycle state.
type State string

const (
	StateAllocated State = "allocated"
	StateRunning   State = "running"
	StateDraining  State = "draining"
	StateDead      State = "dead"
)

// Policy is the enumerated isolation configuration from the component
// design table; there is no passthrough "extra opts" escape hatch. The
// Docker backend maps every field. The Kubernetes backend maps
// NetworkNone, ReadonlyRootfs, MemoryBytes, CPUQuota, CapDropAll and
// NoNewPrivileges; it does not apply the tmpfs and storage sizes,
// PidsLimit, the seccomp and AppArmor profiles, or UsernsRemap.
type Policy struct {
	NetworkNone      bool
	ReadonlyRootfs   bool
	TmpfsSizeBytes   int64
	StorageSizeBytes int64

	MemoryBytes int64
	CPUQuota    float64 // fractional cores
	PidsLimit   int64

	CapDropAll      bool
	NoNewPrivileges bool
	SeccompProfile  string
	ApparmorProfile string

	UsernsRemap bool
}

// DefaultPolicy is the stock isolation profile.
func DefaultPolicy() Policy {
	return Policy{
		NetworkNone:      true,
		ReadonlyRootfs:   true,
		TmpfsSizeBytes:   512 * 1024 * 1024,
		StorageSizeBytes: 1024 * 1024 * 1024,
		MemoryBytes:      2 * 1024 * 1024 * 1024,
		CPUQuota:         2,
		PidsLimit:        256,
		CapDropAll:       true,
		NoNewPrivileges:  true,
	}
}

// Descriptor is the orchestrator's record of one sandbox container.
type Descriptor struct {
	// Immutable.
	ContainerID       string
	ConversationID    string
	ProxySocketPath   string
	WorkspaceHostPath string
	CreatedAt         time.Time

	// Mutable, owned exclusively by the orchestrator.
	State          State
	LastActivityAt time.Time
	RunCount       int
}

// Outcome is the result a run reports back to release(), deciding whether
// the container returns to the warm pool or is destroyed.
type Outcome struct {
	Healthy bool
	Crashed bool
}

// HealthStatus summarizes orchestrator occupancy.
type HealthStatus struct {
	Backend          string
	Allocated        int
	Warm             int
	Capacity         int
	ReapedLastPeriod int
}
