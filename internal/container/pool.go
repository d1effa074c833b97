package container

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"silexa/substrate/internal/errs"
	"silexa/substrate/internal/metrics"
)

// Runtime is the backend-specific half of the orchestrator: it knows how
// to actually create, start, probe, and destroy a sandbox. Pool owns
// everything backend-agnostic: the descriptor table, the warm pool, TTL
// reap, and the acquire/release/recover state machine.
type Runtime interface {
	// Name identifies the backend for metrics labels ("docker"|"kubernetes").
	Name() string
	// Create starts a fresh sandbox under the orchestrator-assigned
	// containerID, bound to host/socket paths. The id is assigned before
	// creation so the proxy socket can be pre-bound.
	Create(ctx context.Context, conv, containerID, hostPath, socketPath string, policy Policy) error
	// Healthy reports whether the sandbox is still alive and responsive.
	Healthy(ctx context.Context, containerID string) bool
	// Destroy tears a sandbox down unconditionally.
	Destroy(ctx context.Context, containerID string) error
}

// Pool is the orchestrator's descriptor table: at most one non-terminal
// descriptor per conversation, a warm sub-pool for reuse, and the
// acquire/release/recover state machine. Concurrent acquires for one
// conversation are serialized by the conversation lock registry; Pool's
// own mutex guards the table itself.
type Pool struct {
	mu sync.Mutex

	rt       Runtime
	capacity int
	idleTTL  time.Duration
	baseDir  string
	sockDir  string
	policy   Policy

	descriptors map[string]*Descriptor // conversation_id -> in-use descriptor
	warm        []*Descriptor          // idle, healthy descriptors awaiting reuse
	reapedLast  int

	preStart  func(containerID, socketPath string) error
	onDestroy func(containerID, socketPath string)

	log zerolog.Logger
}

// OnPreStart registers a hook invoked after the sandbox directories exist
// and before the container starts; the proxy server binds the container's
// socket here so it exists before the container's first egress attempt.
func (p *Pool) OnPreStart(fn func(containerID, socketPath string) error) { p.preStart = fn }

// OnDestroy registers a hook invoked whenever a container is destroyed,
// on any path (release, reap, recover); the proxy server unbinds the
// container's socket here.
func (p *Pool) OnDestroy(fn func(containerID, socketPath string)) { p.onDestroy = fn }

func NewPool(rt Runtime, capacity int, idleTTL time.Duration, baseDir, sockDir string, policy Policy, log zerolog.Logger) *Pool {
	return &Pool{
		rt:          rt,
		capacity:    capacity,
		idleTTL:     idleTTL,
		baseDir:     baseDir,
		sockDir:     sockDir,
		policy:      policy,
		descriptors: make(map[string]*Descriptor),
		log:         log.With().Str("subsystem", "container_pool").Logger(),
	}
}

// Acquire returns a descriptor for (tenant, conv), preferring a warm entry
// bound to this conversation, else creating one. The bind path is
// ${base}/${tenant}/${conv}; the proxy socket is ${sockdir}/${id}.sock.
// Invariant: at most one descriptor per conversation_id in a non-terminal
// state.
func (p *Pool) Acquire(ctx context.Context, tenant, conv string) (*Descriptor, error) {
	p.mu.Lock()
	if d, ok := p.descriptors[conv]; ok && d.State != StateDead {
		d.State = StateRunning
		d.LastActivityAt = time.Now()
		p.mu.Unlock()
		return d, nil
	}
	for i, d := range p.warm {
		if d.ConversationID == conv {
			p.warm = append(p.warm[:i], p.warm[i+1:]...)
			d.State = StateRunning
			d.LastActivityAt = time.Now()
			d.RunCount++
			p.descriptors[conv] = d
			p.mu.Unlock()
			metrics.PoolWarm.WithLabelValues(p.rt.Name()).Dec()
			metrics.PoolAllocated.WithLabelValues(p.rt.Name()).Inc()
			return d, nil
		}
	}
	p.mu.Unlock()

	hostPath := filepath.Join(p.baseDir, tenant, conv)
	containerID := uuid.NewString()
	sockPath := filepath.Join(p.sockDir, fmt.Sprintf("%s.sock", containerID))

	if err := EnsureSandboxDirs(hostPath, sockPath); err != nil {
		return nil, errs.Infra("prepare sandbox directories", err)
	}
	if p.preStart != nil {
		if err := p.preStart(containerID, sockPath); err != nil {
			return nil, errs.Infra("pre-bind proxy socket", err)
		}
	}

	if err := p.rt.Create(ctx, conv, containerID, hostPath, sockPath, p.policy); err != nil {
		if p.onDestroy != nil {
			p.onDestroy(containerID, sockPath)
		}
		return nil, errs.Infra("create sandbox container", err)
	}

	d := &Descriptor{
		ContainerID:       containerID,
		ConversationID:    conv,
		ProxySocketPath:   sockPath,
		WorkspaceHostPath: hostPath,
		CreatedAt:         time.Now(),
		State:             StateAllocated,
		LastActivityAt:    time.Now(),
	}

	p.mu.Lock()
	if existing, ok := p.descriptors[conv]; ok && existing.State != StateDead {
		p.mu.Unlock()
		p.destroy(ctx, d)
		return existing, nil
	}
	d.State = StateRunning
	d.RunCount++
	p.descriptors[conv] = d
	p.mu.Unlock()

	metrics.PoolAllocated.WithLabelValues(p.rt.Name()).Inc()
	p.log.Info().Str("conversation_id", conv).Str("container_id", containerID).Msg("sandbox allocated")
	return d, nil
}

// destroy tears down the backend container and fires the destroy hook.
func (p *Pool) destroy(ctx context.Context, d *Descriptor) {
	if err := p.rt.Destroy(ctx, d.ContainerID); err != nil {
		p.log.Warn().Err(err).Str("container_id", d.ContainerID).Msg("destroy failed")
	}
	d.State = StateDead
	if p.onDestroy != nil {
		p.onDestroy(d.ContainerID, d.ProxySocketPath)
	}
}

// Release marks a descriptor idle or dead per outcome, returning it to
// the warm pool when healthy and under capacity.
func (p *Pool) Release(ctx context.Context, d *Descriptor, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.descriptors, d.ConversationID)

	if !outcome.Healthy || outcome.Crashed {
		p.destroy(ctx, d)
		metrics.PoolAllocated.WithLabelValues(p.rt.Name()).Dec()
		return
	}

	if len(p.warm) < p.capacity {
		d.State = StateAllocated
		d.LastActivityAt = time.Now()
		p.warm = append(p.warm, d)
		metrics.PoolAllocated.WithLabelValues(p.rt.Name()).Dec()
		metrics.PoolWarm.WithLabelValues(p.rt.Name()).Inc()
		return
	}

	p.destroy(ctx, d)
	metrics.PoolAllocated.WithLabelValues(p.rt.Name()).Dec()
}

// Reap destroys containers idle past idleTTL or failing their health
// probe. Intended to be called periodically (directly, or driven by the
// poolkeeper Temporal workflow for durability across process restarts).
func (p *Pool) Reap(ctx context.Context) int {
	now := time.Now()

	p.mu.Lock()
	var staleWarm, staleLive []*Descriptor
	kept := p.warm[:0]
	for _, d := range p.warm {
		if now.Sub(d.LastActivityAt) >= p.idleTTL {
			d.State = StateDraining
			staleWarm = append(staleWarm, d)
			continue
		}
		kept = append(kept, d)
	}
	p.warm = kept
	live := make([]*Descriptor, 0, len(p.descriptors))
	for _, d := range p.descriptors {
		live = append(live, d)
	}
	p.mu.Unlock()

	for _, d := range live {
		if !p.rt.Healthy(ctx, d.ContainerID) {
			p.mu.Lock()
			if p.descriptors[d.ConversationID] == d {
				delete(p.descriptors, d.ConversationID)
				d.State = StateDraining
				staleLive = append(staleLive, d)
			}
			p.mu.Unlock()
		}
	}

	reap := func(d *Descriptor, reason string, warmGauge bool) {
		p.destroy(ctx, d)
		if warmGauge {
			metrics.PoolWarm.WithLabelValues(p.rt.Name()).Dec()
		} else {
			metrics.PoolAllocated.WithLabelValues(p.rt.Name()).Dec()
		}
		metrics.ReapedTotal.WithLabelValues(reason).Inc()
	}
	for _, d := range staleWarm {
		reap(d, "idle_ttl", true)
	}
	for _, d := range staleLive {
		reap(d, "health_probe_failed", false)
	}

	n := len(staleWarm) + len(staleLive)
	p.mu.Lock()
	p.reapedLast = n
	p.mu.Unlock()
	return n
}

// Recover destroys a dead container for conv and allocates a
// replacement. The pipeline re-syncs the workspace and emits
// container_recovered after this returns.
func (p *Pool) Recover(ctx context.Context, tenant, conv string, dead *Descriptor) (*Descriptor, error) {
	if dead != nil {
		p.destroy(ctx, dead)
	}
	p.mu.Lock()
	if _, ok := p.descriptors[conv]; ok {
		delete(p.descriptors, conv)
		metrics.PoolAllocated.WithLabelValues(p.rt.Name()).Dec()
	}
	p.mu.Unlock()
	return p.Acquire(ctx, tenant, conv)
}

// Health reports current pool occupancy.
func (p *Pool) Health() HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return HealthStatus{
		Backend:          p.rt.Name(),
		Allocated:        len(p.descriptors),
		Warm:             len(p.warm),
		Capacity:         p.capacity,
		ReapedLastPeriod: p.reapedLast,
	}
}

// Descriptors returns a point-in-time copy of the in-use table plus warm
// entries, serving the operator surfaces (substratectl containers list).
func (p *Pool) Descriptors() []Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Descriptor, 0, len(p.descriptors)+len(p.warm))
	for _, d := range p.descriptors {
		out = append(out, *d)
	}
	for _, d := range p.warm {
		out = append(out, *d)
	}
	return out
}
