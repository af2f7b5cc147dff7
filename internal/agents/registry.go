package agents

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/amtsauskunft/orchestrator/internal/metrics"
	"github.com/amtsauskunft/orchestrator/internal/models"
)

// Input is what a dispatched agent receives.
type Input struct {
	Query   models.Query
	Intent  models.Intent
	Sources []models.Source
}

// Agent is the collaborator contract. Implementations live outside the
// core; the core only dispatches and collects. Agents are stateless and
// hold no back-reference to the registry.
type Agent interface {
	Execute(ctx context.Context, in Input) (models.AgentResult, error)
	Describe() models.AgentDescriptor
}

// Factory produces agent instances. The registry holds descriptors and
// factories, not live objects.
type Factory func() Agent

// Handle is a scoped acquisition of one agent's concurrency slot.
// Release must be called on every code path.
type Handle struct {
	AgentID string
	Agent   Agent

	releaseOnce sync.Once
	release     func()
}

// Release frees the concurrency slot. Safe to call more than once.
func (h *Handle) Release() {
	h.releaseOnce.Do(h.release)
}

type entry struct {
	descriptor models.AgentDescriptor
	factory    Factory
	sem        *semaphore.Weighted
	order      int
}

// Registry is the process-wide agent directory, keyed by agent_id and by
// capability. It is one of the two pieces of mutable shared state in the
// core (the other is the progress bus).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextOrd int
	logger  *zap.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{entries: make(map[string]*entry), logger: logger}
}

// Register adds or silently replaces a descriptor. Replacement keeps the
// original registration order so by_capability stays stable.
func (r *Registry) Register(desc models.AgentDescriptor, factory Factory) {
	if desc.ConcurrencyCap <= 0 {
		desc.ConcurrencyCap = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[desc.AgentID]; ok {
		r.logger.Info("Replacing registered agent",
			zap.String("agent_id", desc.AgentID))
		r.entries[desc.AgentID] = &entry{
			descriptor: desc,
			factory:    factory,
			sem:        semaphore.NewWeighted(int64(desc.ConcurrencyCap)),
			order:      prev.order,
		}
		return
	}
	r.entries[desc.AgentID] = &entry{
		descriptor: desc,
		factory:    factory,
		sem:        semaphore.NewWeighted(int64(desc.ConcurrencyCap)),
		order:      r.nextOrd,
	}
	r.nextOrd++
	r.logger.Info("Registered agent",
		zap.String("agent_id", desc.AgentID),
		zap.String("domain", string(desc.Domain)),
		zap.Int("concurrency_cap", desc.ConcurrencyCap))
}

// Describe returns the descriptor for an agent id.
func (r *Registry) Describe(agentID string) (models.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentID]
	if !ok {
		return models.AgentDescriptor{}, false
	}
	return e.descriptor, true
}

// ByCapability returns agent ids with the capability, in registration
// order.
func (r *Registry) ByCapability(cap string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectIDs(func(e *entry) bool {
		for _, c := range e.descriptor.Capabilities {
			if c == cap {
				return true
			}
		}
		return false
	})
}

// ByDomain returns agent ids for the domain, in registration order.
func (r *Registry) ByDomain(domain models.Domain) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectIDs(func(e *entry) bool {
		return e.descriptor.Domain == domain
	})
}

// All returns every agent id in registration order.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selectIDs(func(*entry) bool { return true })
}

// selectIDs must be called with the read lock held.
func (r *Registry) selectIDs(pred func(*entry) bool) []string {
	type ordered struct {
		id    string
		order int
	}
	var hits []ordered
	for id, e := range r.entries {
		if pred(e) {
			hits = append(hits, ordered{id, e.order})
		}
	}
	// Insertion sort: the registry is small and this keeps registration
	// order without importing sort for a struct slice.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].order < hits[j-1].order; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}

// Acquire blocks cooperatively until a slot for the agent is free, the
// context is cancelled, or the deadline expires (ErrBusy).
func (r *Registry) Acquire(ctx context.Context, agentID string, deadline time.Duration) (*Handle, error) {
	r.mu.RLock()
	e, ok := r.entries[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %q not registered", agentID)
	}

	acqCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		acqCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	start := time.Now()
	if err := e.sem.Acquire(acqCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.ErrBusy
	}
	metrics.RegistryAcquireWait.Observe(time.Since(start).Seconds())

	return &Handle{
		AgentID: agentID,
		Agent:   e.factory(),
		release: func() { e.sem.Release(1) },
	}, nil
}

// LoadDescriptorFile seeds the registry from a YAML document. Agents from
// the file get the provided default factory (typically an LLM-backed
// generic executor) unless a factory is already registered for the id.
func (r *Registry) LoadDescriptorFile(path string, defaultFactory func(models.AgentDescriptor) Factory) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	var doc struct {
		Agents []models.AgentDescriptor `yaml:"agents"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse registry file: %w", err)
	}
	for _, desc := range doc.Agents {
		factory := defaultFactory(desc)
		r.mu.RLock()
		if e, ok := r.entries[desc.AgentID]; ok && e.factory != nil {
			factory = e.factory
		}
		r.mu.RUnlock()
		r.Register(desc, factory)
	}
	r.logger.Info("Seeded registry from file",
		zap.String("path", path), zap.Int("agents", len(doc.Agents)))
	return nil
}
