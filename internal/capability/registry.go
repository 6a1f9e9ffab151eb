// Package capability tracks which agents advertise which capabilities and
// resolves a capability name to the agents able to serve it.
package capability

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Registration is one agent's advertisement of one capability.
type Registration struct {
	AgentID      string    `json:"agent_id"`
	Capability   string    `json:"capability"`
	Score        float64   `json:"score"`
	Healthy      bool      `json:"healthy"`
	RegisteredAt time.Time `json:"registered_at"`

	seq uint64 // registration order, breaks score ties deterministically
}

// Registry is the shared capability table. Reads (Resolve) take a shared
// lock; writes are serialized.
type Registry struct {
	mu      sync.RWMutex
	byCap   map[string][]*Registration // capability → registrations
	byAgent map[string]map[string]*Registration
	healthy map[string]bool
	nextSeq uint64
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byCap:   make(map[string][]*Registration),
		byAgent: make(map[string]map[string]*Registration),
		healthy: make(map[string]bool),
		logger:  logger,
	}
}

// Register records (or re-announces) a capability for an agent. A
// re-announcement updates the score but keeps the original registration
// order, so tie-breaking stays stable across refreshes. Registering also
// marks the agent healthy again.
func (r *Registry) Register(agentID, capability string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.healthy[agentID] = true

	if existing, ok := r.byAgent[agentID][capability]; ok {
		existing.Score = score
		r.logger.Debug("capability re-announced", "agent", agentID, "capability", capability, "score", score)
		return
	}

	r.nextSeq++
	reg := &Registration{
		AgentID:      agentID,
		Capability:   capability,
		Score:        score,
		RegisteredAt: time.Now(),
		seq:          r.nextSeq,
	}
	r.byCap[capability] = append(r.byCap[capability], reg)
	if r.byAgent[agentID] == nil {
		r.byAgent[agentID] = make(map[string]*Registration)
	}
	r.byAgent[agentID][capability] = reg
	r.logger.Info("capability registered", "agent", agentID, "capability", capability, "score", score)
}

// Deregister removes one capability advertisement.
func (r *Registry) Deregister(agentID, capability string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byAgent[agentID][capability]
	if !ok {
		return fmt.Errorf("capability: agent %q has no registration for %q", agentID, capability)
	}
	delete(r.byAgent[agentID], capability)
	if len(r.byAgent[agentID]) == 0 {
		delete(r.byAgent, agentID)
		delete(r.healthy, agentID)
	}
	regs := r.byCap[capability]
	regs = slices.DeleteFunc(regs, func(c *Registration) bool { return c == reg })
	if len(regs) == 0 {
		delete(r.byCap, capability)
	} else {
		r.byCap[capability] = regs
	}
	r.logger.Info("capability deregistered", "agent", agentID, "capability", capability)
	return nil
}

// Resolve returns the healthy agents advertising the capability, best first:
// score descending, ties broken by earliest registration. An unknown
// capability yields an empty slice.
func (r *Registry) Resolve(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]*Registration, 0, len(r.byCap[capability]))
	for _, reg := range r.byCap[capability] {
		if r.healthy[reg.AgentID] {
			regs = append(regs, reg)
		}
	}
	slices.SortFunc(regs, func(a, b *Registration) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		if a.seq < b.seq {
			return -1
		}
		return 1
	})

	ids := make([]string, len(regs))
	for i, reg := range regs {
		ids[i] = reg.AgentID
	}
	return ids
}

// MarkUnhealthy hides all of an agent's registrations from resolution
// without erasing them, so the agent can recover.
func (r *Registry) MarkUnhealthy(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAgent[agentID]; !ok {
		return
	}
	r.healthy[agentID] = false
	r.logger.Warn("agent marked unhealthy", "agent", agentID)
}

// MarkHealthy restores a previously hidden agent to resolution results.
func (r *Registry) MarkHealthy(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAgent[agentID]; !ok {
		return
	}
	r.healthy[agentID] = true
	r.logger.Info("agent marked healthy", "agent", agentID)
}

// Agents returns all registered agent ids, sorted.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byAgent))
	for id := range r.byAgent {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Snapshot returns a copy of every registration, with health filled in,
// ordered by agent then capability.
func (r *Registry) Snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.byAgent))
	for agentID, caps := range r.byAgent {
		for _, reg := range caps {
			c := *reg
			c.Healthy = r.healthy[agentID]
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b Registration) int {
		if a.AgentID != b.AgentID {
			if a.AgentID < b.AgentID {
				return -1
			}
			return 1
		}
		if a.Capability < b.Capability {
			return -1
		}
		return 1
	})
	return out
}
