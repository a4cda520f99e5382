package repository

import (
	"context"
	"sync"
	"time"

	"github.com/edgeswarm/edgegate/internal/model"
)

// MemoryThreatCache is the single-process fallback when Redis is not
// configured. Read-mostly: scores are refreshed rarely relative to reads.
type MemoryThreatCache struct {
	mu     sync.RWMutex
	scores map[string]model.ThreatScore
}

func NewMemoryThreatCache() *MemoryThreatCache {
	return &MemoryThreatCache{scores: make(map[string]model.ThreatScore)}
}

func (c *MemoryThreatCache) Get(ctx context.Context, counterparty string) (*model.ThreatScore, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if score, ok := c.scores[counterparty]; ok {
		copied := score
		return &copied, nil
	}
	return nil, nil
}

func (c *MemoryThreatCache) Put(ctx context.Context, score model.ThreatScore) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scores[score.Counterparty] = score
	return nil
}

// MemoryOutcomeRepo keeps terminal outcomes in memory when no database is
// configured. Good enough for development; outcomes are lost on restart.
type MemoryOutcomeRepo struct {
	mu       sync.RWMutex
	outcomes map[string]memoryOutcome
	threats  map[string]model.ThreatScore
}

type memoryOutcome struct {
	opp       model.Opportunity
	rootCause string
	tags      []string
	closedAt  time.Time
}

func NewMemoryOutcomeRepo() *MemoryOutcomeRepo {
	return &MemoryOutcomeRepo{
		outcomes: make(map[string]memoryOutcome),
		threats:  make(map[string]model.ThreatScore),
	}
}

func (r *MemoryOutcomeRepo) Record(ctx context.Context, opp *model.Opportunity, rootCause string, tags []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[opp.ID] = memoryOutcome{
		opp:       *opp,
		rootCause: rootCause,
		tags:      tags,
		closedAt:  time.Now().UTC(),
	}
	return nil
}

func (r *MemoryOutcomeRepo) KnownThreats(ctx context.Context) ([]model.ThreatScore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scores := make([]model.ThreatScore, 0, len(r.threats))
	for _, s := range r.threats {
		scores = append(scores, s)
	}
	return scores, nil
}

func (r *MemoryOutcomeRepo) SaveThreat(ctx context.Context, score model.ThreatScore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threats[score.Counterparty] = score
	return nil
}
