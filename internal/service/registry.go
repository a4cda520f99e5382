package service

import (
	"sort"
	"sync"

	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/apperrors"
)

// Registry holds every tracked opportunity. Opportunities are never
// deleted, only marked terminal; the route index tracks the single live
// (non-terminal) opportunity per route signature for duplicate detection.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*model.Opportunity
	routes map[string]string // route signature -> live opportunity id
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*model.Opportunity),
		routes: make(map[string]string),
	}
}

// Insert stores a freshly detected opportunity. Fails when an equivalent
// route is already live.
func (r *Registry) Insert(opp *model.Opportunity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if liveID, ok := r.routes[opp.RouteSignature]; ok {
		if live, exists := r.byID[liveID]; exists && !live.State.Terminal() {
			return apperrors.NewDuplicate("equivalent route already in flight: " + liveID)
		}
	}
	r.byID[opp.ID] = opp
	r.routes[opp.RouteSignature] = opp.ID
	return nil
}

// Get returns a copy; callers never see the registry's mutable instance.
func (r *Registry) Get(id string) (*model.Opportunity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opp, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	copied := *opp
	return &copied, true
}

// update applies fn to the stored opportunity under the write lock. The
// lifecycle manager is the only caller.
func (r *Registry) update(id string, fn func(*model.Opportunity)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	opp, ok := r.byID[id]
	if !ok {
		return false
	}
	fn(opp)
	if opp.State.Terminal() {
		// Free the route for re-detection once this attempt is closed.
		if liveID, exists := r.routes[opp.RouteSignature]; exists && liveID == id {
			delete(r.routes, opp.RouteSignature)
		}
	}
	return true
}

// peekState reads the current state without copying the whole record.
func (r *Registry) peekState(id string) (model.OpportunityState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opp, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return opp.State, true
}

// List returns filtered copies, newest first.
func (r *Registry) List(filter model.OpportunityFilter) []*model.Opportunity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Opportunity, 0, 64)
	for _, opp := range r.byID {
		if filter.State != "" && opp.State != filter.State {
			continue
		}
		if filter.Category != "" && opp.Category != filter.Category {
			continue
		}
		if filter.Mode != "" && opp.Mode != filter.Mode {
			continue
		}
		if filter.Venue != "" && opp.Venue != filter.Venue {
			continue
		}
		copied := *opp
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// NonTerminalIDs snapshots ids the expiry sweep needs to inspect.
func (r *Registry) NonTerminalIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.routes))
	for _, opp := range r.byID {
		if !opp.State.Terminal() {
			ids = append(ids, opp.ID)
		}
	}
	return ids
}

// InFlight counts non-terminal opportunities.
func (r *Registry) InFlight() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, opp := range r.byID {
		if !opp.State.Terminal() {
			n++
		}
	}
	return n
}
