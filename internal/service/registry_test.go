package service

import (
	"errors"
	"testing"
	"time"

	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/apperrors"
)

func regOpportunity(id, route string, state model.OpportunityState, detected time.Time) *model.Opportunity {
	return &model.Opportunity{
		ID:             id,
		RouteSignature: route,
		Category:       model.CategoryPriceDiscrepancy,
		Venue:          "venue-a",
		Mode:           model.ModeAutonomous,
		State:          state,
		DetectedAt:     detected,
	}
}

func ids(opps []*model.Opportunity) []string {
	out := make([]string, len(opps))
	for i, o := range opps {
		out[i] = o.ID
	}
	return out
}

func TestRegistryDuplicateRoute(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	if err := r.Insert(regOpportunity("a", "route-1", model.StateDetected, now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := r.Insert(regOpportunity("b", "route-1", model.StateDetected, now))
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrDuplicate {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	// Closing the live attempt frees the route.
	r.update("a", func(o *model.Opportunity) { o.State = model.StateRejected })
	if err := r.Insert(regOpportunity("c", "route-1", model.StateDetected, now)); err != nil {
		t.Fatalf("route not freed: %v", err)
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	if err := r.Insert(regOpportunity("a", "route-1", model.StateDetected, time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := r.Get("a")
	if !ok {
		t.Fatal("missing opportunity")
	}
	got.State = model.StateExecuted

	again, _ := r.Get("a")
	if again.State != model.StateDetected {
		t.Fatal("Get leaked a mutable reference")
	}
}

func TestRegistryListFiltersAndSorts(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	first := regOpportunity("a", "route-1", model.StateDetected, base)
	second := regOpportunity("b", "route-2", model.StateExecuting, base.Add(time.Second))
	second.Venue = "venue-b"
	third := regOpportunity("c", "route-3", model.StateDetected, base.Add(2*time.Second))
	for _, opp := range []*model.Opportunity{first, second, third} {
		if err := r.Insert(opp); err != nil {
			t.Fatalf("insert %s: %v", opp.ID, err)
		}
	}

	all := r.List(model.OpportunityFilter{})
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("expected newest-first ordering, got %v", ids(all))
	}

	detected := r.List(model.OpportunityFilter{State: model.StateDetected})
	if len(detected) != 2 {
		t.Fatalf("state filter returned %d, want 2", len(detected))
	}

	byVenue := r.List(model.OpportunityFilter{Venue: "venue-b"})
	if len(byVenue) != 1 || byVenue[0].ID != "b" {
		t.Fatalf("venue filter returned %v", ids(byVenue))
	}

	limited := r.List(model.OpportunityFilter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != "c" {
		t.Fatalf("limit returned %v", ids(limited))
	}
}

func TestRegistryInFlightCountsNonTerminal(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	_ = r.Insert(regOpportunity("a", "route-1", model.StateDetected, now))
	_ = r.Insert(regOpportunity("b", "route-2", model.StateExecuting, now))
	_ = r.Insert(regOpportunity("c", "route-3", model.StateExecuted, now))

	if got := r.InFlight(); got != 2 {
		t.Fatalf("in-flight = %d, want 2", got)
	}
	if got := len(r.NonTerminalIDs()); got != 2 {
		t.Fatalf("non-terminal ids = %d, want 2", got)
	}
}
