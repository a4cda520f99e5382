package service

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/logger"
	"github.com/edgeswarm/edgegate/internal/pkg/metrics"
)

// ThreatCache holds per-counterparty scores shared across opportunities.
// Redis in production, in-memory otherwise.
type ThreatCache interface {
	Get(ctx context.Context, counterparty string) (*model.ThreatScore, error)
	Put(ctx context.Context, score model.ThreatScore) error
}

// ThreatStore is the pattern-memory side of the gate: seed records read at
// startup, recomputed scores written back.
type ThreatStore interface {
	KnownThreats(ctx context.Context) ([]model.ThreatScore, error)
	SaveThreat(ctx context.Context, score model.ThreatScore) error
}

// ThreatGate is the pre-consensus risk gate. It scores every counterparty
// on an opportunity's route and decides admit/deny before any judge is
// consulted.
type ThreatGate struct {
	cfg    config.GateConfig
	source ThreatSource // nil when no external source is configured
	cache  ThreatCache
	store  ThreatStore
	now    func() time.Time
	log    interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
	}
}

func NewThreatGate(cfg config.GateConfig, source ThreatSource, cache ThreatCache, store ThreatStore) *ThreatGate {
	return &ThreatGate{
		cfg:    cfg,
		source: source,
		cache:  cache,
		store:  store,
		now:    time.Now,
		log:    logger.Component("threat-gate"),
	}
}

// Seed primes the cache with historical threat records so known-bad
// counterparties are blocked from the first opportunity onward.
func (g *ThreatGate) Seed(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	scores, err := g.store.KnownThreats(ctx)
	if err != nil {
		return fmt.Errorf("threat seed failed: %w", err)
	}
	for _, score := range scores {
		_ = g.cache.Put(ctx, score)
	}
	g.log.Info("threat cache seeded", "records", len(scores))
	return nil
}

// Evaluate produces the gate decision for one opportunity. Hard-block
// factors are absolute; scores above the ceiling reject; soft risk below
// the ceiling is admitted but forwarded for the judges to weigh.
func (g *ThreatGate) Evaluate(ctx context.Context, opp *model.Opportunity) model.GateDecision {
	decision := model.GateDecision{
		Admit:   true,
		Factors: map[string]float64{},
		Scores:  map[string]model.ThreatScore{},
	}

	for _, raw := range opp.Counterparties {
		cp := NormalizeCounterparty(raw)
		score, stale, err := g.lookup(ctx, cp)
		if err != nil {
			// No cached score and no reachable source: refuse rather than
			// admit a counterparty nothing has ever scored.
			decision.Admit = false
			decision.Reason = fmt.Sprintf("no threat data for %s: %v", cp, err)
			metrics.GateRejects.WithLabelValues("no_threat_data").Inc()
			return decision
		}
		if stale {
			decision.StaleData = true
		}
		decision.Scores[cp] = *score
		if score.Score > decision.Score {
			decision.Score = score.Score
		}

		if factor, blocked := score.HardBlocked(); blocked {
			decision.Admit = false
			decision.Reason = fmt.Sprintf("counterparty %s hard-blocked: %s", cp, factor)
			metrics.GateRejects.WithLabelValues("hard_block").Inc()
			return decision
		}
		if g.cfg.ScoreCeiling > 0 && score.Score > g.cfg.ScoreCeiling {
			decision.Admit = false
			decision.Reason = fmt.Sprintf("counterparty %s score %.1f exceeds ceiling %.1f", cp, score.Score, g.cfg.ScoreCeiling)
			metrics.GateRejects.WithLabelValues("score_ceiling").Inc()
			return decision
		}

		// Elevated-but-admitted factors travel with the decision as judge
		// context.
		if score.Score >= g.cfg.SoftRiskFloor {
			for k, v := range score.Factors {
				if v > decision.Factors[k] {
					decision.Factors[k] = v
				}
			}
		}
	}

	if decision.StaleData {
		g.log.Warn("gate decision made on stale threat data", "opportunity_id", opp.ID)
	}
	return decision
}

// lookup returns a fresh score for the counterparty, recomputing through
// the source when the cached copy has aged out. A failed recompute falls
// back to the last-known score with the stale flag set.
func (g *ThreatGate) lookup(ctx context.Context, cp string) (*model.ThreatScore, bool, error) {
	cached, cacheErr := g.cache.Get(ctx, cp)
	if cacheErr == nil && cached != nil && cached.Fresh(g.cfg.Freshness(), g.now()) {
		return cached, false, nil
	}

	if g.source != nil {
		fresh, err := g.source.Score(ctx, cp)
		if err == nil {
			_ = g.cache.Put(ctx, fresh)
			if g.store != nil {
				_ = g.store.SaveThreat(ctx, fresh)
			}
			return &fresh, false, nil
		}
		g.log.Warn("threat recompute failed, falling back to last-known score",
			"counterparty", cp, "error", err.Error())
	}

	if cached != nil {
		return cached, true, nil
	}
	return nil, false, fmt.Errorf("threat source unavailable and no cached score")
}
