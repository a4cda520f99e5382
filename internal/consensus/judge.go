package consensus

import (
	"context"
	"fmt"

	"github.com/edgeswarm/edgegate/internal/model"
)

// EvalRequest is what every judge sees for one round: the opportunity plus
// the gate's soft-risk context so judges can weigh elevated-but-admitted
// counterparties.
type EvalRequest struct {
	Opportunity *model.Opportunity
	Gate        *model.GateDecision
}

// Judge evaluates one opportunity and returns a vote. Implementations must
// honor ctx cancellation; a slow judge is cut off by the per-call timeout.
type Judge interface {
	Name() string
	Weight() float64
	Evaluate(ctx context.Context, req EvalRequest) (model.Vote, error)
}

// RuleJudge is a deterministic judge backed by simple bounds checks. It
// exists so a consensus round never depends exclusively on remote models.
type RuleJudge struct {
	name      string
	weight    float64
	MaxRisk   float64 // reject above this refined risk score
	MinProfit float64 // reject below this estimated profit (USDC)
}

func NewRuleJudge(name string, weight float64) *RuleJudge {
	if weight <= 0 {
		weight = 1
	}
	return &RuleJudge{name: name, weight: weight, MaxRisk: 60, MinProfit: 0}
}

func (j *RuleJudge) Name() string    { return j.name }
func (j *RuleJudge) Weight() float64 { return j.weight }

func (j *RuleJudge) Evaluate(ctx context.Context, req EvalRequest) (model.Vote, error) {
	opp := req.Opportunity
	vote := model.Vote{Judge: j.name, Confidence: 0.9}

	risk := opp.RiskScore
	if req.Gate != nil && req.Gate.Score > risk {
		risk = req.Gate.Score
	}

	switch {
	case risk > j.MaxRisk:
		vote.Approve = false
		vote.Reasoning = fmt.Sprintf("risk score %.1f above rule ceiling %.1f", risk, j.MaxRisk)
	case !opp.EstProfit.IsPositive():
		vote.Approve = false
		vote.Reasoning = "estimated profit is not positive"
	case opp.EstProfit.InexactFloat64() < j.MinProfit:
		vote.Approve = false
		vote.Reasoning = fmt.Sprintf("estimated profit below floor %.2f", j.MinProfit)
	default:
		vote.Approve = true
		vote.Reasoning = fmt.Sprintf("risk %.1f within bounds, profit %s positive", risk, opp.EstProfit.String())
		// Confidence decays as risk approaches the ceiling.
		if j.MaxRisk > 0 {
			vote.Confidence = 1.0 - 0.5*(risk/j.MaxRisk)
		}
	}
	return vote, nil
}
