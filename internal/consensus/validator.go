package consensus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/logger"
	"github.com/edgeswarm/edgegate/internal/pkg/metrics"
	"github.com/edgeswarm/edgegate/internal/swarm"
	"github.com/google/uuid"
)

// Validator fans one evaluation request out to every enabled judge and
// folds the votes into a single approve/reject decision. Each judge runs
// behind its own circuit breaker and per-call timeout, so one bad judge
// cannot stall or poison a round.
type Validator struct {
	cfg      config.ConsensusConfig
	judges   []Judge
	monitor  *swarm.Monitor
	breakers map[string]*swarm.CircuitBreaker
	log      interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Debug(msg string, args ...any)
	}
}

func NewValidator(cfg config.ConsensusConfig, judges []Judge, monitor *swarm.Monitor) *Validator {
	v := &Validator{
		cfg:      cfg,
		judges:   judges,
		monitor:  monitor,
		breakers: make(map[string]*swarm.CircuitBreaker, len(judges)),
		log:      logger.Component("consensus"),
	}
	cooldown := time.Duration(cfg.BreakerCooldownS) * time.Second
	for _, j := range judges {
		v.breakers["judge:"+j.Name()] = monitor.NewBreaker("judge:"+j.Name(), cfg.BreakerThreshold, cooldown)
	}
	return v
}

// voteOutcome is one judge's contribution to a round: a vote, or the cause
// of a non-vote.
type voteOutcome struct {
	vote  *model.Vote
	judge string
	cause string
}

// Validate runs one consensus round. It never approves on missing data:
// zero reachable judges or a failed quorum always rejects.
func (v *Validator) Validate(ctx context.Context, opp *model.Opportunity, gate *model.GateDecision) model.ConsensusResult {
	roundID := uuid.New().String()
	start := time.Now()
	req := EvalRequest{Opportunity: opp, Gate: gate}

	result := model.ConsensusResult{RoundID: roundID}
	if len(v.judges) == 0 {
		result.Reason = model.ReasonNoJudgesAvailable
		metrics.ConsensusRounds.WithLabelValues("no_judges").Inc()
		return result
	}

	outcomes := make(chan voteOutcome, len(v.judges))
	var wg sync.WaitGroup
	for _, j := range v.judges {
		wg.Add(1)
		go func(j Judge) {
			defer wg.Done()
			outcomes <- v.callJudge(ctx, j, req)
		}(j)
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var votes []model.Vote
	nonVotes := 0
	abandoned := false

collect:
	for {
		select {
		case out, ok := <-outcomes:
			if !ok {
				break collect
			}
			if out.vote != nil {
				votes = append(votes, *out.vote)
			} else {
				nonVotes++
				metrics.JudgeNonVotes.WithLabelValues(out.judge, out.cause).Inc()
			}
		case <-ctx.Done():
			// The opportunity expired or the caller gave up mid-round:
			// abandon. Stragglers still settle their breakers.
			abandoned = true
			break collect
		}
	}

	result.Votes = votes
	result.NonVotes = nonVotes
	result.TotalLatency = time.Since(start)

	if abandoned {
		result.Reason = "round_abandoned"
		metrics.ConsensusRounds.WithLabelValues("abandoned").Inc()
		return result
	}

	v.aggregate(&result)

	outcome := "rejected"
	if result.Approved {
		outcome = "approved"
	} else if result.Reason == model.ReasonInsufficientQuorum {
		outcome = "quorum_failure"
	}
	metrics.ConsensusRounds.WithLabelValues(outcome).Inc()
	v.log.Info("consensus round finished",
		"round_id", roundID,
		"opportunity_id", opp.ID,
		"approved", result.Approved,
		"agreement", result.AgreementScore,
		"votes", len(votes),
		"non_votes", nonVotes,
		"latency_ms", result.TotalLatency.Milliseconds(),
	)
	return result
}

func (v *Validator) callJudge(ctx context.Context, j Judge, req EvalRequest) voteOutcome {
	cb := v.breakers["judge:"+j.Name()]

	// An open breaker contributes zero votes and zero latency: the call is
	// never attempted.
	if err := cb.Allow(); err != nil {
		return voteOutcome{judge: j.Name(), cause: "circuit_open"}
	}

	callCtx, cancel := context.WithTimeout(ctx, v.cfg.JudgeTimeout())
	defer cancel()

	start := time.Now()
	vote, err := j.Evaluate(callCtx, req)
	elapsed := time.Since(start)

	if err != nil {
		cb.RecordFailure(err)
		cause := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			cause = "timeout"
		}
		v.log.Warn("judge produced no vote", "judge", j.Name(), "cause", cause, "error", err.Error())
		return voteOutcome{judge: j.Name(), cause: cause}
	}

	cb.RecordSuccess()
	vote.Judge = j.Name()
	vote.Latency = elapsed
	metrics.JudgeLatency.WithLabelValues(j.Name()).Observe(elapsed.Seconds())
	return voteOutcome{vote: &vote, judge: j.Name()}
}

// aggregate applies the weighted agreement rule. Exact threshold equality
// approves; confidence never substitutes for agreement.
func (v *Validator) aggregate(result *model.ConsensusResult) {
	enabled := len(v.judges)
	if len(result.Votes) == 0 {
		result.Reason = model.ReasonNoJudgesAvailable
		return
	}
	// Insufficient quorum forces a reject, never a silent approve.
	if result.NonVotes*2 >= enabled {
		result.Reason = model.ReasonInsufficientQuorum
		return
	}

	weights := make(map[string]float64, enabled)
	for _, j := range v.judges {
		weights[j.Name()] = j.Weight()
	}

	var votedWeight, approveWeight, approveConfWeight float64
	for _, vote := range result.Votes {
		w := weights[vote.Judge]
		if w <= 0 {
			w = 1
		}
		votedWeight += w
		if vote.Approve {
			approveWeight += w
			approveConfWeight += w * vote.Confidence
		}
	}

	if votedWeight > 0 {
		result.AgreementScore = approveWeight / votedWeight
	}
	if approveWeight > 0 {
		result.WeightedConfidence = approveConfWeight / approveWeight
	}
	result.Summary = summarize(result.Votes, v.cfg.SummaryMaxLen)

	if result.AgreementScore >= v.cfg.MinThreshold {
		result.Approved = true
		return
	}
	result.Reason = model.ReasonBelowThreshold
}

func summarize(votes []model.Vote, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 2000
	}
	var b strings.Builder
	for i, vote := range votes {
		if i > 0 {
			b.WriteString(" | ")
		}
		stance := "reject"
		if vote.Approve {
			stance = "approve"
		}
		b.WriteString(fmt.Sprintf("%s(%s %.2f): %s", vote.Judge, stance, vote.Confidence, vote.Reasoning))
	}
	s := b.String()
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// BuildJudges constructs judges from configuration, skipping disabled
// entries.
func BuildJudges(cfgs []config.JudgeConfig) []Judge {
	judges := make([]Judge, 0, len(cfgs))
	for _, jc := range cfgs {
		if !jc.Enabled {
			continue
		}
		switch jc.Kind {
		case "llm":
			judges = append(judges, NewLLMJudge(jc.Name, jc.Weight, jc.URL, jc.APIKey, jc.Model))
		case "rule":
			judges = append(judges, NewRuleJudge(jc.Name, jc.Weight))
		default:
			logger.Warn("unknown judge kind, skipping", "name", jc.Name, "kind", jc.Kind)
		}
	}
	return judges
}
