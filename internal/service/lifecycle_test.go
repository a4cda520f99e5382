package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/apperrors"
	"github.com/edgeswarm/edgegate/internal/repository"
	"github.com/edgeswarm/edgegate/internal/swarm"
	"github.com/shopspring/decimal"
)

type stubValidator struct {
	mu      sync.Mutex
	result  model.ConsensusResult
	release chan struct{} // when set, Validate blocks until closed
	calls   int
}

func (s *stubValidator) Validate(ctx context.Context, opp *model.Opportunity, gate *model.GateDecision) model.ConsensusResult {
	s.mu.Lock()
	s.calls++
	release := s.release
	result := s.result
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	return result
}

func approvedResult() model.ConsensusResult {
	return model.ConsensusResult{
		Approved:           true,
		AgreementScore:     0.75,
		WeightedConfidence: 0.8,
		RoundID:            "round-1",
	}
}

type stubExecutor struct {
	mu      sync.Mutex
	err     error
	calls   int
	receipt string
}

func (s *stubExecutor) Execute(ctx context.Context, opp *model.Opportunity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.receipt == "" {
		return "rcpt-1", nil
	}
	return s.receipt, nil
}

type failingOutcomes struct {
	mu   sync.Mutex
	fail bool
}

func (f *failingOutcomes) Record(ctx context.Context, opp *model.Opportunity, rootCause string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	return nil
}

type managerHarness struct {
	mgr       *Manager
	monitor   *swarm.Monitor
	validator *stubValidator
	executor  *stubExecutor
	outcomes  *failingOutcomes
	now       time.Time
	clockMu   sync.Mutex
}

func (h *managerHarness) advanceClock(d time.Duration) {
	h.clockMu.Lock()
	h.now = h.now.Add(d)
	h.clockMu.Unlock()
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()

	h := &managerHarness{
		validator: &stubValidator{result: approvedResult()},
		executor:  &stubExecutor{},
		outcomes:  &failingOutcomes{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time {
		h.clockMu.Lock()
		defer h.clockMu.Unlock()
		return h.now
	}

	h.monitor = swarm.NewMonitor(config.SwarmConfig{
		DegradedAfterSeconds:  15,
		UnhealthyAfterSeconds: 45,
		DeadAfterSeconds:      120,
	}).WithClock(clock)
	h.monitor.Register(model.WorkerScanner, "s1")
	h.monitor.Register(model.WorkerValidator, "v1")
	h.monitor.Register(model.WorkerExecutor, "e1")

	cache := repository.NewMemoryThreatCache()
	_ = cache.Put(context.Background(), model.ThreatScore{
		Counterparty: "mint-ok", Score: 10, ComputedAt: h.now,
	})
	_ = cache.Put(context.Background(), model.ThreatScore{
		Counterparty: "mint-rug", Score: 5,
		Factors:    map[string]float64{model.FactorConfirmedRug: 1},
		ComputedAt: h.now,
	})
	gateCfg := config.GateConfig{ScoreCeiling: 70, SoftRiskFloor: 40, FreshnessSeconds: 3600}
	gate := NewThreatGate(gateCfg, nil, cache, nil)
	gate.now = clock

	audit, err := NewAuditService(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("audit service: %v", err)
	}
	t.Cleanup(audit.Close)

	execCB := h.monitor.NewBreaker("transport:venue", 3, time.Minute)

	h.mgr = NewManager(config.LifecycleConfig{
		SweepIntervalSeconds:   1,
		DefaultDeadlineSeconds: 3600,
		HybridDirectiveProfit:  500,
		HybridDirectiveRisk:    50,
		MaxInFlight:            100,
	}, gate, h.validator, h.monitor, h.executor, execCB, h.outcomes, audit)
	h.mgr.now = clock
	return h
}

func candidate(mode model.ExecutionMode, parties ...string) *model.CandidateRequest {
	if len(parties) == 0 {
		parties = []string{"mint-ok"}
	}
	return &model.CandidateRequest{
		Category:       model.CategoryPriceDiscrepancy,
		Venue:          "venue-a",
		Mode:           mode,
		Counterparties: parties,
		EstProfit:      decimal.NewFromInt(120),
		RiskScore:      20,
	}
}

func waitForState(t *testing.T, mgr *Manager, id string, want model.OpportunityState) *model.Opportunity {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		opp, err := mgr.Get(id)
		if err == nil && opp.State == want {
			return opp
		}
		time.Sleep(5 * time.Millisecond)
	}
	opp, _ := mgr.Get(id)
	got := "missing"
	if opp != nil {
		got = string(opp.State)
	}
	t.Fatalf("opportunity %s never reached %s (stuck in %s)", id, want, got)
	return nil
}

func TestLifecycleHappyPath(t *testing.T) {
	h := newManagerHarness(t)

	opp, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if opp.State != model.StateDetected {
		t.Fatalf("fresh opportunity in %s, want detected", opp.State)
	}

	// Gate admits, consensus approves, autonomous mode executes.
	executing := waitForState(t, h.mgr, opp.ID, model.StateExecuting)
	if executing.Gate == nil || !executing.Gate.Admit {
		t.Fatal("gate decision missing or not admitted")
	}
	if executing.Consensus == nil || !executing.Consensus.Approved {
		t.Fatal("consensus result missing or not approved")
	}

	settled, err := h.mgr.HandleSettlement(context.Background(), &model.SettlementRequest{
		OpportunityID: opp.ID,
		Success:       true,
		ActualProfit:  decimal.NewFromInt(110),
		Cost:          decimal.NewFromInt(3),
		Receipt:       "tx-abc",
	})
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if settled.State != model.StateExecuted {
		t.Fatalf("settled state = %s, want executed", settled.State)
	}
	if settled.Settlement == nil || settled.Settlement.Receipt != "tx-abc" {
		t.Fatalf("settlement not attached: %+v", settled.Settlement)
	}
}

func TestLifecycleDuplicateRouteRefused(t *testing.T) {
	h := newManagerHarness(t)
	// Pin consensus so the first opportunity stays live.
	h.validator.release = make(chan struct{})
	defer close(h.validator.release)

	first, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, first.ID, model.StatePendingApproval)

	// Same route, different counterparty casing and order.
	dup := candidate(model.ModeAutonomous, "MINT-OK")
	_, err = h.mgr.Submit(context.Background(), dup)
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrDuplicate {
		t.Fatalf("expected DuplicateOpportunity, got %v", err)
	}

	// A different route is fine.
	other := candidate(model.ModeAutonomous, "mint-ok")
	other.Venue = "venue-b"
	if _, err := h.mgr.Submit(context.Background(), other); err != nil {
		t.Fatalf("distinct route refused: %v", err)
	}
}

func TestLifecycleRouteFreedAfterTerminal(t *testing.T) {
	h := newManagerHarness(t)

	first, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous, "mint-rug"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, first.ID, model.StateRejected)

	// Hard-blocked attempt is terminal, so the same route may be retried.
	if _, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous, "mint-rug")); err != nil {
		t.Fatalf("route not freed after terminal state: %v", err)
	}
}

func TestLifecycleGateDenyRejects(t *testing.T) {
	h := newManagerHarness(t)

	opp, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous, "mint-rug"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rejected := waitForState(t, h.mgr, opp.ID, model.StateRejected)
	if !strings.HasPrefix(rejected.RejectReason, "gate: ") {
		t.Fatalf("reject reason should carry the gate verdict, got %q", rejected.RejectReason)
	}
	if h.validator.calls != 0 {
		t.Fatal("gate denial must not reach consensus")
	}
}

func TestLifecycleConsensusRejectIsTerminal(t *testing.T) {
	h := newManagerHarness(t)
	h.validator.result = model.ConsensusResult{
		Approved:       false,
		AgreementScore: 0.4,
		Reason:         model.ReasonBelowThreshold,
	}

	opp, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rejected := waitForState(t, h.mgr, opp.ID, model.StateRejected)
	if !strings.Contains(rejected.RejectReason, model.ReasonBelowThreshold) {
		t.Fatalf("unexpected reason: %q", rejected.RejectReason)
	}
	if h.executor.calls != 0 {
		t.Fatal("rejected opportunity must not execute")
	}
}

func TestLifecyclePauseQueuesApprovedWork(t *testing.T) {
	h := newManagerHarness(t)
	h.monitor.Pause()

	opp, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	pending := waitForState(t, h.mgr, opp.ID, model.StatePendingApproval)
	if pending.Consensus == nil || !pending.Consensus.Approved {
		t.Fatal("approval should land even while paused")
	}

	// Still pending after a sweep.
	h.mgr.sweep()
	if st, _ := h.mgr.reg.peekState(opp.ID); st != model.StatePendingApproval {
		t.Fatalf("paused swarm must not execute, state %s", st)
	}

	h.monitor.Resume()
	h.mgr.sweep()
	waitForState(t, h.mgr, opp.ID, model.StateExecuting)
}

func TestLifecycleAgentDirectedNeedsSignOff(t *testing.T) {
	h := newManagerHarness(t)

	opp, err := h.mgr.Submit(context.Background(), candidate(model.ModeAgentDirected))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, opp.ID, model.StatePendingApproval)

	h.mgr.sweep()
	if st, _ := h.mgr.reg.peekState(opp.ID); st != model.StatePendingApproval {
		t.Fatalf("agent_directed must wait for a directive, state %s", st)
	}

	if _, err := h.mgr.Directive(context.Background(), opp.ID, &model.DirectiveRequest{
		Approve: true, Agent: "strategist-1",
	}); err != nil {
		t.Fatalf("directive: %v", err)
	}
	waitForState(t, h.mgr, opp.ID, model.StateExecuting)
}

func TestLifecycleDirectiveReject(t *testing.T) {
	h := newManagerHarness(t)

	opp, err := h.mgr.Submit(context.Background(), candidate(model.ModeAgentDirected))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, opp.ID, model.StatePendingApproval)

	rejected, err := h.mgr.Directive(context.Background(), opp.ID, &model.DirectiveRequest{
		Approve: false, Agent: "strategist-1", Note: "bad market conditions",
	})
	if err != nil {
		t.Fatalf("directive: %v", err)
	}
	if rejected.State != model.StateRejected {
		t.Fatalf("state = %s, want rejected", rejected.State)
	}
	if !strings.Contains(rejected.RejectReason, "strategist-1") {
		t.Fatalf("reject reason should name the agent, got %q", rejected.RejectReason)
	}
}

func TestLifecycleDirectiveOnAutonomousRefused(t *testing.T) {
	h := newManagerHarness(t)
	h.validator.release = make(chan struct{})
	defer close(h.validator.release)

	opp, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, opp.ID, model.StatePendingApproval)

	_, err = h.mgr.Directive(context.Background(), opp.ID, &model.DirectiveRequest{Approve: true, Agent: "a"})
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrInvalidRequest {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestLifecycleHybridThresholds(t *testing.T) {
	h := newManagerHarness(t)

	// Small and safe: executes without a directive.
	small := candidate(model.ModeHybrid)
	small.EstProfit = decimal.NewFromInt(100)
	opp, err := h.mgr.Submit(context.Background(), small)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, opp.ID, model.StateExecuting)

	// Above the profit threshold: queues for sign-off.
	big := candidate(model.ModeHybrid)
	big.Venue = "venue-big"
	big.EstProfit = decimal.NewFromInt(900)
	bigOpp, err := h.mgr.Submit(context.Background(), big)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, bigOpp.ID, model.StatePendingApproval)
	h.mgr.sweep()
	if st, _ := h.mgr.reg.peekState(bigOpp.ID); st != model.StatePendingApproval {
		t.Fatalf("oversized hybrid must wait for sign-off, state %s", st)
	}

	if _, err := h.mgr.Directive(context.Background(), bigOpp.ID, &model.DirectiveRequest{
		Approve: true, Agent: "strategist-1",
	}); err != nil {
		t.Fatalf("directive: %v", err)
	}
	waitForState(t, h.mgr, bigOpp.ID, model.StateExecuting)
}

func TestLifecycleExpirySweep(t *testing.T) {
	h := newManagerHarness(t)
	h.validator.release = make(chan struct{})

	req := candidate(model.ModeAutonomous)
	req.DeadlineUnix = h.now.Add(30 * time.Second).Unix()
	opp, err := h.mgr.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, opp.ID, model.StatePendingApproval)

	// Deadline passes while the consensus round is still in flight.
	h.advanceClock(time.Minute)
	h.mgr.sweep()
	expired := waitForState(t, h.mgr, opp.ID, model.StateExpired)
	if expired.Consensus != nil {
		t.Fatal("expired opportunity should have no consensus attached yet")
	}

	// The late approval must be discarded, not resurrect the opportunity.
	close(h.validator.release)
	time.Sleep(50 * time.Millisecond)
	final, _ := h.mgr.Get(opp.ID)
	if final.State != model.StateExpired {
		t.Fatalf("late consensus resurrected opportunity into %s", final.State)
	}
	if final.Consensus != nil {
		t.Fatal("late consensus result must be discarded")
	}
}

func TestLifecycleExecutingNeverExpires(t *testing.T) {
	h := newManagerHarness(t)

	req := candidate(model.ModeAutonomous)
	req.DeadlineUnix = h.now.Add(30 * time.Second).Unix()
	opp, err := h.mgr.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, opp.ID, model.StateExecuting)

	h.advanceClock(time.Minute)
	h.mgr.sweep()
	if st, _ := h.mgr.reg.peekState(opp.ID); st != model.StateExecuting {
		t.Fatalf("executing opportunity expired to %s", st)
	}

	// Settlement still lands after the deadline.
	settled, err := h.mgr.HandleSettlement(context.Background(), &model.SettlementRequest{
		OpportunityID: opp.ID, Success: true,
	})
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if settled.State != model.StateExecuted {
		t.Fatalf("state = %s, want executed", settled.State)
	}
}

func TestLifecycleTransportFailure(t *testing.T) {
	h := newManagerHarness(t)
	h.executor.err = errors.New("venue unreachable")

	opp, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	failed := waitForState(t, h.mgr, opp.ID, model.StateFailed)
	if failed.Settlement == nil || failed.Settlement.Success {
		t.Fatalf("failure settlement missing: %+v", failed.Settlement)
	}
	if !strings.HasPrefix(failed.RejectReason, "transport: ") {
		t.Fatalf("unexpected reason: %q", failed.RejectReason)
	}
}

func TestLifecycleFailedSettlement(t *testing.T) {
	h := newManagerHarness(t)

	opp, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, opp.ID, model.StateExecuting)

	settled, err := h.mgr.HandleSettlement(context.Background(), &model.SettlementRequest{
		OpportunityID: opp.ID,
		Success:       false,
		Error:         "slippage exceeded",
	})
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if settled.State != model.StateFailed {
		t.Fatalf("state = %s, want failed", settled.State)
	}

	// A second settlement for a terminal opportunity is refused.
	_, err = h.mgr.HandleSettlement(context.Background(), &model.SettlementRequest{
		OpportunityID: opp.ID, Success: true,
	})
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestLifecycleOutcomeFailureHaltsIntake(t *testing.T) {
	h := newManagerHarness(t)
	h.outcomes.mu.Lock()
	h.outcomes.fail = true
	h.outcomes.mu.Unlock()

	opp, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous, "mint-rug"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, h.mgr, opp.ID, model.StateRejected)

	// The failed outcome write halts new intake.
	deadline := time.Now().Add(2 * time.Second)
	for !h.mgr.intakeDown.Load() {
		if time.Now().After(deadline) {
			t.Fatal("intake never halted after outcome write failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, err = h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous))
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrIntakeHalted {
		t.Fatalf("expected intake halted, got %v", err)
	}

	// Storage recovers; the next terminal write reopens intake.
	h.outcomes.mu.Lock()
	h.outcomes.fail = false
	h.outcomes.mu.Unlock()
	h.mgr.closeTerminal(opp.ID, "retry")
	if _, err := h.mgr.Submit(context.Background(), candidate(model.ModeAutonomous, "mint-ok")); err != nil {
		t.Fatalf("intake did not recover: %v", err)
	}
}

func TestLifecycleRiskScoreBounds(t *testing.T) {
	h := newManagerHarness(t)

	req := candidate(model.ModeAutonomous)
	req.RiskScore = 140
	_, err := h.mgr.Submit(context.Background(), req)
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Type != apperrors.ErrInvalidRequest {
		t.Fatalf("expected invalid request for out-of-range risk, got %v", err)
	}
}

func TestCanTransitionTable(t *testing.T) {
	legal := []struct{ from, to model.OpportunityState }{
		{model.StateDetected, model.StatePendingApproval},
		{model.StateDetected, model.StateRejected},
		{model.StateDetected, model.StateExpired},
		{model.StatePendingApproval, model.StateExecuting},
		{model.StatePendingApproval, model.StateRejected},
		{model.StatePendingApproval, model.StateExpired},
		{model.StateExecuting, model.StateExecuted},
		{model.StateExecuting, model.StateFailed},
	}
	for _, tc := range legal {
		if !canTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to model.OpportunityState }{
		{model.StateDetected, model.StateExecuting},
		{model.StateDetected, model.StateExecuted},
		{model.StateExecuting, model.StateExpired},
		{model.StateExecuting, model.StateRejected},
		{model.StateExecuted, model.StateFailed},
		{model.StateFailed, model.StateDetected},
		{model.StateRejected, model.StatePendingApproval},
		{model.StateExpired, model.StateDetected},
	}
	for _, tc := range illegal {
		if canTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}
