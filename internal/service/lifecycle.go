package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/apperrors"
	"github.com/edgeswarm/edgegate/internal/pkg/logger"
	"github.com/edgeswarm/edgegate/internal/pkg/metrics"
	"github.com/edgeswarm/edgegate/internal/swarm"
	"github.com/edgeswarm/edgegate/internal/transport"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// validTransitions is the lifecycle contract. Anything not listed is
// illegal; terminal states have no entries.
var validTransitions = map[model.OpportunityState][]model.OpportunityState{
	model.StateDetected:        {model.StatePendingApproval, model.StateRejected, model.StateExpired},
	model.StatePendingApproval: {model.StateExecuting, model.StateRejected, model.StateExpired},
	model.StateExecuting:       {model.StateExecuted, model.StateFailed},
}

func canTransition(from, to model.OpportunityState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConsensusValidator decides whether an admitted opportunity may execute.
type ConsensusValidator interface {
	Validate(ctx context.Context, opp *model.Opportunity, gate *model.GateDecision) model.ConsensusResult
}

// OutcomeStore receives the pattern-memory record for every terminal state.
type OutcomeStore interface {
	Record(ctx context.Context, opp *model.Opportunity, rootCause string, tags []string) error
}

// Manager owns the opportunity state machine. All transitions for a single
// opportunity are serialized through a per-opportunity lock; different
// opportunities advance fully in parallel.
type Manager struct {
	cfg       config.LifecycleConfig
	gate      *ThreatGate
	validator ConsensusValidator
	monitor   *swarm.Monitor
	executor  transport.Executor
	execCB    *swarm.CircuitBreaker
	outcomes  OutcomeStore
	audit     *AuditService
	reg       *Registry

	locks      sync.Map // opportunity id -> *sync.Mutex
	intakeDown atomic.Bool
	cancel     context.CancelFunc
	now        func() time.Time
	log        interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
		Debug(msg string, args ...any)
	}
}

func NewManager(
	cfg config.LifecycleConfig,
	gate *ThreatGate,
	validator ConsensusValidator,
	monitor *swarm.Monitor,
	executor transport.Executor,
	execCB *swarm.CircuitBreaker,
	outcomes OutcomeStore,
	audit *AuditService,
) *Manager {
	return &Manager{
		cfg:       cfg,
		gate:      gate,
		validator: validator,
		monitor:   monitor,
		executor:  executor,
		execCB:    execCB,
		outcomes:  outcomes,
		audit:     audit,
		reg:       NewRegistry(),
		now:       time.Now,
		log:       logger.Component("lifecycle"),
	}
}

// Start launches the expiry sweep.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	interval := time.Duration(m.cfg.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Submit accepts a freshly detected candidate, stores it and kicks off the
// gate asynchronously. Duplicate route signatures of live opportunities
// are refused.
func (m *Manager) Submit(ctx context.Context, req *model.CandidateRequest) (*model.Opportunity, error) {
	if !m.monitor.IntakeAllowed() {
		return nil, apperrors.New(apperrors.ErrIntakeHalted, "swarm is dead, intake halted", nil)
	}
	if m.intakeDown.Load() {
		return nil, apperrors.New(apperrors.ErrIntakeHalted, "outcome storage unavailable, intake halted", nil)
	}
	if m.cfg.MaxInFlight > 0 && m.reg.InFlight() >= m.cfg.MaxInFlight {
		return nil, apperrors.New(apperrors.ErrIntakeHalted, "too many opportunities in flight", nil)
	}
	if req.RiskScore < 0 || req.RiskScore > 100 {
		return nil, apperrors.NewInvalidRequest("risk_score must be within 0-100")
	}

	now := m.now().UTC()
	deadline := req.Deadline()
	if deadline == nil && m.cfg.DefaultDeadlineSeconds > 0 {
		d := now.Add(time.Duration(m.cfg.DefaultDeadlineSeconds) * time.Second)
		deadline = &d
	}
	atomicity := req.Atomicity
	if atomicity == "" {
		atomicity = model.AtomicityFull
	}

	parties := make([]string, 0, len(req.Counterparties))
	for _, cp := range req.Counterparties {
		parties = append(parties, NormalizeCounterparty(cp))
	}

	opp := &model.Opportunity{
		ID:             uuid.New().String(),
		RouteSignature: RouteSignature(req),
		Category:       req.Category,
		Venue:          req.Venue,
		Mode:           req.Mode,
		Atomicity:      atomicity,
		Counterparties: parties,
		EstProfit:      req.EstProfit,
		RiskScore:      req.RiskScore,
		State:          model.StateDetected,
		Deadline:       deadline,
		DetectedAt:     now,
		UpdatedAt:      now,
	}

	if err := m.reg.Insert(opp); err != nil {
		return nil, err
	}
	m.auditTransition(opp.ID, "", model.StateDetected, "", nil)
	m.log.Info("opportunity detected",
		"opportunity_id", opp.ID,
		"category", opp.Category,
		"venue", opp.Venue,
		"mode", opp.Mode,
	)

	go m.advance(opp.ID)

	copied := *opp
	return &copied, nil
}

// Get returns a copy of the opportunity.
func (m *Manager) Get(id string) (*model.Opportunity, error) {
	opp, ok := m.reg.Get(id)
	if !ok {
		return nil, apperrors.NewNotFound("opportunity not found: " + id)
	}
	return opp, nil
}

// List returns filtered copies for the status surface.
func (m *Manager) List(filter model.OpportunityFilter) []*model.Opportunity {
	return m.reg.List(filter)
}

// advance is the internal driver: it inspects the current state and runs
// whichever stage is due. Safe to call repeatedly; stale calls no-op.
func (m *Manager) advance(id string) {
	state, ok := m.reg.peekState(id)
	if !ok {
		return
	}
	switch state {
	case model.StateDetected:
		m.runGate(id)
	case model.StatePendingApproval:
		opp, _ := m.reg.Get(id)
		if opp == nil {
			return
		}
		if opp.Consensus == nil {
			m.runConsensus(id)
		} else if opp.Consensus.Approved {
			m.tryExecute(id)
		}
	}
}

func (m *Manager) runGate(id string) {
	opp, ok := m.reg.Get(id)
	if !ok || opp.State != model.StateDetected {
		return
	}

	ctx, cancel := m.deadlineContext(opp)
	defer cancel()
	start := m.now()
	decision := m.gate.Evaluate(ctx, opp)

	m.audit.Log(&model.AuditEntry{
		ID:            uuid.New().String(),
		OpportunityID: id,
		Kind:          model.AuditKindGate,
		Reason:        decision.Reason,
		StaleData:     decision.StaleData,
		Context: map[string]interface{}{
			"admit": decision.Admit,
			"score": decision.Score,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	})

	if !decision.Admit {
		reason := "gate: " + decision.Reason
		if err := m.transition(id, model.StateDetected, model.StateRejected, func(o *model.Opportunity) {
			o.Gate = &decision
			o.RejectReason = reason
		}); err == nil {
			m.closeTerminal(id, reason)
		}
		return
	}

	if err := m.transition(id, model.StateDetected, model.StatePendingApproval, func(o *model.Opportunity) {
		o.Gate = &decision
	}); err != nil {
		return // expired underneath us
	}
	m.runConsensus(id)
}

func (m *Manager) runConsensus(id string) {
	opp, ok := m.reg.Get(id)
	if !ok || opp.State != model.StatePendingApproval || opp.Consensus != nil {
		return
	}

	// The round is bounded by the opportunity's deadline: expiry mid-round
	// abandons it and any late result is discarded below.
	ctx, cancel := m.deadlineContext(opp)
	defer cancel()
	result := m.validator.Validate(ctx, opp, opp.Gate)

	m.audit.Log(&model.AuditEntry{
		ID:            result.RoundID,
		OpportunityID: id,
		Kind:          model.AuditKindConsensus,
		Reason:        result.Reason,
		Context: map[string]interface{}{
			"approved":  result.Approved,
			"agreement": result.AgreementScore,
			"votes":     len(result.Votes),
			"non_votes": result.NonVotes,
		},
		LatencyMs: result.TotalLatency.Milliseconds(),
	})

	if result.Reason == "round_abandoned" {
		m.log.Debug("consensus round abandoned", "opportunity_id", id)
		return
	}

	if !result.Approved {
		reason := "consensus: " + result.Reason
		if err := m.transition(id, model.StatePendingApproval, model.StateRejected, func(o *model.Opportunity) {
			o.Consensus = &result
			o.RejectReason = reason
		}); err == nil {
			m.closeTerminal(id, reason)
		} else {
			m.log.Debug("late consensus result discarded", "opportunity_id", id)
		}
		return
	}

	if err := m.attachConsensus(id, &result); err != nil {
		m.log.Debug("late consensus result discarded", "opportunity_id", id)
		return
	}
	m.tryExecute(id)
}

// attachConsensus stores an approving result without changing state.
func (m *Manager) attachConsensus(id string, result *model.ConsensusResult) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	updated := false
	m.reg.update(id, func(o *model.Opportunity) {
		if o.State != model.StatePendingApproval {
			return
		}
		o.Consensus = result
		o.UpdatedAt = m.now().UTC()
		updated = true
	})
	if !updated {
		return apperrors.New(apperrors.ErrInvalidState, "opportunity no longer pending", nil)
	}
	return nil
}

// tryExecute moves an approved opportunity into executing, unless the
// swarm is paused or a directing agent still has to sign off. Blocked
// opportunities queue in pending_approval; the sweep retries them.
func (m *Manager) tryExecute(id string) {
	opp, ok := m.reg.Get(id)
	if !ok || opp.State != model.StatePendingApproval {
		return
	}
	if opp.Consensus == nil || !opp.Consensus.Approved {
		return
	}
	if m.monitor.Paused() {
		m.log.Debug("execution blocked by swarm pause", "opportunity_id", id)
		return
	}
	if !m.directiveSatisfied(opp) {
		m.log.Debug("awaiting directing agent sign-off", "opportunity_id", id, "mode", opp.Mode)
		return
	}

	if err := m.transition(id, model.StatePendingApproval, model.StateExecuting, nil); err != nil {
		return
	}
	go m.execute(id)
}

func (m *Manager) execute(id string) {
	opp, ok := m.reg.Get(id)
	if !ok || opp.State != model.StateExecuting {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var receipt string
	err := m.execCB.Do(ctx, func(ctx context.Context) error {
		var execErr error
		receipt, execErr = m.executor.Execute(ctx, opp)
		return execErr
	})

	if err != nil {
		m.monitor.ReportFailure(model.WorkerExecutor, "transport", err)
		settled := model.Settlement{
			Success:   false,
			Error:     err.Error(),
			SettledAt: m.now().UTC(),
		}
		reason := "transport: " + err.Error()
		if transErr := m.transition(id, model.StateExecuting, model.StateFailed, func(o *model.Opportunity) {
			o.Settlement = &settled
			o.RejectReason = reason
		}); transErr == nil {
			m.closeTerminal(id, reason)
		}
		return
	}

	m.monitor.ReportSuccess(model.WorkerExecutor, "transport")
	m.audit.Log(&model.AuditEntry{
		ID:            uuid.New().String(),
		OpportunityID: id,
		Kind:          model.AuditKindTransition,
		Reason:        "submitted to venue",
		Context:       map[string]interface{}{"receipt": receipt},
	})
	// The opportunity stays in executing until the settlement callback.
}

// HandleSettlement applies the transport's settlement report.
func (m *Manager) HandleSettlement(ctx context.Context, req *model.SettlementRequest) (*model.Opportunity, error) {
	opp, ok := m.reg.Get(req.OpportunityID)
	if !ok {
		return nil, apperrors.NewNotFound("opportunity not found: " + req.OpportunityID)
	}
	if opp.State != model.StateExecuting {
		return nil, apperrors.New(apperrors.ErrInvalidState,
			fmt.Sprintf("settlement for opportunity in state %s", opp.State), nil)
	}

	settled := model.Settlement{
		Success:      req.Success,
		ActualProfit: req.ActualProfit,
		Cost:         req.Cost,
		Receipt:      req.Receipt,
		Error:        req.Error,
		SettledAt:    m.now().UTC(),
	}

	target := model.StateExecuted
	rootCause := ""
	if !req.Success {
		target = model.StateFailed
		rootCause = "settlement: " + req.Error
	}

	if err := m.transition(req.OpportunityID, model.StateExecuting, target, func(o *model.Opportunity) {
		o.Settlement = &settled
		if rootCause != "" {
			o.RejectReason = rootCause
		}
	}); err != nil {
		return nil, err
	}
	m.closeTerminal(req.OpportunityID, rootCause)
	return m.Get(req.OpportunityID)
}

// Directive applies an external directing agent's sign-off to a pending
// agent_directed or hybrid opportunity.
func (m *Manager) Directive(ctx context.Context, id string, req *model.DirectiveRequest) (*model.Opportunity, error) {
	opp, ok := m.reg.Get(id)
	if !ok {
		return nil, apperrors.NewNotFound("opportunity not found: " + id)
	}
	if opp.Mode == model.ModeAutonomous {
		return nil, apperrors.NewInvalidRequest("autonomous opportunities take no directives")
	}
	if opp.State != model.StatePendingApproval {
		return nil, apperrors.New(apperrors.ErrInvalidState,
			fmt.Sprintf("directive for opportunity in state %s", opp.State), nil)
	}

	m.audit.Log(&model.AuditEntry{
		ID:            uuid.New().String(),
		OpportunityID: id,
		Kind:          model.AuditKindControl,
		Actor:         req.Agent,
		Reason:        req.Note,
		Context:       map[string]interface{}{"approve": req.Approve},
	})

	if !req.Approve {
		reason := "directive rejected by " + req.Agent
		if err := m.transition(id, model.StatePendingApproval, model.StateRejected, func(o *model.Opportunity) {
			o.RejectReason = reason
		}); err != nil {
			return nil, err
		}
		m.closeTerminal(id, reason)
		return m.Get(id)
	}

	lock := m.lockFor(id)
	lock.Lock()
	m.reg.update(id, func(o *model.Opportunity) {
		if o.State == model.StatePendingApproval {
			o.Directed = true
			o.UpdatedAt = m.now().UTC()
		}
	})
	lock.Unlock()

	go m.advance(id)
	return m.Get(id)
}

// directiveSatisfied applies the execution-mode policy. The hybrid
// thresholds are configuration points; there is no urgency-based bypass.
func (m *Manager) directiveSatisfied(opp *model.Opportunity) bool {
	switch opp.Mode {
	case model.ModeAutonomous:
		return true
	case model.ModeAgentDirected:
		return opp.Directed
	case model.ModeHybrid:
		if opp.Directed {
			return true
		}
		profitLimit := decimal.NewFromFloat(m.cfg.HybridDirectiveProfit)
		risk := opp.RiskScore
		if opp.Gate != nil && opp.Gate.Score > risk {
			risk = opp.Gate.Score
		}
		overProfit := m.cfg.HybridDirectiveProfit > 0 && opp.EstProfit.GreaterThan(profitLimit)
		overRisk := m.cfg.HybridDirectiveRisk > 0 && risk > m.cfg.HybridDirectiveRisk
		return !overProfit && !overRisk
	default:
		return false
	}
}

// transition applies from→to under the per-opportunity lock, verifying
// both the transition table and that the opportunity is still in from.
// State is written before any side effect of the transition is acted on.
func (m *Manager) transition(id string, from, to model.OpportunityState, mutate func(*model.Opportunity)) error {
	if !canTransition(from, to) {
		return apperrors.New(apperrors.ErrInvalidState,
			fmt.Sprintf("illegal transition %s -> %s", from, to), nil)
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	applied := false
	found := m.reg.update(id, func(o *model.Opportunity) {
		if o.State != from {
			return
		}
		o.State = to
		o.UpdatedAt = m.now().UTC()
		if mutate != nil {
			mutate(o)
		}
		applied = true
	})
	if !found {
		return apperrors.NewNotFound("opportunity not found: " + id)
	}
	if !applied {
		return apperrors.New(apperrors.ErrInvalidState,
			fmt.Sprintf("opportunity no longer in %s", from), nil)
	}

	m.auditTransition(id, from, to, "", nil)
	m.log.Info("state transition", "opportunity_id", id, "from", from, "to", to)
	return nil
}

// sweep expires overdue opportunities and retries approved ones that were
// queued behind a pause or a missing directive.
func (m *Manager) sweep() {
	now := m.now()
	for _, id := range m.reg.NonTerminalIDs() {
		opp, ok := m.reg.Get(id)
		if !ok {
			continue
		}
		if opp.Expired(now) {
			// The only transition that needs no approval: a safety valve
			// against stuck opportunities.
			switch opp.State {
			case model.StateDetected, model.StatePendingApproval:
				if err := m.transition(id, opp.State, model.StateExpired, nil); err == nil {
					m.closeTerminal(id, "deadline expired")
				}
			}
			continue
		}
		if opp.State == model.StatePendingApproval && opp.Consensus != nil && opp.Consensus.Approved {
			m.tryExecute(id)
		}
	}
}

// closeTerminal records the pattern-memory outcome for a terminal
// opportunity. A storage failure halts intake until a later write
// succeeds; in-flight opportunities are unaffected.
func (m *Manager) closeTerminal(id, rootCause string) {
	opp, ok := m.reg.Get(id)
	if !ok || !opp.State.Terminal() {
		return
	}
	metrics.OpportunitiesTotal.WithLabelValues(string(opp.State), string(opp.Category)).Inc()

	tags := []string{string(opp.Category), string(opp.Mode), opp.Venue}
	if opp.Gate != nil && opp.Gate.StaleData {
		tags = append(tags, "stale_data")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.outcomes.Record(ctx, opp, rootCause, tags); err != nil {
		m.intakeDown.Store(true)
		m.log.Error("outcome write failed, halting intake", "opportunity_id", id, "error", err.Error())
		return
	}
	if m.intakeDown.Swap(false) {
		m.log.Info("outcome storage recovered, intake resumed")
	}
}

func (m *Manager) deadlineContext(opp *model.Opportunity) (context.Context, context.CancelFunc) {
	if opp.Deadline != nil {
		return context.WithDeadline(context.Background(), *opp.Deadline)
	}
	return context.WithCancel(context.Background())
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	val, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return val.(*sync.Mutex)
}

func (m *Manager) auditTransition(id string, from, to model.OpportunityState, reason string, ctxFields map[string]interface{}) {
	m.audit.Log(&model.AuditEntry{
		ID:            uuid.New().String(),
		OpportunityID: id,
		Kind:          model.AuditKindTransition,
		FromState:     string(from),
		ToState:       string(to),
		Reason:        reason,
		Context:       ctxFields,
	})
}
