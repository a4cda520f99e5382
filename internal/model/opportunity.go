package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityState is the lifecycle state of an edge.
type OpportunityState string

const (
	StateDetected        OpportunityState = "detected"
	StatePendingApproval OpportunityState = "pending_approval"
	StateExecuting       OpportunityState = "executing"
	StateExecuted        OpportunityState = "executed"
	StateFailed          OpportunityState = "failed"
	StateExpired         OpportunityState = "expired"
	StateRejected        OpportunityState = "rejected"
)

// Terminal reports whether the state admits no further transitions.
func (s OpportunityState) Terminal() bool {
	switch s {
	case StateExecuted, StateFailed, StateExpired, StateRejected:
		return true
	default:
		return false
	}
}

// Category tags the kind of edge the detection feed found.
type Category string

const (
	CategoryPriceDiscrepancy Category = "price_discrepancy"
	CategoryLiquidation      Category = "liquidation"
	CategoryBackrun          Category = "backrun"
)

// ExecutionMode controls whether a directing agent must sign off.
type ExecutionMode string

const (
	ModeAutonomous    ExecutionMode = "autonomous"
	ModeAgentDirected ExecutionMode = "agent_directed"
	ModeHybrid        ExecutionMode = "hybrid"
)

// Atomicity describes whether the action settles as one indivisible unit.
type Atomicity string

const (
	AtomicityFull    Atomicity = "atomic"
	AtomicityPartial Atomicity = "partial"
	AtomicityNone    Atomicity = "none"
)

// Settlement is the transport's report for an executed attempt.
type Settlement struct {
	Success      bool            `json:"success"`
	ActualProfit decimal.Decimal `json:"actual_profit"`
	Cost         decimal.Decimal `json:"cost"`
	Receipt      string          `json:"receipt,omitempty"`
	Error        string          `json:"error,omitempty"`
	SettledAt    time.Time       `json:"settled_at"`
}

// Opportunity is a candidate action ("edge") produced by the detection feed.
// Mutated only by the lifecycle manager; terminal states are final.
type Opportunity struct {
	ID             string           `json:"id"`
	RouteSignature string           `json:"route_signature"`
	Category       Category         `json:"category"`
	Venue          string           `json:"venue"`
	Mode           ExecutionMode    `json:"mode"`
	Atomicity      Atomicity        `json:"atomicity"`
	Counterparties []string         `json:"counterparties"`
	EstProfit      decimal.Decimal  `json:"est_profit"`
	RiskScore      float64          `json:"risk_score"` // 0-100, feed-supplied, refined by the gate
	State          OpportunityState `json:"state"`

	RejectReason string           `json:"reject_reason,omitempty"`
	Deadline     *time.Time       `json:"deadline,omitempty"`
	Settlement   *Settlement      `json:"settlement,omitempty"`
	Consensus    *ConsensusResult `json:"consensus,omitempty"`
	Gate         *GateDecision    `json:"gate,omitempty"`
	Directed     bool             `json:"directed,omitempty"` // sign-off received

	DetectedAt time.Time `json:"detected_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Expired reports whether the deadline has passed at the given instant.
func (o *Opportunity) Expired(now time.Time) bool {
	return o.Deadline != nil && now.After(*o.Deadline)
}
