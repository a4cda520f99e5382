package model

import (
	"time"
)

// AuditEntry records one decision the pipeline made about an opportunity:
// a gate verdict, a consensus round, a state transition, or an operator
// action on the control surface. Entries flagged StaleData or carrying a
// quorum failure are what operators review.
type AuditEntry struct {
	ID            string `json:"id"` // request/round UUID
	OpportunityID string `json:"opportunity_id,omitempty"`
	Kind          string `json:"kind"` // gate | consensus | transition | control
	Actor         string `json:"actor,omitempty"`

	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Reason    string `json:"reason,omitempty"`
	StaleData bool   `json:"stale_data,omitempty"`

	// Free-form decision context: scores, vote tallies, breaker names.
	Context map[string]interface{} `json:"context,omitempty"`

	LatencyMs int64     `json:"latency_ms,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit kinds.
const (
	AuditKindGate       = "gate"
	AuditKindConsensus  = "consensus"
	AuditKindTransition = "transition"
	AuditKindControl    = "control"
)
