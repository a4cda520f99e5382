package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CandidateRequest is what the detection feed (or the HTTP API) submits.
type CandidateRequest struct {
	Category       Category        `json:"category" binding:"required"`
	Venue          string          `json:"venue" binding:"required"`
	Mode           ExecutionMode   `json:"mode" binding:"required,oneof=autonomous agent_directed hybrid"`
	Atomicity      Atomicity       `json:"atomicity,omitempty"`
	Counterparties []string        `json:"counterparties" binding:"required,min=1"`
	EstProfit      decimal.Decimal `json:"est_profit"`
	RiskScore      float64         `json:"risk_score"`
	DeadlineUnix   int64           `json:"deadline,omitempty"` // unix seconds
}

// Deadline resolves the optional unix deadline into a time pointer.
func (r *CandidateRequest) Deadline() *time.Time {
	if r.DeadlineUnix <= 0 {
		return nil
	}
	t := time.Unix(r.DeadlineUnix, 0).UTC()
	return &t
}

// SettlementRequest is the execution transport's callback payload.
type SettlementRequest struct {
	OpportunityID string          `json:"opportunity_id" binding:"required"`
	Success       bool            `json:"success"`
	ActualProfit  decimal.Decimal `json:"actual_profit"`
	Cost          decimal.Decimal `json:"cost"`
	Receipt       string          `json:"receipt,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// DirectiveRequest carries an external directing agent's sign-off.
type DirectiveRequest struct {
	Approve bool   `json:"approve"`
	Agent   string `json:"agent" binding:"required"`
	Note    string `json:"note,omitempty"`
}

// OpportunityFilter narrows list queries on the status surface.
type OpportunityFilter struct {
	State    OpportunityState
	Category Category
	Mode     ExecutionMode
	Venue    string
	Limit    int
}
