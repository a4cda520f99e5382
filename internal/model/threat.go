package model

import "time"

// Hard-block factor keys. A counterparty carrying any of these is rejected
// outright, whatever its aggregate score.
const (
	FactorBlacklistAuthority = "blacklist_authority"
	FactorConfirmedRug       = "confirmed_rug"
)

// Soft factor keys, weighed into the aggregate score.
const (
	FactorMintAuthority       = "mint_authority"
	FactorFreezeAuthority     = "freeze_authority"
	FactorHolderConcentration = "holder_concentration"
	FactorWashTrading         = "wash_trading"
)

// ThreatScore is the per-counterparty risk record produced by the gate.
// Read-only outside the gate.
type ThreatScore struct {
	Counterparty string             `json:"counterparty"`
	Score        float64            `json:"score"` // 0-100
	Factors      map[string]float64 `json:"factors"`
	Confidence   float64            `json:"confidence"`
	ComputedAt   time.Time          `json:"computed_at"`
}

// HardBlocked returns the first hard-block factor present, if any.
func (t *ThreatScore) HardBlocked() (string, bool) {
	for _, key := range []string{FactorBlacklistAuthority, FactorConfirmedRug} {
		if v, ok := t.Factors[key]; ok && v > 0 {
			return key, true
		}
	}
	return "", false
}

// Fresh reports whether the score is younger than the freshness window.
func (t *ThreatScore) Fresh(window time.Duration, now time.Time) bool {
	return now.Sub(t.ComputedAt) <= window
}

// GateDecision is the outcome of the risk/threat gate for one opportunity.
type GateDecision struct {
	Admit     bool                   `json:"admit"`
	Score     float64                `json:"score"` // worst counterparty score
	Factors   map[string]float64     `json:"factors,omitempty"`
	Scores    map[string]ThreatScore `json:"scores,omitempty"`
	StaleData bool                   `json:"stale_data,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}
