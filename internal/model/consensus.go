package model

import "time"

// Consensus rejection reasons surfaced on the opportunity.
const (
	ReasonInsufficientQuorum = "insufficient_quorum"
	ReasonNoJudgesAvailable  = "no_judges_available"
	ReasonBelowThreshold     = "below_consensus_threshold"
)

// Vote is one judge's opinion in a single round. Ephemeral except as part
// of the persisted ConsensusResult.
type Vote struct {
	Judge      string        `json:"judge"`
	Approve    bool          `json:"approve"`
	Confidence float64       `json:"confidence"` // 0.0-1.0
	Reasoning  string        `json:"reasoning,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// ConsensusResult aggregates one validation round.
type ConsensusResult struct {
	Approved           bool          `json:"approved"`
	AgreementScore     float64       `json:"agreement_score"`
	WeightedConfidence float64       `json:"weighted_confidence"`
	Reason             string        `json:"reason,omitempty"`
	Summary            string        `json:"summary,omitempty"`
	Votes              []Vote        `json:"votes"`
	NonVotes           int           `json:"non_votes"`
	TotalLatency       time.Duration `json:"total_latency"`
	RoundID            string        `json:"round_id"`
}
