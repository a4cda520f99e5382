package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edgeswarm/edgegate/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// outcomeRow is the pattern-memory record written on every terminal state.
type outcomeRow struct {
	OpportunityID string    `gorm:"column:opportunity_id;primaryKey"`
	Category      string    `gorm:"column:category;index"`
	Venue         string    `gorm:"column:venue"`
	Mode          string    `gorm:"column:mode"`
	State         string    `gorm:"column:state;index"`
	EstProfit     string    `gorm:"column:est_profit"`
	ActualProfit  string    `gorm:"column:actual_profit"`
	Cost          string    `gorm:"column:cost"`
	RootCause     string    `gorm:"column:root_cause"`
	Tags          []byte    `gorm:"column:tags;type:jsonb"`
	DetectedAt    time.Time `gorm:"column:detected_at"`
	ClosedAt      time.Time `gorm:"column:closed_at;index"`
}

func (outcomeRow) TableName() string { return "outcomes" }

// threatRecordRow seeds the gate with historically bad counterparties.
type threatRecordRow struct {
	Counterparty string    `gorm:"column:counterparty;primaryKey"`
	Score        float64   `gorm:"column:score"`
	Factors      []byte    `gorm:"column:factors;type:jsonb"`
	Confidence   float64   `gorm:"column:confidence"`
	ComputedAt   time.Time `gorm:"column:computed_at"`
}

func (threatRecordRow) TableName() string { return "threat_records" }

type PostgresOutcomeRepo struct {
	db *gorm.DB
}

func NewPostgresOutcomeRepo(db *gorm.DB) *PostgresOutcomeRepo {
	repo := &PostgresOutcomeRepo{db: db}
	_ = db.AutoMigrate(&outcomeRow{}, &threatRecordRow{})
	return repo
}

// Record persists the terminal outcome of an opportunity. Upsert keyed on
// opportunity id keeps the write idempotent if a settlement is replayed.
func (r *PostgresOutcomeRepo) Record(ctx context.Context, opp *model.Opportunity, rootCause string, tags []string) error {
	row := outcomeRow{
		OpportunityID: opp.ID,
		Category:      string(opp.Category),
		Venue:         opp.Venue,
		Mode:          string(opp.Mode),
		State:         string(opp.State),
		EstProfit:     opp.EstProfit.String(),
		RootCause:     rootCause,
		DetectedAt:    opp.DetectedAt,
		ClosedAt:      opp.UpdatedAt,
	}
	if opp.Settlement != nil {
		row.ActualProfit = opp.Settlement.ActualProfit.String()
		row.Cost = opp.Settlement.Cost.String()
	}
	if len(tags) > 0 {
		row.Tags, _ = json.Marshal(tags)
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "opportunity_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// KnownThreats loads seed threat records so the gate starts warm.
func (r *PostgresOutcomeRepo) KnownThreats(ctx context.Context) ([]model.ThreatScore, error) {
	var rows []threatRecordRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	scores := make([]model.ThreatScore, 0, len(rows))
	for _, row := range rows {
		score := model.ThreatScore{
			Counterparty: row.Counterparty,
			Score:        row.Score,
			Confidence:   row.Confidence,
			ComputedAt:   row.ComputedAt,
			Factors:      map[string]float64{},
		}
		if len(row.Factors) > 0 {
			_ = json.Unmarshal(row.Factors, &score.Factors)
		}
		scores = append(scores, score)
	}
	return scores, nil
}

// SaveThreat writes back a recomputed score so future restarts seed from it.
func (r *PostgresOutcomeRepo) SaveThreat(ctx context.Context, score model.ThreatScore) error {
	factors, _ := json.Marshal(score.Factors)
	row := threatRecordRow{
		Counterparty: score.Counterparty,
		Score:        score.Score,
		Factors:      factors,
		Confidence:   score.Confidence,
		ComputedAt:   score.ComputedAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "counterparty"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// Cleanup drops outcomes older than the retention window.
func (r *PostgresOutcomeRepo) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return r.db.WithContext(ctx).Where("closed_at < ?", cutoff).Delete(&outcomeRow{}).Error
}
