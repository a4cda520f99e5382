package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edgeswarm/edgegate/internal/model"
	"gorm.io/gorm"
)

type auditRow struct {
	ID            string    `gorm:"column:id;primaryKey"`
	OpportunityID string    `gorm:"column:opportunity_id;index"`
	Kind          string    `gorm:"column:kind;index"`
	Actor         string    `gorm:"column:actor"`
	FromState     string    `gorm:"column:from_state"`
	ToState       string    `gorm:"column:to_state"`
	Reason        string    `gorm:"column:reason"`
	StaleData     bool      `gorm:"column:stale_data"`
	Context       []byte    `gorm:"column:context;type:jsonb"`
	LatencyMs     int64     `gorm:"column:latency_ms"`
	CreatedAt     time.Time `gorm:"column:created_at;index"`
}

func (auditRow) TableName() string { return "decision_audit" }

type PostgresAuditRepo struct {
	db *gorm.DB
}

func NewPostgresAuditRepo(db *gorm.DB) *PostgresAuditRepo {
	repo := &PostgresAuditRepo{db: db}
	_ = db.AutoMigrate(&auditRow{})
	return repo
}

func (r *PostgresAuditRepo) Insert(ctx context.Context, entry *model.AuditEntry) error {
	row := auditRow{
		ID:            entry.ID,
		OpportunityID: entry.OpportunityID,
		Kind:          entry.Kind,
		Actor:         entry.Actor,
		FromState:     entry.FromState,
		ToState:       entry.ToState,
		Reason:        entry.Reason,
		StaleData:     entry.StaleData,
		LatencyMs:     entry.LatencyMs,
		CreatedAt:     entry.CreatedAt,
	}
	if len(entry.Context) > 0 {
		row.Context, _ = json.Marshal(entry.Context)
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *PostgresAuditRepo) List(ctx context.Context, opportunityID string, limit int) ([]*model.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Model(&auditRow{}).Order("created_at DESC").Limit(limit)
	if opportunityID != "" {
		q = q.Where("opportunity_id = ?", opportunityID)
	}
	var rows []auditRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]*model.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry := &model.AuditEntry{
			ID:            row.ID,
			OpportunityID: row.OpportunityID,
			Kind:          row.Kind,
			Actor:         row.Actor,
			FromState:     row.FromState,
			ToState:       row.ToState,
			Reason:        row.Reason,
			StaleData:     row.StaleData,
			LatencyMs:     row.LatencyMs,
			CreatedAt:     row.CreatedAt,
		}
		if len(row.Context) > 0 {
			_ = json.Unmarshal(row.Context, &entry.Context)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *PostgresAuditRepo) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&auditRow{}).Error
}
