package service

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgeswarm/edgegate/internal/model"
)

// AuditService records every decision the pipeline makes (gate verdicts,
// consensus rounds, state transitions, operator actions) to a local jsonl
// file and, when configured, Postgres. Writes are asynchronous so auditing
// never stalls a transition.
type AuditService struct {
	mu      sync.Mutex
	closed  bool
	logChan chan *model.AuditEntry
	logFile *os.File
	buffer  *auditBuffer
	repo    AuditRepo
}

type AuditRepo interface {
	Insert(ctx context.Context, entry *model.AuditEntry) error
	List(ctx context.Context, opportunityID string, limit int) ([]*model.AuditEntry, error)
}

func NewAuditService(logDir string, repo AuditRepo) (*AuditService, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	// Daily file rotation.
	filename := filepath.Join(logDir, "decisions-"+time.Now().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	svc := &AuditService{
		logChan: make(chan *model.AuditEntry, 1000),
		logFile: f,
		buffer:  newAuditBuffer(1000),
		repo:    repo,
	}
	go svc.processEntries()
	return svc, nil
}

// Log enqueues an entry. A full buffer drops the entry rather than block
// the pipeline.
func (s *AuditService) Log(entry *model.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if s.buffer != nil {
		s.buffer.Add(entry)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.logChan <- entry:
	default:
		log.Println("audit buffer full, dropping entry")
	}
}

// List serves the operator review surface: DB when available, otherwise
// the in-memory ring.
func (s *AuditService) List(ctx context.Context, opportunityID string, limit int) ([]*model.AuditEntry, error) {
	if s.repo != nil {
		entries, err := s.repo.List(ctx, opportunityID, limit)
		if err == nil {
			return entries, nil
		}
	}
	if s.buffer == nil {
		return nil, nil
	}
	return s.buffer.List(opportunityID, limit), nil
}

func (s *AuditService) processEntries() {
	encoder := json.NewEncoder(s.logFile)
	for entry := range s.logChan {
		if s.repo != nil {
			if err := s.repo.Insert(context.Background(), entry); err != nil {
				log.Printf("failed to write audit entry to DB: %v", err)
			}
		}
		if err := encoder.Encode(entry); err != nil {
			log.Printf("failed to write audit entry: %v", err)
		}
	}
}

func (s *AuditService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.logChan)
	s.mu.Unlock()
	_ = s.logFile.Close()
}

// auditBuffer keeps the most recent entries in memory for the review
// endpoint when no database is configured.
type auditBuffer struct {
	mu      sync.RWMutex
	entries []*model.AuditEntry
	max     int
	next    int
	full    bool
}

func newAuditBuffer(max int) *auditBuffer {
	return &auditBuffer{entries: make([]*model.AuditEntry, max), max: max}
}

func (b *auditBuffer) Add(entry *model.AuditEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = entry
	b.next = (b.next + 1) % b.max
	if b.next == 0 {
		b.full = true
	}
}

func (b *auditBuffer) List(opportunityID string, limit int) []*model.AuditEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	size := b.next
	if b.full {
		size = b.max
	}
	out := make([]*model.AuditEntry, 0, limit)
	// Walk backwards from the newest entry.
	for i := 0; i < size && len(out) < limit; i++ {
		idx := (b.next - 1 - i + b.max) % b.max
		entry := b.entries[idx]
		if entry == nil {
			continue
		}
		if opportunityID != "" && entry.OpportunityID != opportunityID {
			continue
		}
		out = append(out, entry)
	}
	return out
}
