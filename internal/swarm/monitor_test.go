package swarm

import (
	"errors"
	"testing"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/model"
)

func testSwarmConfig() config.SwarmConfig {
	return config.SwarmConfig{
		HeartbeatIntervalSeconds: 5,
		DegradedAfterSeconds:     15,
		UnhealthyAfterSeconds:    45,
		DeadAfterSeconds:         120,
		SweepIntervalSeconds:     5,
	}
}

func newTestMonitor(start time.Time) (*Monitor, *time.Time) {
	now := start
	m := NewMonitor(testSwarmConfig()).WithClock(func() time.Time { return now })
	return m, &now
}

func registerAll(m *Monitor) {
	m.Register(model.WorkerScanner, "s1")
	m.Register(model.WorkerValidator, "v1")
	m.Register(model.WorkerExecutor, "e1")
}

func TestMonitorClassificationByStaleness(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, now := newTestMonitor(start)
	registerAll(m)

	if got := m.Overall(); got != model.HealthHealthy {
		t.Fatalf("fresh swarm should be healthy, got %v", got)
	}

	*now = start.Add(20 * time.Second)
	if got := m.Overall(); got != model.HealthDegraded {
		t.Fatalf("20s silence should be degraded, got %v", got)
	}

	*now = start.Add(50 * time.Second)
	if got := m.Overall(); got != model.HealthUnhealthy {
		t.Fatalf("50s silence should be unhealthy, got %v", got)
	}

	*now = start.Add(121 * time.Second)
	if got := m.Overall(); got != model.HealthDead {
		t.Fatalf("121s silence should be dead, got %v", got)
	}
	if m.IntakeAllowed() {
		t.Fatal("dead swarm must refuse intake")
	}
}

func TestMonitorOverallIsWorstRequiredWorker(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, now := newTestMonitor(start)
	registerAll(m)

	// One worker goes silent; the fresh ones don't mask it.
	*now = start.Add(20 * time.Second)
	m.Heartbeat(model.WorkerScanner, "s1")
	m.Heartbeat(model.WorkerValidator, "v1")

	if got := m.Overall(); got != model.HealthDegraded {
		t.Fatalf("silent executor should degrade overall, got %v", got)
	}
}

func TestMonitorFailureStreaks(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestMonitor(start)
	registerAll(m)

	boom := errors.New("evaluation failed")
	m.ReportFailure(model.WorkerValidator, "v1", boom)
	if got := m.Overall(); got != model.HealthDegraded {
		t.Fatalf("one failure should be degraded, got %v", got)
	}

	m.ReportFailure(model.WorkerValidator, "v1", boom)
	m.ReportFailure(model.WorkerValidator, "v1", boom)
	if got := m.Overall(); got != model.HealthUnhealthy {
		t.Fatalf("three consecutive failures should be unhealthy, got %v", got)
	}

	m.ReportSuccess(model.WorkerValidator, "v1")
	if got := m.Overall(); got != model.HealthHealthy {
		t.Fatalf("success should clear the streak, got %v", got)
	}
}

func TestMonitorAutoPauseAndRecovery(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestMonitor(start)
	registerAll(m)

	boom := errors.New("down")
	for i := 0; i < 3; i++ {
		m.ReportFailure(model.WorkerExecutor, "e1", boom)
	}
	if !m.Paused() {
		t.Fatal("unhealthy swarm should auto-pause")
	}
	if !m.IntakeAllowed() {
		t.Fatal("paused swarm still accepts intake until dead")
	}

	// Health recovery clears the auto flag on the next signal.
	m.Heartbeat(model.WorkerExecutor, "e1")
	if m.Paused() {
		t.Fatal("recovered swarm should unpause")
	}
}

func TestMonitorManualPauseOutlivesRecovery(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestMonitor(start)
	registerAll(m)

	m.Pause()
	if !m.Paused() {
		t.Fatal("manual pause not set")
	}

	// Heartbeats do not clear an operator pause.
	m.Heartbeat(model.WorkerScanner, "s1")
	if !m.Paused() {
		t.Fatal("heartbeat cleared a manual pause")
	}

	m.Resume()
	if m.Paused() {
		t.Fatal("resume did not clear the manual pause")
	}
}

func TestMonitorRegisterResetsAfterRestart(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, now := newTestMonitor(start)
	registerAll(m)

	m.ReportFailure(model.WorkerScanner, "s1", errors.New("crash"))
	*now = start.Add(60 * time.Second)
	m.Register(model.WorkerScanner, "s1")

	st := m.Status()
	for _, w := range st.Workers {
		if w.Type == model.WorkerScanner && w.Instance == "s1" {
			if w.Restarts != 1 {
				t.Fatalf("expected 1 restart, got %d", w.Restarts)
			}
			if w.ConsecutiveFails != 0 {
				t.Fatalf("restart should clear failure streak, got %d", w.ConsecutiveFails)
			}
			return
		}
	}
	t.Fatal("scanner s1 missing from status")
}

func TestMonitorStatusListsBreakers(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestMonitor(start)
	registerAll(m)

	cb := m.NewBreaker("judge:alpha", 3, time.Minute)
	if again := m.NewBreaker("judge:alpha", 3, time.Minute); again != cb {
		t.Fatal("NewBreaker must return the existing breaker for a name")
	}
	cb.RecordFailure(errors.New("down"))

	st := m.Status()
	if len(st.Breakers) != 1 {
		t.Fatalf("expected 1 breaker, got %d", len(st.Breakers))
	}
	if st.Breakers[0].Name != "judge:alpha" || st.Breakers[0].State != "closed" {
		t.Fatalf("unexpected breaker status: %+v", st.Breakers[0])
	}
	if st.Breakers[0].ConsecutiveFails != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", st.Breakers[0].ConsecutiveFails)
	}
}
