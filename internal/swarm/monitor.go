package swarm

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/logger"
	"github.com/edgeswarm/edgegate/internal/pkg/metrics"
)

// requiredWorkerTypes are the roles that must be alive for the swarm to be
// considered operational. Overall health is the worst state among these.
var requiredWorkerTypes = []model.WorkerType{
	model.WorkerScanner,
	model.WorkerValidator,
	model.WorkerExecutor,
}

type workerRecord struct {
	typ       model.WorkerType
	instance  string
	startedAt time.Time
	lastBeat  time.Time
	fails     int
	restarts  int
	lastError string
}

// Monitor tracks worker liveness, owns every circuit breaker, and holds the
// global pause flag. It is an injectable service, not a global: the
// lifecycle manager and the validator both receive the same instance.
type Monitor struct {
	cfg config.SwarmConfig
	now func() time.Time
	log interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
	}

	mu       sync.RWMutex
	workers  map[string]*workerRecord // key: type/instance
	breakers map[string]*CircuitBreaker

	manualPause atomic.Bool
	autoPause   atomic.Bool

	cancel context.CancelFunc
}

func NewMonitor(cfg config.SwarmConfig) *Monitor {
	return &Monitor{
		cfg:      cfg,
		now:      time.Now,
		log:      logger.Component("swarm-monitor"),
		workers:  make(map[string]*workerRecord),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// WithClock overrides the time source for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Start launches the periodic sweep. It never blocks on business logic.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	interval := time.Duration(m.cfg.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
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

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Register adds a worker instance (or resets it after a restart).
func (m *Monitor) Register(typ model.WorkerType, instance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workerKey(typ, instance)
	if rec, ok := m.workers[key]; ok {
		rec.restarts++
		rec.lastBeat = m.now()
		rec.fails = 0
		rec.lastError = ""
		return
	}
	m.workers[key] = &workerRecord{
		typ:       typ,
		instance:  instance,
		startedAt: m.now(),
		lastBeat:  m.now(),
	}
}

// Heartbeat records liveness for a worker and clears its failure streak.
func (m *Monitor) Heartbeat(typ model.WorkerType, instance string) {
	m.mu.Lock()
	key := workerKey(typ, instance)
	rec, ok := m.workers[key]
	if !ok {
		rec = &workerRecord{typ: typ, instance: instance, startedAt: m.now()}
		m.workers[key] = rec
	}
	rec.lastBeat = m.now()
	rec.fails = 0
	m.mu.Unlock()
	m.recompute()
}

// ReportFailure bumps a worker's consecutive failure count.
func (m *Monitor) ReportFailure(typ model.WorkerType, instance string, err error) {
	m.mu.Lock()
	key := workerKey(typ, instance)
	rec, ok := m.workers[key]
	if !ok {
		rec = &workerRecord{typ: typ, instance: instance, startedAt: m.now(), lastBeat: m.now()}
		m.workers[key] = rec
	}
	rec.fails++
	if err != nil {
		rec.lastError = err.Error()
	}
	m.mu.Unlock()
	m.recompute()
}

// ReportSuccess clears a worker's failure streak without touching the
// heartbeat clock.
func (m *Monitor) ReportSuccess(typ model.WorkerType, instance string) {
	m.mu.Lock()
	if rec, ok := m.workers[workerKey(typ, instance)]; ok {
		rec.fails = 0
		rec.lastError = ""
	}
	m.mu.Unlock()
	m.recompute()
}

func (m *Monitor) classify(rec *workerRecord, now time.Time) model.HealthState {
	elapsed := now.Sub(rec.lastBeat)
	dead := time.Duration(m.cfg.DeadAfterSeconds) * time.Second
	unhealthy := time.Duration(m.cfg.UnhealthyAfterSeconds) * time.Second
	degraded := time.Duration(m.cfg.DegradedAfterSeconds) * time.Second

	switch {
	case dead > 0 && elapsed >= dead:
		return model.HealthDead
	case (unhealthy > 0 && elapsed >= unhealthy) || rec.fails >= 3:
		return model.HealthUnhealthy
	case (degraded > 0 && elapsed >= degraded) || rec.fails >= 1:
		return model.HealthDegraded
	default:
		return model.HealthHealthy
	}
}

// Overall is the worst individual state among required worker types.
func (m *Monitor) Overall() model.HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked(m.now())
}

func (m *Monitor) overallLocked(now time.Time) model.HealthState {
	worst := model.HealthHealthy
	for _, rec := range m.workers {
		if !isRequiredType(rec.typ) {
			continue
		}
		if st := m.classify(rec, now); st > worst {
			worst = st
		}
	}
	return worst
}

// Paused reports whether execution transitions are blocked, either by an
// operator or by degraded swarm health.
func (m *Monitor) Paused() bool {
	return m.manualPause.Load() || m.autoPause.Load()
}

// IntakeAllowed gates acceptance of new opportunities. Only a dead swarm
// refuses intake; a paused swarm still queues work.
func (m *Monitor) IntakeAllowed() bool {
	return m.Overall() != model.HealthDead
}

// Pause sets the operator pause flag.
func (m *Monitor) Pause() {
	m.manualPause.Store(true)
	metrics.SwarmPaused.Set(1)
	m.log.Warn("swarm paused by operator")
}

// Resume clears the operator pause flag. The auto flag stays until health
// actually recovers.
func (m *Monitor) Resume() {
	m.manualPause.Store(false)
	if !m.autoPause.Load() {
		metrics.SwarmPaused.Set(0)
	}
	m.log.Info("swarm resumed by operator")
}

func (m *Monitor) recompute() {
	overall := m.Overall()
	wasAuto := m.autoPause.Load()
	shouldPause := overall >= model.HealthUnhealthy
	if shouldPause && !wasAuto {
		m.autoPause.Store(true)
		metrics.SwarmPaused.Set(1)
		m.log.Warn("swarm auto-paused", "overall", overall.String())
	} else if !shouldPause && wasAuto {
		m.autoPause.Store(false)
		if !m.manualPause.Load() {
			metrics.SwarmPaused.Set(0)
		}
		m.log.Info("swarm health recovered", "overall", overall.String())
	}
}

func (m *Monitor) sweep() {
	// Heartbeat staleness changes classification as time passes even when
	// nothing reports, so the pause flag is re-evaluated on a timer.
	m.recompute()
}

// NewBreaker creates (or returns) the named circuit breaker. Breakers are
// owned here so the status surface can enumerate them.
func (m *Monitor) NewBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, threshold, cooldown)
	cb.now = m.now
	m.breakers[name] = cb
	return cb
}

// Status snapshots workers and breakers for the status surface.
func (m *Monitor) Status() model.SwarmStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()

	workers := make([]model.WorkerHealth, 0, len(m.workers))
	for _, rec := range m.workers {
		workers = append(workers, model.WorkerHealth{
			Type:             rec.typ,
			Instance:         rec.instance,
			State:            m.classify(rec, now),
			SecondsSinceBeat: now.Sub(rec.lastBeat).Seconds(),
			ConsecutiveFails: rec.fails,
			Restarts:         rec.restarts,
			StartedAt:        rec.startedAt,
			LastError:        rec.lastError,
		})
	}
	sort.Slice(workers, func(i, j int) bool {
		if workers[i].Type != workers[j].Type {
			return workers[i].Type < workers[j].Type
		}
		return workers[i].Instance < workers[j].Instance
	})

	breakers := make([]model.BreakerStatus, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb.Status())
	}
	sort.Slice(breakers, func(i, j int) bool { return breakers[i].Name < breakers[j].Name })

	return model.SwarmStatus{
		Overall:  m.overallLocked(now).String(),
		Paused:   m.Paused(),
		Workers:  workers,
		Breakers: breakers,
	}
}

func workerKey(typ model.WorkerType, instance string) string {
	return string(typ) + "/" + instance
}

func isRequiredType(typ model.WorkerType) bool {
	for _, t := range requiredWorkerTypes {
		if t == typ {
			return true
		}
	}
	return false
}
