package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// HealthState classifies a single worker.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthUnhealthy
	HealthDead
)

// MarshalJSON renders the state name, not the ordinal.
func (h HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *HealthState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "healthy":
		*h = HealthHealthy
	case "degraded":
		*h = HealthDegraded
	case "unhealthy":
		*h = HealthUnhealthy
	case "dead":
		*h = HealthDead
	default:
		return fmt.Errorf("unknown health state %q", name)
	}
	return nil
}

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthDead:
		return "dead"
	default:
		return "unknown"
	}
}

// WorkerType identifies what role a swarm worker plays.
type WorkerType string

const (
	WorkerScanner   WorkerType = "scanner"
	WorkerValidator WorkerType = "validator"
	WorkerExecutor  WorkerType = "executor"
)

// WorkerHealth is the per-instance record kept by the swarm monitor.
type WorkerHealth struct {
	Type             WorkerType  `json:"type"`
	Instance         string      `json:"instance"`
	State            HealthState `json:"state"`
	SecondsSinceBeat float64     `json:"seconds_since_heartbeat"`
	ConsecutiveFails int         `json:"consecutive_failures"`
	Restarts         int         `json:"restarts"`
	StartedAt        time.Time   `json:"started_at"`
	LastError        string      `json:"last_error,omitempty"`
}

// BreakerStatus is the externally visible view of one circuit breaker.
type BreakerStatus struct {
	Name             string    `json:"name"`
	State            string    `json:"state"` // closed | open | half-open
	ConsecutiveFails int       `json:"consecutive_failures"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
}

// SwarmStatus is returned by the health endpoint.
type SwarmStatus struct {
	Overall  string          `json:"overall"`
	Paused   bool            `json:"paused"`
	Workers  []WorkerHealth  `json:"workers"`
	Breakers []BreakerStatus `json:"breakers,omitempty"`
}
