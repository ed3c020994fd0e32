package scheduler

import "time"

// State is a sink worker's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateFlushing State = "flushing"
	// StateDegraded means the failure threshold was reached; retries continue.
	StateDegraded State = "degraded"
	// StateDisabled is terminal, entered after a fatal error.
	StateDisabled State = "disabled"
)

func (s State) gauge() float64 {
	switch s {
	case StateFlushing:
		return 1
	case StateDegraded:
		return 2
	case StateDisabled:
		return 3
	}
	return 0
}

// SinkStatus is a snapshot of one sink's export progress and health.
type SinkStatus struct {
	Name                string     `json:"name"`
	Kind                string     `json:"kind"`
	State               State      `json:"state"`
	Healthy             bool       `json:"healthy"`
	LastExportedID      uint64     `json:"last_exported_id"`
	Lag                 uint64     `json:"lag"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastFlushAt         *time.Time `json:"last_flush_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
}
