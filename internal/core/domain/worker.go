package domain

import "time"

type WorkerStatus string

const (
	WorkerStatusActive   WorkerStatus = "ACTIVE"
	WorkerStatusInactive WorkerStatus = "INACTIVE"
)

type WorkerType string

const (
	WorkerTypeStandard WorkerType = "STANDARD"
	// WorkerTypeFixedPool is the legacy fixed-pool fleet (ECS style) that
	// re-registers wholesale on every heartbeat instead of sending an
	// incremental update. Compatibility branch, keep it named.
	WorkerTypeFixedPool WorkerType = "FIXED_POOL"
)

// Worker represents a remote polling agent registered with the control plane
type Worker struct {
	ID               string       `json:"id"`
	AccountID        string       `json:"account_id"`
	Hostname         string       `json:"hostname"`
	Version          string       `json:"version"`
	Type             WorkerType   `json:"type"`
	Status           WorkerStatus `json:"status"`
	PollingMode      bool         `json:"polling_mode"`
	Immutable        bool         `json:"immutable"` // allowlist gating applies
	ConnectedViaMTLS bool         `json:"connected_via_mtls"`
	DeclaredCapacity int          `json:"declared_capacity"`
	Tags             []string     `json:"tags"`
	RandomToken      string       `json:"random_token"` // rotated on register, detects restarts
	EventCursor      int64        `json:"event_cursor"`
	LastHeartbeatAt  time.Time    `json:"last_heartbeat_at"`
}

// Stale reports whether the worker missed its liveness window. Stale workers
// stay in the registry but drop out of dispatch eligibility.
func (w *Worker) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastHeartbeatAt) > threshold
}

// HasTags reports whether every required selector is present on the worker
func (w *Worker) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	owned := make(map[string]struct{}, len(w.Tags))
	for _, t := range w.Tags {
		owned[t] = struct{}{}
	}
	for _, r := range required {
		if _, ok := owned[r]; !ok {
			return false
		}
	}
	return true
}
