package domain

import "time"

// ConnectionValidationResult records whether a worker could satisfy a
// routing criteria, with an expiry. Keyed by (worker, criteria), newest
// write wins; expired entries are treated as absent, not deleted eagerly.
type ConnectionValidationResult struct {
	WorkerID   string    `json:"worker_id"`
	Criteria   string    `json:"criteria"`
	Validated  bool      `json:"validated"`
	DurationMs int64     `json:"duration_ms"`
	ValidUntil time.Time `json:"valid_until"`
}

// Expired reports whether the entry should be treated as a cache miss
func (r *ConnectionValidationResult) Expired(now time.Time) bool {
	return now.After(r.ValidUntil)
}
