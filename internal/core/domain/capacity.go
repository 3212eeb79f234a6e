package domain

// CapacityRecord tracks declared capacity vs in-flight count for a worker
// (or account). Invariant: 0 <= InFlight <= MaxConcurrent at all observable
// times; races resolve through the ledger's atomic primitive.
type CapacityRecord struct {
	Key           string `json:"key"` // worker id or account id
	MaxConcurrent int    `json:"max_concurrent"`
	InFlight      int    `json:"in_flight"`
}

// Available returns the number of free slots
func (r *CapacityRecord) Available() int {
	free := r.MaxConcurrent - r.InFlight
	if free < 0 {
		return 0
	}
	return free
}
