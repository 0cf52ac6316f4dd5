package machinestate

import "time"

// LiveThreshold is how long after its last update a machine counts as live.
const LiveThreshold = 3000 * time.Millisecond

// Liveness classifies a machine by the age of its last update.
type Liveness string

const (
	Live    Liveness = "LIVE"
	Stale   Liveness = "STALE"
	Unknown Liveness = "UNKNOWN"
)

// Status is the projection returned to readers. AgeMs and LastUpdateAt are
// nil for machines that never reported.
type Status struct {
	Status       Liveness   `json:"status"`
	AgeMs        *int64     `json:"ageMs"`
	LastUpdateAt *time.Time `json:"lastUpdateAt"`
}

// Project derives liveness from the last update time. A zero lastUpdate
// means the machine never reported.
func Project(lastUpdate, now time.Time) Status {
	if lastUpdate.IsZero() {
		return Status{Status: Unknown}
	}

	age := now.Sub(lastUpdate)
	if age < 0 {
		age = 0
	}
	ageMs := age.Milliseconds()
	last := lastUpdate

	st := Stale
	if age < LiveThreshold {
		st = Live
	}
	return Status{Status: st, AgeMs: &ageMs, LastUpdateAt: &last}
}
