package stage

import "time"

// Health summarizes the readiness of a stage worker.
type Health struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Detail    string    `json:"detail,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	Processed int64     `json:"processed"`
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
