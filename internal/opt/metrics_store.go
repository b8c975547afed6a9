package opt

import (
	"sync"
	"time"
)

// Metrics summarises one assignment run.
type Metrics struct {
	Mode                 string    `json:"mode"`
	Areas                int       `json:"areas"`
	Trucks               int       `json:"trucks"`
	Delivered            int       `json:"delivered"`
	UnfulfilledTime      int       `json:"unfulfilledTimeConstraint"`
	UnfulfilledResources int       `json:"unfulfilledInsufficientResources"`
	Comparisons          int       `json:"comparisons"`
	DurationMs           float64   `json:"durationMs"`
	RecordedAt           time.Time `json:"recordedAt"`
}

var (
	mu    sync.Mutex
	store = map[string]Metrics{}
)

// RecordMetrics keeps the latest run metrics per mode.
func RecordMetrics(m Metrics) {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	mu.Lock()
	store[m.Mode] = m
	mu.Unlock()
}

func GetMetrics() map[string]Metrics {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]Metrics, len(store))
	for k, v := range store {
		out[k] = v
	}
	return out
}

func resetMetrics() {
	mu.Lock()
	store = map[string]Metrics{}
	mu.Unlock()
}
