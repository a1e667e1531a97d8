package models

// ProbeResult holds the verdict of a liveness probe.
type ProbeResult struct {
	IsOnline  bool   `json:"is_online"`
	LatencyMs *int64 `json:"latency_ms,omitempty"`
	Output    string `json:"-"`
	Error     error  `json:"-"`
}
