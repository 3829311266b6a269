package models

import (
	"encoding/json"
	"time"
)

// CheckJSONSafe rejects a value that cannot be JSON-encoded. Data
// bags are validated with it at the API boundary, before any state is
// mutated, so Clone and the store never see an unencodable record.
func CheckJSONSafe(what string, v any) error {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return ValidationErr("%s is not JSON-encodable: %v", what, err)
	}
	return nil
}

// Clone deep-copies a run through its JSON form. Mutators snapshot
// under their lock and persist the snapshot outside it, so shared
// data bags must not alias the live record.
func (r *PipelineRun) Clone() *PipelineRun {
	raw, err := json.Marshal(r)
	if err != nil {
		// unreachable: data bags are checked at the boundary
		panic(err)
	}
	var out PipelineRun
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

// AggregatedMetrics summarizes terminal runs over a query window.
type AggregatedMetrics struct {
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	TotalRuns   int           `json:"total_runs"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	TimedOut    int           `json:"timed_out"`
	AvgDuration time.Duration `json:"avg_duration"`
	SuccessRate float64       `json:"success_rate"`
	ErrorRate   float64       `json:"error_rate"`
	// completed runs per minute across the window
	Throughput float64 `json:"throughput"`
}
