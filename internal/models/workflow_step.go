package models

import (
	"time"
)

// WorkflowStep is a single stage of a service chain. Steps are created once
// at job start and mutated only through their work item counters.
type WorkflowStep struct {
	ID               int64     `json:"id"`
	JobID            string    `json:"jobID"`
	StepIndex        int       `json:"stepIndex"` // 1-based
	ServiceID        string    `json:"serviceID"` // Container image id
	Operation        string    `json:"operation"` // Step-specialized serialized operation
	ExpectedCount    int       `json:"workItemCount"`
	CreatedCount     int       `json:"createdCount"`
	SuccessfulCount  int       `json:"successfulCount"`
	FailedCount      int       `json:"failedCount"`
	AggregatedOutput bool      `json:"hasAggregatedOutput"`
	IsBatched        bool      `json:"isBatched"`
	IsSequential     bool      `json:"isSequential"`
	MaxBatchInputs   int       `json:"maxBatchInputs,omitempty"`
	MaxBatchBytes    int64     `json:"maxBatchSizeInBytes,omitempty"`
	ProgressWeight   float64   `json:"progressWeight"`
	IsComplete       bool      `json:"isComplete"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// IsTerminalUnder reports whether the step has finished under the given
// error policy. With ignore-errors every expected item must be terminal;
// under strict policy any failure ends the step. A step that never received
// items finishes only when it is explicitly closed.
func (s *WorkflowStep) IsTerminalUnder(ignoreErrors bool) bool {
	if s.ExpectedCount <= 0 {
		return s.IsComplete
	}
	if !ignoreErrors && s.FailedCount > 0 {
		return true
	}
	return s.SuccessfulCount+s.FailedCount >= s.ExpectedCount
}

// CompletedFraction returns the step's progress contribution in [0,1]
func (s *WorkflowStep) CompletedFraction() float64 {
	if s.ExpectedCount <= 0 {
		if s.IsComplete {
			return 1
		}
		return 0
	}
	done := s.SuccessfulCount + s.FailedCount
	if done > s.ExpectedCount {
		done = s.ExpectedCount
	}
	return float64(done) / float64(s.ExpectedCount)
}

// JobProgress computes weighted progress across a job's steps, 0..100.
// Terminal progress (100) is reserved for the job-level transition.
func JobProgress(steps []*WorkflowStep) int {
	var total, done float64
	for _, s := range steps {
		w := s.ProgressWeight
		if w <= 0 {
			w = 1
		}
		total += w
		done += w * s.CompletedFraction()
	}
	if total == 0 {
		return 0
	}
	p := int(done / total * 100)
	if p > 99 {
		p = 99
	}
	return p
}
