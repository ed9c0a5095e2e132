package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the user-facing lifecycle state of a job
type JobStatus string

const (
	JobStatusAccepted           JobStatus = "accepted"
	JobStatusPreviewing         JobStatus = "previewing"
	JobStatusRunning            JobStatus = "running"
	JobStatusPaused             JobStatus = "paused"
	JobStatusCanceled           JobStatus = "canceled"
	JobStatusSuccessful         JobStatus = "successful"
	JobStatusCompleteWithErrors JobStatus = "complete_with_errors"
	JobStatusFailed             JobStatus = "failed"
)

// allowedTransitions is the complete job status machine. Transitions are
// monotonic except paused<->running; terminal states are absorbing.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusAccepted:   {JobStatusPreviewing, JobStatusRunning, JobStatusCanceled, JobStatusFailed},
	JobStatusPreviewing: {JobStatusRunning, JobStatusPaused, JobStatusCanceled, JobStatusFailed},
	JobStatusRunning:    {JobStatusPaused, JobStatusCanceled, JobStatusSuccessful, JobStatusCompleteWithErrors, JobStatusFailed},
	JobStatusPaused:     {JobStatusRunning, JobStatusCanceled, JobStatusFailed},
}

// IsTerminal reports whether the status is absorbing
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCanceled, JobStatusSuccessful, JobStatusCompleteWithErrors, JobStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status machine permits from->to
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RelatedLink is a user-visible output artifact reference
type RelatedLink struct {
	Href      string     `json:"href"`
	Title     string     `json:"title,omitempty"`
	Rel       string     `json:"rel,omitempty"`
	Type      string     `json:"type,omitempty"`
	BBox      []float64  `json:"bbox,omitempty"`
	Temporal  *TimeRange `json:"temporal,omitempty"`
}

// TimeRange is a closed temporal interval in UTC
type TimeRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Job is the user-facing unit of work. Created by the planner, mutated by
// the scheduler, coordinator, and failure policy, frozen on terminal status.
type Job struct {
	JobID            string               `json:"jobID"`
	RequestID        string               `json:"requestID"`
	Username         string               `json:"username"`
	Status           JobStatus            `json:"status"`
	Progress         int                  `json:"progress"`
	Message          string               `json:"message,omitempty"`
	Messages         map[JobStatus]string `json:"-"`
	OriginalRequest  string               `json:"request"`
	IsAsync          bool                 `json:"isAsync"`
	NumInputGranules int                  `json:"numInputGranules"`
	CollectionIDs    []string             `json:"collectionIds"`
	IgnoreErrors     bool                 `json:"ignoreErrors"`
	DestinationURL   string               `json:"destinationUrl,omitempty"`
	ServiceName      string               `json:"serviceName,omitempty"`
	ProviderID       string               `json:"providerId,omitempty"`
	Labels           []string             `json:"labels,omitempty"`
	Links            []RelatedLink        `json:"links,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// NewJob creates a job in the accepted state
func NewJob(requestID, username, originalRequest string) *Job {
	now := time.Now().UTC()
	return &Job{
		JobID:           uuid.New().String(),
		RequestID:       requestID,
		Username:        username,
		Status:          JobStatusAccepted,
		Progress:        0,
		OriginalRequest: originalRequest,
		IsAsync:         true,
		Messages:        make(map[JobStatus]string),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Transition moves the job to a new status, enforcing the status machine.
// Terminal -> anything is rejected, as is any transition outside the map.
func (j *Job) Transition(to JobStatus, message string) error {
	if j.Status == to {
		if message != "" {
			j.Message = message
		}
		return nil
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("job %s is already %s and cannot become %s", j.JobID, j.Status, to)
	}
	if !j.Status.CanTransitionTo(to) {
		return fmt.Errorf("invalid job status transition %s -> %s", j.Status, to)
	}
	j.Status = to
	if message != "" {
		j.Message = message
	} else if def, ok := defaultStatusMessages[to]; ok {
		j.Message = def
	}
	if j.Messages == nil {
		j.Messages = make(map[JobStatus]string)
	}
	j.Messages[to] = j.Message
	j.UpdatedAt = time.Now().UTC()
	return nil
}

var defaultStatusMessages = map[JobStatus]string{
	JobStatusAccepted:           "The job has been accepted and is waiting to be processed",
	JobStatusPreviewing:         "The job is generating a preview before auto-pausing",
	JobStatusRunning:            "The job is being processed",
	JobStatusPaused:             "The job is paused and may be resumed using the provided link",
	JobStatusCanceled:           "Canceled by user",
	JobStatusSuccessful:         "The job has completed successfully",
	JobStatusCompleteWithErrors: "The job has completed with errors. See the errors field for more details",
	JobStatusFailed:             "The job failed with an unknown error",
}

// DefaultMessageFor returns the built-in user message for a status
func DefaultMessageFor(status JobStatus) string {
	return defaultStatusMessages[status]
}

// ProviderIDFromCollection extracts the provider token from a CMR collection
// concept id, e.g. "C1233800302-EEDTEST" -> "EEDTEST".
func ProviderIDFromCollection(collectionID string) string {
	if idx := strings.LastIndex(collectionID, "-"); idx >= 0 && idx < len(collectionID)-1 {
		return collectionID[idx+1:]
	}
	return ""
}

// NormalizeLabel lower-cases and trims a label value
func NormalizeLabel(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
