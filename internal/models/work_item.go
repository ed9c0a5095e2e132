package models

import (
	"fmt"
	"time"
)

// WorkItemStatus represents the execution state of a single work item
type WorkItemStatus string

const (
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusQueued     WorkItemStatus = "queued"
	WorkItemStatusRunning    WorkItemStatus = "running"
	WorkItemStatusSuccessful WorkItemStatus = "successful"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusCanceled   WorkItemStatus = "canceled"
)

// IsTerminal reports whether the item status is final
func (s WorkItemStatus) IsTerminal() bool {
	switch s {
	case WorkItemStatusSuccessful, WorkItemStatusFailed, WorkItemStatusCanceled:
		return true
	}
	return false
}

// WorkItem is the smallest unit of execution: one container invocation.
// An item carries either a scroll id (query-cmr step) or STAC inputs from the
// previous step, never both and never neither.
type WorkItem struct {
	ID              int64          `json:"id"`
	JobID           string         `json:"jobID"`
	ServiceID       string         `json:"serviceID"`
	StepIndex       int            `json:"workflowStepIndex"`
	Status          WorkItemStatus `json:"status"`
	ScrollID        string         `json:"scrollID,omitempty"`
	StacCatalogs    []string       `json:"stacCatalogLocations,omitempty"` // Inputs from the prior step
	Operation       string         `json:"operation,omitempty"`            // Serialized step operation
	Results         []string       `json:"results,omitempty"`              // Output STAC catalog URLs
	TotalItemsSize  int64          `json:"totalItemsSize"`
	OutputItemSizes []int64        `json:"outputItemSizes,omitempty"`
	RetryCount      int            `json:"retryCount"`
	PodName         string         `json:"podName,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	SortKey         int64          `json:"sortIndex"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Validate checks the scroll-id-xor-inputs invariant
func (w *WorkItem) Validate() error {
	hasScroll := w.ScrollID != ""
	hasInputs := len(w.StacCatalogs) > 0
	if hasScroll && hasInputs {
		return fmt.Errorf("work item cannot carry both a scroll id and prior step inputs")
	}
	if !hasScroll && !hasInputs {
		return fmt.Errorf("work item must carry a scroll id or prior step inputs")
	}
	if w.JobID == "" {
		return fmt.Errorf("work item requires a job id")
	}
	if w.StepIndex < 1 {
		return fmt.Errorf("work item step index must be 1-based")
	}
	return nil
}

// WorkItemUpdate is the completion payload a worker reports for an item
type WorkItemUpdate struct {
	Status          WorkItemStatus `json:"status" validate:"required,oneof=successful failed canceled running"`
	Results         []string       `json:"results,omitempty"`
	TotalItemsSize  int64          `json:"totalGranulesSize"`
	OutputItemSizes []int64        `json:"outputItemSizes,omitempty"`
	ErrorMessage    string         `json:"error,omitempty"`
	ErrorCategory   string         `json:"errorCategory,omitempty"`
	ScrollID        string         `json:"scrollID,omitempty"` // Next page cursor from query-cmr
	Hits            int            `json:"hits,omitempty"`     // Total granule hits from query-cmr
}

// StepOutput is one STAC catalog emitted by a completed work item, queued
// for the next step's batching
type StepOutput struct {
	ID        int64  `json:"id"`
	JobID     string `json:"jobID"`
	StepIndex int    `json:"stepIndex"`
	// CatalogURL points at the STAC catalog one completed item produced
	CatalogURL string `json:"catalogUrl"`
	SizeBytes  int64  `json:"sizeBytes"`
	// Batched marks outputs already flushed into a downstream work item
	Batched bool `json:"batched"`
}

// UserWork is the per (job, service) row used for fair scheduling
type UserWork struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"jobID"`
	ServiceID    string    `json:"serviceID"`
	Username     string    `json:"username"`
	ReadyCount   int       `json:"readyCount"`
	RunningCount int       `json:"runningCount"`
	IsAsync      bool      `json:"isAsync"`
	LastWorked   time.Time `json:"lastWorked"`
}
