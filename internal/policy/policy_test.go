package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/models"
)

func testPolicy() *FailurePolicy {
	return NewFailurePolicy(3, arbor.NewLogger())
}

func TestDecide_TransientRetriesUntilCap(t *testing.T) {
	p := testPolicy()
	item := &models.WorkItem{ID: 1, JobID: "job-1", RetryCount: 0}

	d := p.Decide(item, KindTransient, 0)
	assert.True(t, d.Retry)
	assert.False(t, d.FailItem)

	item.RetryCount = 3
	d = p.Decide(item, KindTransient, 0)
	assert.False(t, d.Retry)
	assert.True(t, d.FailItem)
	assert.False(t, d.FailJob)
}

func TestDecide_TimeoutRetries(t *testing.T) {
	p := testPolicy()
	item := &models.WorkItem{ID: 1, JobID: "job-1", RetryCount: 1}

	d := p.Decide(item, KindTimeout, 0)
	assert.True(t, d.Retry)
}

func TestDecide_ServiceReportedFailsImmediately(t *testing.T) {
	p := testPolicy()
	item := &models.WorkItem{ID: 1, JobID: "job-1", RetryCount: 0}

	for _, kind := range []ErrorKind{KindServiceReported, KindValidation} {
		d := p.Decide(item, kind, 0)
		assert.False(t, d.Retry, string(kind))
		assert.True(t, d.FailItem, string(kind))
		assert.False(t, d.FailJob, string(kind))
	}
}

func TestDecide_AuthAndCapacityFailJob(t *testing.T) {
	p := testPolicy()
	item := &models.WorkItem{ID: 1, JobID: "job-1", RetryCount: 0}

	for _, kind := range []ErrorKind{KindAuth, KindCapacity} {
		d := p.Decide(item, kind, 0)
		assert.False(t, d.Retry, string(kind))
		assert.True(t, d.FailItem, string(kind))
		assert.True(t, d.FailJob, string(kind))
	}
}

func TestDecide_ServiceRetryLimitOverridesDefault(t *testing.T) {
	p := testPolicy()
	item := &models.WorkItem{ID: 1, JobID: "job-1", RetryCount: 4}

	d := p.Decide(item, KindTransient, 10)
	assert.True(t, d.Retry)

	d = p.Decide(item, KindTransient, 2)
	assert.True(t, d.FailItem)
}

func TestCollapseJob(t *testing.T) {
	assert.Equal(t, models.JobStatusSuccessful, CollapseJob(false, false))
	assert.Equal(t, models.JobStatusSuccessful, CollapseJob(true, false))
	assert.Equal(t, models.JobStatusCompleteWithErrors, CollapseJob(true, true))
	assert.Equal(t, models.JobStatusFailed, CollapseJob(false, true))
}

func TestStepFailureFailsJob(t *testing.T) {
	// Ignore-errors suppresses ordinary failures but not forced ones
	assert.False(t, StepFailureFailsJob(true, Decision{FailItem: true}))
	assert.True(t, StepFailureFailsJob(true, Decision{FailItem: true, FailJob: true}))
	assert.True(t, StepFailureFailsJob(false, Decision{FailItem: true}))
	assert.False(t, StepFailureFailsJob(false, Decision{Retry: true}))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindValidation, Classify(Errorf(KindValidation, "bad bbox")))
	assert.Equal(t, KindUnknown, Classify(errors.New("mystery")))

	wrapped := fmt.Errorf("completing item: %w", NewWorkError(KindAuth, errors.New("token expired")))
	assert.Equal(t, KindAuth, Classify(wrapped))
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindTransient, ParseKind("Transient-Infrastructure"))
	assert.Equal(t, KindUnknown, ParseKind("whatever"))
	assert.Equal(t, KindUnknown, ParseKind(""))
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindAuth))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindCapacity))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindTransient))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindUnknown))
}

func TestKindFromHTTPStatus(t *testing.T) {
	assert.Equal(t, KindAuth, KindFromHTTPStatus(http.StatusUnauthorized))
	assert.Equal(t, KindCapacity, KindFromHTTPStatus(http.StatusTooManyRequests))
	assert.Equal(t, KindTransient, KindFromHTTPStatus(http.StatusBadGateway))
	assert.Equal(t, KindValidation, KindFromHTTPStatus(http.StatusBadRequest))
	assert.Equal(t, KindUnknown, KindFromHTTPStatus(http.StatusOK))
}
