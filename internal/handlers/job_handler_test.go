package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eosdis/harmony/internal/models"
)

func TestGetJobHandler(t *testing.T) {
	f := newHandlerFixture(t)
	job := f.planJob(t)

	rec := httptest.NewRecorder()
	f.jobs.GetJobHandler(rec, httptest.NewRequest("GET", "/jobs/"+job.JobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var loaded models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loaded))
	assert.Equal(t, job.JobID, loaded.JobID)
	assert.Equal(t, models.JobStatusAccepted, loaded.Status)

	rec = httptest.NewRecorder()
	f.jobs.GetJobHandler(rec, httptest.NewRequest("GET", "/jobs/no-such-job", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsHandler(t *testing.T) {
	f := newHandlerFixture(t)
	f.planJob(t)

	rec := httptest.NewRecorder()
	f.jobs.ListJobsHandler(rec, httptest.NewRequest("GET", "/jobs?username=jdoe", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs       []*models.Job `json:"jobs"`
		TotalCount int           `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalCount)
	require.Len(t, resp.Jobs, 1)

	// Another user sees nothing
	rec = httptest.NewRecorder()
	f.jobs.ListJobsHandler(rec, httptest.NewRequest("GET", "/jobs?username=other", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.TotalCount)
}

func TestCancelJobHandler_SweepsItems(t *testing.T) {
	f := newHandlerFixture(t)
	job := f.planJob(t)

	rec := httptest.NewRecorder()
	f.jobs.CancelJobHandler(rec, httptest.NewRequest("POST", "/jobs/"+job.JobID+"/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var canceled models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &canceled))
	assert.Equal(t, models.JobStatusCanceled, canceled.Status)

	// Nothing left to claim
	rec = httptest.NewRecorder()
	f.work.GetWorkHandler(rec, httptest.NewRequest("GET",
		"/service/work?serviceID=query-cmr:latest&podName=pod-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Canceled is absorbing
	rec = httptest.NewRecorder()
	f.jobs.ResumeJobHandler(rec, httptest.NewRequest("POST", "/jobs/"+job.JobID+"/resume", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPauseResumeHandlers(t *testing.T) {
	f := newHandlerFixture(t)
	job := f.planJob(t)

	// Pausing an accepted job is rejected by the status machine
	rec := httptest.NewRecorder()
	f.jobs.PauseJobHandler(rec, httptest.NewRequest("POST", "/jobs/"+job.JobID+"/pause", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err := f.store.TransitionJob(context.Background(), job.JobID, models.JobStatusRunning, "")
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	f.jobs.PauseJobHandler(rec, httptest.NewRequest("POST", "/jobs/"+job.JobID+"/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.jobs.ResumeJobHandler(rec, httptest.NewRequest("POST", "/jobs/"+job.JobID+"/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resumed models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.Equal(t, models.JobStatusRunning, resumed.Status)
}

func TestSetLabelsHandler(t *testing.T) {
	f := newHandlerFixture(t)
	job := f.planJob(t)

	body := `{"username":"jdoe","labels":["Urgent","  ice-cover  "]}`
	rec := httptest.NewRecorder()
	f.jobs.SetLabelsHandler(rec, httptest.NewRequest("PUT",
		"/jobs/"+job.JobID+"/labels", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.jobs.GetJobHandler(rec, httptest.NewRequest("GET", "/jobs/"+job.JobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var loaded models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loaded))
	assert.ElementsMatch(t, []string{"urgent", "ice-cover"}, loaded.Labels)

	// Username is mandatory
	rec = httptest.NewRecorder()
	f.jobs.SetLabelsHandler(rec, httptest.NewRequest("PUT",
		"/jobs/"+job.JobID+"/labels", strings.NewReader(`{"labels":["x"]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
