package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/coordinator"
	"github.com/eosdis/harmony/internal/events"
	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/models"
	"github.com/eosdis/harmony/internal/operation"
	"github.com/eosdis/harmony/internal/planner"
	"github.com/eosdis/harmony/internal/policy"
	"github.com/eosdis/harmony/internal/registry"
	"github.com/eosdis/harmony/internal/storage/sqlite"
)

const handlerServicesTOML = `
[[services]]
name = "harmony-subsetter"
umm_s = "S1234-EEDTEST"

  [services.capabilities]
  output_formats = ["image/tiff"]

    [services.capabilities.subsetting]
    bbox = true
    variable = true

  [[services.collections]]
  id = "C1233800302-EEDTEST"

  [[services.steps]]
  image = "query-cmr:latest"
  is_sequential = true

  [[services.steps]]
  image = "harmony-subsetter:latest"
`

type handlerFixture struct {
	store       interfaces.JobStorage
	coordinator *coordinator.Coordinator
	planner     *planner.Planner
	registry    *registry.Registry
	service     *registry.ServiceConfig
	events      interfaces.EventService
	work        *WorkHandler
	jobs        *JobHandler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := sqlite.NewSQLiteDB(logger, &common.DatabaseConfig{
		Path:          filepath.Join(t.TempDir(), "harmony.db"),
		CacheSizeMB:   16,
		BusyTimeoutMS: 1000,
	})
	require.NoError(t, err)
	store := sqlite.NewJobStorage(db, 2000, logger)
	t.Cleanup(func() { store.Close() })

	regPath := filepath.Join(t.TempDir(), "services.toml")
	require.NoError(t, os.WriteFile(regPath, []byte(handlerServicesTOML), 0644))
	reg, err := registry.Load(regPath, 2000, logger)
	require.NoError(t, err)

	eventService := events.NewService(logger)
	coord := coordinator.NewCoordinator(store, reg,
		policy.NewFailurePolicy(2, logger), eventService, 3, logger)

	return &handlerFixture{
		store:       store,
		coordinator: coord,
		planner:     planner.NewPlanner(store, 3, 0, logger),
		registry:    reg,
		service:     reg.ServiceByName("harmony-subsetter"),
		events:      eventService,
		work:        NewWorkHandler(coord, "test-secret", logger),
		jobs:        NewJobHandler(store, eventService, logger),
	}
}

func (f *handlerFixture) planJob(t *testing.T) *models.Job {
	t.Helper()
	job, err := f.planner.Plan(context.Background(), &planner.PlanInput{
		Op: &operation.Document{
			Version:   operation.CurrentSchemaVersion,
			RequestID: "req-h-1",
			User:      "jdoe",
			Sources: []operation.Source{{
				Collection: "C1233800302-EEDTEST",
			}},
			Format:          operation.Format{MIME: "image/tiff"},
			Subset:          operation.Subset{BBox: []float64{-130, -45, 130, 45}},
			StagingLocation: "s3://staging/req-h-1/",
		},
		Service:         f.service,
		Username:        "jdoe",
		OriginalRequest: "https://harmony.example.com/req",
		IsAsync:         true,
		GranuleCount:    3,
		ScrollIDs:       []string{"scroll-1"},
	})
	require.NoError(t, err)
	return job
}

func TestGetWorkHandler(t *testing.T) {
	f := newHandlerFixture(t)
	f.planJob(t)

	// Missing serviceID
	rec := httptest.NewRecorder()
	f.work.GetWorkHandler(rec, httptest.NewRequest("GET", "/service/work", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A claim comes back with the item and the granule cap
	rec = httptest.NewRecorder()
	f.work.GetWorkHandler(rec, httptest.NewRequest("GET",
		"/service/work?serviceID=query-cmr:latest&podName=pod-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		WorkItem       *models.WorkItem `json:"workItem"`
		MaxCmrGranules int              `json:"maxCmrGranules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.WorkItem)
	assert.Equal(t, "scroll-1", resp.WorkItem.ScrollID)
	assert.Equal(t, 3, resp.MaxCmrGranules)

	// Nothing else ready for this service
	rec = httptest.NewRecorder()
	f.work.GetWorkHandler(rec, httptest.NewRequest("GET",
		"/service/work?serviceID=harmony-subsetter:latest&podName=pod-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteWorkHandler(t *testing.T) {
	f := newHandlerFixture(t)
	f.planJob(t)

	claimed, err := f.coordinator.GetWork(context.Background(), "query-cmr:latest", "pod-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	path := "/service/work/" + strconv.FormatInt(claimed.Item.ID, 10)

	// Malformed payload
	rec := httptest.NewRecorder()
	f.work.CompleteWorkHandler(rec, httptest.NewRequest("PUT", path, strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Status outside the accepted set fails validation
	rec = httptest.NewRecorder()
	f.work.CompleteWorkHandler(rec, httptest.NewRequest("PUT", path,
		strings.NewReader(`{"status":"sideways"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A real completion succeeds
	body := `{"status":"successful","results":["s3://staging/cmr0/catalog.json"],"hits":3}`
	rec = httptest.NewRecorder()
	f.work.CompleteWorkHandler(rec, httptest.NewRequest("PUT", path, strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Reporting it again conflicts
	rec = httptest.NewRecorder()
	f.work.CompleteWorkHandler(rec, httptest.NewRequest("PUT", path, strings.NewReader(body)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown item
	rec = httptest.NewRecorder()
	f.work.CompleteWorkHandler(rec, httptest.NewRequest("PUT", "/service/work/99999",
		strings.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	f := newHandlerFixture(t)
	f.planJob(t)

	rec := httptest.NewRecorder()
	f.work.MetricsHandler(rec, httptest.NewRequest("POST", "/service/metrics",
		strings.NewReader(`{"serviceID":"query-cmr:latest"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["availableWorkItems"])

	rec = httptest.NewRecorder()
	f.work.MetricsHandler(rec, httptest.NewRequest("POST", "/service/metrics",
		strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeploymentCallbackHandler(t *testing.T) {
	f := newHandlerFixture(t)
	body := `{"deployService":"harmony-subsetter","image":"harmony-subsetter:v2"}`

	// Missing secret
	rec := httptest.NewRecorder()
	f.work.DeploymentCallbackHandler(rec,
		httptest.NewRequest("POST", "/service/deployment-callback", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong secret
	req := httptest.NewRequest("POST", "/service/deployment-callback", strings.NewReader(body))
	req.Header.Set("cookie-secret", "nope")
	rec = httptest.NewRecorder()
	f.work.DeploymentCallbackHandler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid secret updates the image map
	req = httptest.NewRequest("POST", "/service/deployment-callback", strings.NewReader(body))
	req.Header.Set("cookie-secret", "test-secret")
	rec = httptest.NewRecorder()
	f.work.DeploymentCallbackHandler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Unknown service is rejected
	req = httptest.NewRequest("POST", "/service/deployment-callback",
		strings.NewReader(`{"deployService":"no-such-service","image":"x:1"}`))
	req.Header.Set("cookie-secret", "test-secret")
	rec = httptest.NewRecorder()
	f.work.DeploymentCallbackHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
