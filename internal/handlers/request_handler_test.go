package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/models"
	"github.com/eosdis/harmony/internal/operation"
	"github.com/eosdis/harmony/internal/services/cmr"
	"github.com/eosdis/harmony/internal/services/edl"
)

// fakeCMR serves granule searches with a fixed hit count and a collection
// lookup carrying the native archive format.
func fakeCMR(t *testing.T, hits int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/granules.json", func(w http.ResponseWriter, r *http.Request) {
		if hits == 0 {
			w.Header().Set("CMR-Hits", "0")
			w.Write([]byte(`{"feed":{"entry":[]}}`))
			return
		}
		w.Header().Set("CMR-Hits", strconv.Itoa(hits))
		w.Header().Set("CMR-Scroll-Id", "scroll-abc")
		w.Write([]byte(`{"feed":{"entry":[{"id":"G1-EEDTEST","title":"granule-1"}]}}`))
	})
	mux.HandleFunc("/search/collections.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"feed":{"entry":[{"id":"C1233800302-EEDTEST","original_format":"HDF5"}]}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newRequestHandler(t *testing.T, f *handlerFixture, cmrURL string, edlClient *edl.Client, cipher operation.TokenCipher) *RequestHandler {
	t.Helper()
	logger := arbor.NewLogger()
	cmrClient := cmr.NewClient(&common.CMRConfig{
		RootURL:        cmrURL,
		RequestsPerSec: 100,
	}, "harmony-test", logger)
	return NewRequestHandler(f.planner, f.registry, cmrClient, edlClient,
		cipher, 3, "harmony-test", "harmony-staging", logger)
}

func TestSubmitHandler_PlansJob(t *testing.T) {
	f := newHandlerFixture(t)
	h := newRequestHandler(t, f, fakeCMR(t, 7).URL, nil, nil)

	body := `{
		"username": "jdoe",
		"sources": [{"collection": "C1233800302-EEDTEST"}],
		"format": "image/tiff",
		"bbox": [-130, -45, 130, 45]
	}`
	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, httptest.NewRequest("POST", "/requests", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "jdoe", job.Username)
	assert.Equal(t, models.JobStatusAccepted, job.Status)
	assert.Equal(t, 7, job.NumInputGranules)
	assert.Equal(t, []string{"C1233800302-EEDTEST"}, job.CollectionIDs)

	// The planned first step carries the scrolling session CMR opened
	claimed, err := f.coordinator.GetWork(context.Background(), "query-cmr:latest", "pod-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "scroll-abc", claimed.Item.ScrollID)
}

func TestSubmitHandler_RejectsMissingSources(t *testing.T) {
	f := newHandlerFixture(t)
	h := newRequestHandler(t, f, fakeCMR(t, 7).URL, nil, nil)

	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, httptest.NewRequest("POST", "/requests",
		strings.NewReader(`{"username":"jdoe","sources":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitHandler_RequiresIdentity(t *testing.T) {
	f := newHandlerFixture(t)
	h := newRequestHandler(t, f, fakeCMR(t, 7).URL, nil, nil)

	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, httptest.NewRequest("POST", "/requests",
		strings.NewReader(`{"sources":[{"collection":"C1233800302-EEDTEST"}]}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitHandler_VerifiesBearerToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"app-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/oauth/tokens/user", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("token") == "good-token" {
			w.Write([]byte(`{"uid":"tokenuser"}`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	})
	edlSrv := httptest.NewServer(mux)
	t.Cleanup(edlSrv.Close)

	edlClient, err := edl.NewClient(&common.EDLConfig{
		TokenURL:     edlSrv.URL + "/oauth/token",
		ClientID:     "harmony",
		ClientSecret: "secret",
	}, arbor.NewLogger())
	require.NoError(t, err)

	cipher, err := operation.NewAESCipher("test-shared-secret")
	require.NoError(t, err)

	f := newHandlerFixture(t)
	h := newRequestHandler(t, f, fakeCMR(t, 2).URL, edlClient, cipher)
	body := `{"sources":[{"collection":"C1233800302-EEDTEST"}],"format":"image/tiff"}`

	// The verified token identity wins over any payload username
	req := httptest.NewRequest("POST", "/requests", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "tokenuser", job.Username)

	// A token EDL rejects fails the request outright
	req = httptest.NewRequest("POST", "/requests", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer bad-token")
	rec = httptest.NewRecorder()
	h.SubmitHandler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitHandler_NoMatchingService(t *testing.T) {
	f := newHandlerFixture(t)
	h := newRequestHandler(t, f, fakeCMR(t, 7).URL, nil, nil)

	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, httptest.NewRequest("POST", "/requests", strings.NewReader(
		`{"username":"jdoe","sources":[{"collection":"C1233800302-EEDTEST"}],"format":"application/x-zarr"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no service supports")
}

func TestSubmitHandler_NoMatchingGranules(t *testing.T) {
	f := newHandlerFixture(t)
	h := newRequestHandler(t, f, fakeCMR(t, 0).URL, nil, nil)

	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, httptest.NewRequest("POST", "/requests", strings.NewReader(
		`{"username":"jdoe","sources":[{"collection":"C1233800302-EEDTEST"}]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "No granules")
}

func TestSubmitHandler_CMRFailure(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(broken.Close)

	f := newHandlerFixture(t)
	h := newRequestHandler(t, f, broken.URL, nil, nil)

	rec := httptest.NewRecorder()
	h.SubmitHandler(rec, httptest.NewRequest("POST", "/requests", strings.NewReader(
		`{"username":"jdoe","sources":[{"collection":"C1233800302-EEDTEST"}]}`)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
