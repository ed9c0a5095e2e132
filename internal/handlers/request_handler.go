// -----------------------------------------------------------------------
// Request Handler - turns a transformation request into a planned job:
// granule resolution, operation assembly, chain selection, planning
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/operation"
	"github.com/eosdis/harmony/internal/planner"
	"github.com/eosdis/harmony/internal/registry"
	"github.com/eosdis/harmony/internal/services/cmr"
	"github.com/eosdis/harmony/internal/services/edl"
)

// TransformRequest is the inbound job submission payload
type TransformRequest struct {
	Username         string              `json:"username,omitempty"`
	Sources          []operation.Source  `json:"sources"`
	Format           string              `json:"format,omitempty"`
	OutputCRS        string              `json:"outputCrs,omitempty"`
	BBox             []float64           `json:"bbox,omitempty"`
	Temporal         *operation.Temporal `json:"temporal,omitempty"`
	GranuleIDs       []string            `json:"granuleIds,omitempty"`
	GranuleName      string              `json:"granuleName,omitempty"`
	Concatenate      bool                `json:"concatenate,omitempty"`
	ExtendDimensions []string            `json:"extendDimensions,omitempty"`
	Average          string              `json:"average,omitempty"`
	IgnoreErrors     bool                `json:"ignoreErrors,omitempty"`
	DestinationURL   string              `json:"destinationUrl,omitempty"`
	Labels           []string            `json:"labels,omitempty"`
}

// RequestHandler assembles operation documents and plans jobs
type RequestHandler struct {
	planner   *planner.Planner
	registry  *registry.Registry
	cmrClient *cmr.Client
	edlClient *edl.Client
	cipher    operation.TokenCipher
	pageSize  int
	clientID  string
	bucket    string
	logger    arbor.ILogger
}

// NewRequestHandler creates a request handler. The EDL client and token
// cipher may be nil in development; requests then carry the username
// directly and tokens are rejected.
func NewRequestHandler(pl *planner.Planner, reg *registry.Registry, cmrClient *cmr.Client, edlClient *edl.Client, cipher operation.TokenCipher, pageSize int, clientID, bucket string, logger arbor.ILogger) *RequestHandler {
	return &RequestHandler{
		planner:   pl,
		registry:  reg,
		cmrClient: cmrClient,
		edlClient: edlClient,
		cipher:    cipher,
		pageSize:  pageSize,
		clientID:  clientID,
		bucket:    bucket,
		logger:    logger,
	}
}

// SubmitHandler accepts a transformation request and returns the planned job
// POST /requests
func (h *RequestHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	ctx := r.Context()

	var req TransformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if len(req.Sources) == 0 {
		WriteError(w, http.StatusBadRequest, "At least one source collection is required")
		return
	}

	token := bearerToken(r)
	username, err := h.resolveUser(ctx, req.Username, token)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, err.Error())
		return
	}

	// Resolve the granule set through CMR: one scrolling session per source
	scrollIDs := make([]string, 0, len(req.Sources))
	granuleCount := 0
	for _, src := range req.Sources {
		result, err := h.cmrClient.QueryGranules(ctx, token, &cmr.GranuleQuery{
			CollectionID: src.Collection,
			GranuleIDs:   req.GranuleIDs,
			GranuleName:  req.GranuleName,
			BBox:         req.BBox,
			Temporal:     temporalParam(req.Temporal),
			PageSize:     h.pageSize,
		}, "")
		if err != nil {
			h.logger.Error().Err(err).Str("collection", src.Collection).Msg("CMR granule query failed")
			WriteError(w, http.StatusBadGateway, "Failed to resolve granules for "+src.Collection)
			return
		}
		if result.Hits == 0 {
			WriteError(w, http.StatusBadRequest, "No granules match the request for "+src.Collection)
			return
		}
		scrollIDs = append(scrollIDs, result.ScrollID)
		granuleCount += result.Hits
	}

	doc, err := operation.Build(&operation.Request{
		User:           username,
		AccessToken:    token,
		ClientID:       h.clientID,
		OriginalURL:    r.URL.String(),
		Sources:        req.Sources,
		OutputMIME:     req.Format,
		OutputCRS:      req.OutputCRS,
		BBox:           req.BBox,
		Temporal:       req.Temporal,
		Concatenate:    req.Concatenate,
		ExtendDims:     req.ExtendDimensions,
		Average:        req.Average,
		DestinationURL: req.DestinationURL,
	}, h.cipher)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc.StagingLocation = fmt.Sprintf("s3://%s/staging/%s/", h.bucket, doc.RequestID)

	nativeFormats := h.nativeFormats(ctx, token, doc.CollectionIDs())
	service, err := h.registry.Choose(doc, &registry.MatchContext{NativeFormats: nativeFormats})
	if err != nil {
		var noMatch *registry.NoMatchError
		if errors.As(err, &noMatch) {
			WriteError(w, http.StatusBadRequest, noMatch.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, "Service selection failed")
		return
	}

	// The tighter of total hits and the chain's collection granule cap
	for _, src := range req.Sources {
		if limit := service.GranuleLimitFor(src.Collection); limit > 0 && granuleCount > limit {
			granuleCount = limit
		}
	}

	job, err := h.planner.Plan(ctx, &planner.PlanInput{
		Op:              doc,
		Service:         service,
		Username:        username,
		OriginalRequest: r.URL.String(),
		IsAsync:         true,
		IgnoreErrors:    req.IgnoreErrors,
		GranuleCount:    granuleCount,
		ScrollIDs:       scrollIDs,
		DestinationURL:  req.DestinationURL,
		Labels:          req.Labels,
		NativeFormats:   nativeFormats,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("requestID", doc.RequestID).Msg("Failed to plan job")
		WriteError(w, http.StatusInternalServerError, "Failed to plan job")
		return
	}

	h.logger.Info().
		Str("jobID", job.JobID).
		Str("service", service.Name).
		Int("granules", granuleCount).
		Msg("Job planned")
	WriteJSON(w, http.StatusCreated, job)
}

// resolveUser prefers a verified token identity over the payload username
func (h *RequestHandler) resolveUser(ctx context.Context, username, token string) (string, error) {
	if token != "" && h.edlClient != nil {
		verified, err := h.edlClient.VerifyToken(ctx, token)
		if err != nil {
			return "", err
		}
		return verified, nil
	}
	if username == "" {
		return "", fmt.Errorf("a username or bearer token is required")
	}
	return username, nil
}

// nativeFormats looks up UMM-C archive formats for format-change detection.
// A CMR failure here degrades selection, it does not fail the request.
func (h *RequestHandler) nativeFormats(ctx context.Context, token string, collectionIDs []string) map[string]string {
	collections, err := h.cmrClient.GetCollections(ctx, token, collectionIDs)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to resolve collection native formats")
		return nil
	}
	formats := make(map[string]string, len(collections))
	for _, c := range collections {
		if c.ArchiveFormat != "" {
			formats[c.ID] = c.ArchiveFormat
		}
	}
	return formats
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func temporalParam(t *operation.Temporal) string {
	if t == nil {
		return ""
	}
	start, end := "", ""
	if t.Start != nil {
		start = t.Start.UTC().Format(time.RFC3339)
	}
	if t.End != nil {
		end = t.End.UTC().Format(time.RFC3339)
	}
	if start == "" && end == "" {
		return ""
	}
	return start + "," + end
}
