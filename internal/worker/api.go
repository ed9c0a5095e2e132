// -----------------------------------------------------------------------
// Coordinator API - worker-side HTTP client for work claims and completions
// -----------------------------------------------------------------------

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/models"
)

const defaultCompletionRetries = 4

// ErrNoWork signals an empty queue for this service
var ErrNoWork = fmt.Errorf("no work available")

// ErrItemGone signals the coordinator already holds a terminal result for
// the item, usually because the job was canceled mid-flight.
var ErrItemGone = fmt.Errorf("work item already resolved")

// WorkResponse is the claim payload handed to a worker
type WorkResponse struct {
	WorkItem       *models.WorkItem `json:"workItem"`
	MaxCmrGranules int              `json:"maxCmrGranules"`
}

// CoordinatorClient talks to the work coordinator on behalf of one pod
type CoordinatorClient struct {
	baseURL    string
	serviceID  string
	podName    string
	httpClient *http.Client
	maxRetries int
	logger     arbor.ILogger
}

// NewCoordinatorClient creates a coordinator client
func NewCoordinatorClient(baseURL, serviceID, podName string, maxCompletionRetries int, logger arbor.ILogger) *CoordinatorClient {
	if maxCompletionRetries <= 0 {
		maxCompletionRetries = defaultCompletionRetries
	}
	return &CoordinatorClient{
		baseURL:    baseURL,
		serviceID:  serviceID,
		podName:    podName,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: maxCompletionRetries,
		logger:     logger,
	}
}

// FetchWork asks for the next work item. Returns ErrNoWork on an empty
// queue; the caller owns backoff.
func (c *CoordinatorClient) FetchWork(ctx context.Context) (*WorkResponse, error) {
	u := fmt.Sprintf("%s/service/work?serviceID=%s&podName=%s",
		c.baseURL, url.QueryEscape(c.serviceID), url.QueryEscape(c.podName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("work fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoWork
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("work fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var work WorkResponse
	if err := json.Unmarshal(body, &work); err != nil {
		return nil, fmt.Errorf("failed to parse work response: %w", err)
	}
	if work.WorkItem == nil {
		return nil, fmt.Errorf("work response carried no item")
	}
	return &work, nil
}

// CompleteWork reports a result, retrying transient failures with
// exponential backoff and jitter up to the bounded retry limit. A 409 means
// the item resolved elsewhere and is returned as ErrItemGone without retry.
func (c *CoordinatorClient) CompleteWork(ctx context.Context, itemID int64, update *models.WorkItemUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/service/work/%d", c.baseURL, itemID)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Int64("workItemID", itemID).Int("attempt", attempt).Msg("Completion report failed; will retry")
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusConflict:
			return ErrItemGone
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("completion report returned %d", resp.StatusCode)
			continue
		default:
			return fmt.Errorf("completion report rejected with %d", resp.StatusCode)
		}
	}
	return fmt.Errorf("completion report exhausted %d retries: %w", c.maxRetries, lastErr)
}

// backoff returns the wait before the given retry attempt, with jitter so a
// restarted fleet does not stampede the coordinator.
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt-1)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base/2 + jitter
}
