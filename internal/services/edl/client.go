// -----------------------------------------------------------------------
// EDL Client - Earthdata Login identity lookups with TTL caching
// -----------------------------------------------------------------------

package edl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/policy"
)

const defaultCacheTTL = 10 * time.Minute

// cacheEntry is one cached lookup result
type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// ttlCache is a small expiring map for identity lookups. EDL rate-limits
// aggressively, so repeated group and EULA checks for the same user within
// the TTL are served from memory.
type ttlCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) set(key string, value interface{}) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Client talks to Earthdata Login using application credentials. User-level
// calls forward the user's bearer token; application-level calls use the
// client-credentials grant.
type Client struct {
	rootURL    string
	httpClient *http.Client
	appClient  *http.Client
	groups     *ttlCache
	eulas      *ttlCache
	logger     arbor.ILogger
}

// NewClient creates an EDL client
func NewClient(config *common.EDLConfig, logger arbor.ILogger) (*Client, error) {
	ttl := defaultCacheTTL
	if config.CacheTTL != "" {
		parsed, err := time.ParseDuration(config.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid EDL cache TTL %q: %w", config.CacheTTL, err)
		}
		ttl = parsed
	}

	creds := clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     config.TokenURL,
	}

	rootURL := config.TokenURL
	if i := strings.Index(rootURL, "/oauth"); i > 0 {
		rootURL = rootURL[:i]
	}

	return &Client{
		rootURL:    strings.TrimRight(rootURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		appClient:  creds.Client(context.Background()),
		groups:     newTTLCache(ttl),
		eulas:      newTTLCache(ttl),
		logger:     logger,
	}, nil
}

// GroupsFor returns the EDL group ids a user belongs to
func (c *Client) GroupsFor(ctx context.Context, username string) ([]string, error) {
	if cached, ok := c.groups.get(username); ok {
		return cached.([]string), nil
	}

	url := fmt.Sprintf("%s/api/user_groups/groups_for_user/%s", c.rootURL, username)
	body, err := c.getApp(ctx, url)
	if err != nil {
		return nil, err
	}

	var payload struct {
		UserGroups []struct {
			GroupID string `json:"group_id"`
		} `json:"user_groups"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse EDL groups response: %w", err)
	}

	ids := make([]string, 0, len(payload.UserGroups))
	for _, g := range payload.UserGroups {
		ids = append(ids, g.GroupID)
	}
	c.groups.set(username, ids)
	return ids, nil
}

// InGroup reports whether the user belongs to the named group
func (c *Client) InGroup(ctx context.Context, username, groupID string) (bool, error) {
	ids, err := c.GroupsFor(ctx, username)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == groupID {
			return true, nil
		}
	}
	return false, nil
}

// HasAcceptedEULA reports whether the user accepted the named EULA. A
// collection can gate access behind a EULA; workers surface the acceptance
// URL to the user when this returns false.
func (c *Client) HasAcceptedEULA(ctx context.Context, userToken, eulaID string) (bool, string, error) {
	cacheKey := userToken + "/" + eulaID
	if cached, ok := c.eulas.get(cacheKey); ok {
		return cached.(bool), "", nil
	}

	url := fmt.Sprintf("%s/api/users/eula_acceptances/%s", c.rootURL, eulaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Authorization", "Bearer "+userToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, "", policy.NewWorkError(policy.Classify(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Not accepted; hand back the acceptance URL for the error message
		acceptURL := fmt.Sprintf("%s/users/eulas/%s", c.rootURL, eulaID)
		c.eulas.set(cacheKey, false)
		return false, acceptURL, nil
	}
	if resp.StatusCode >= 400 {
		return false, "", policy.Errorf(policy.KindFromHTTPStatus(resp.StatusCode),
			"EDL EULA check returned %d", resp.StatusCode)
	}

	c.eulas.set(cacheKey, true)
	return true, "", nil
}

// VerifyToken resolves a user bearer token to a username
func (c *Client) VerifyToken(ctx context.Context, token string) (string, error) {
	url := c.rootURL + "/oauth/tokens/user?client_id=harmony"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		strings.NewReader("token="+token))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", policy.NewWorkError(policy.Classify(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", policy.Errorf(policy.KindAuth, "EDL rejected token with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var payload struct {
		UID string `json:"uid"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to parse EDL token response: %w", err)
	}
	if payload.UID == "" {
		return "", policy.Errorf(policy.KindAuth, "EDL token response carried no user id")
	}
	return payload.UID, nil
}

// getApp performs an application-credentialed GET
func (c *Client) getApp(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.appClient.Do(req)
	if err != nil {
		return nil, policy.NewWorkError(policy.Classify(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, policy.Errorf(policy.KindFromHTTPStatus(resp.StatusCode),
			"EDL returned %d for %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}
