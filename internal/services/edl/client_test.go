package edl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/policy"
)

// edlServer serves the token endpoint plus whatever API routes a test wires in
func edlServer(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"app-token","token_type":"Bearer","expires_in":3600}`))
	})
	for pattern, handler := range routes {
		mux.HandleFunc(pattern, handler)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, server *httptest.Server, ttl string) *Client {
	t.Helper()
	client, err := NewClient(&common.EDLConfig{
		TokenURL:     server.URL + "/oauth/token",
		ClientID:     "harmony",
		ClientSecret: "secret",
		CacheTTL:     ttl,
	}, arbor.NewLogger())
	require.NoError(t, err)
	return client
}

func TestNewClient_RejectsBadTTL(t *testing.T) {
	_, err := NewClient(&common.EDLConfig{CacheTTL: "sometimes"}, arbor.NewLogger())
	require.Error(t, err)
}

func TestGroupsFor_CachesLookups(t *testing.T) {
	calls := 0
	server := edlServer(t, map[string]http.HandlerFunc{
		"/api/user_groups/groups_for_user/jdoe": func(w http.ResponseWriter, r *http.Request) {
			calls++
			assert.Equal(t, "Bearer app-token", r.Header.Get("Authorization"))
			w.Write([]byte(`{"user_groups":[{"group_id":"g-admins"},{"group_id":"g-science"}]}`))
		},
	})
	client := newTestClient(t, server, "1m")

	groups, err := client.GroupsFor(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.Equal(t, []string{"g-admins", "g-science"}, groups)

	// Second lookup within the TTL never reaches the server
	_, err = client.GroupsFor(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	in, err := client.InGroup(context.Background(), "jdoe", "g-admins")
	require.NoError(t, err)
	assert.True(t, in)
	in, err = client.InGroup(context.Background(), "jdoe", "g-ops")
	require.NoError(t, err)
	assert.False(t, in)
	assert.Equal(t, 1, calls)
}

func TestGroupsFor_ExpiredEntriesRefetch(t *testing.T) {
	calls := 0
	server := edlServer(t, map[string]http.HandlerFunc{
		"/api/user_groups/groups_for_user/jdoe": func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Write([]byte(`{"user_groups":[]}`))
		},
	})
	client := newTestClient(t, server, "1ns")

	_, err := client.GroupsFor(context.Background(), "jdoe")
	require.NoError(t, err)
	_, err = client.GroupsFor(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestHasAcceptedEULA(t *testing.T) {
	server := edlServer(t, map[string]http.HandlerFunc{
		"/api/users/eula_acceptances/eula-42": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
			w.Write([]byte(`{"status":"accepted"}`))
		},
		"/api/users/eula_acceptances/eula-99": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		},
	})
	client := newTestClient(t, server, "1m")
	ctx := context.Background()

	accepted, _, err := client.HasAcceptedEULA(ctx, "user-token", "eula-42")
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, acceptURL, err := client.HasAcceptedEULA(ctx, "user-token", "eula-99")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Contains(t, acceptURL, "/users/eulas/eula-99")
}

func TestVerifyToken(t *testing.T) {
	server := edlServer(t, map[string]http.HandlerFunc{
		"/oauth/tokens/user": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			if r.PostForm.Get("token") == "good-token" {
				w.Write([]byte(`{"uid":"jdoe"}`))
				return
			}
			w.WriteHeader(http.StatusForbidden)
		},
	})
	client := newTestClient(t, server, "1m")
	ctx := context.Background()

	username, err := client.VerifyToken(ctx, "good-token")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", username)

	_, err = client.VerifyToken(ctx, "bad-token")
	require.Error(t, err)
	assert.Equal(t, policy.KindAuth, policy.Classify(err))
}
