package keycloak

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tokenCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("grant_type") != "password" || r.Form.Get("client_id") != "admin-cli" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-" + r.Form.Get("username")})
	})
	mux.HandleFunc("GET /admin/realms/master/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-admin" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"id": "u1", "username": "alice", "enabled": true,
				"createdTimestamp": 1700000000000,
				"attributes":       map[string][]string{"approvedBy": {"manager"}},
			},
			{
				"id": "u2", "username": "bob", "enabled": false,
				"createdTimestamp": 1600000000000,
			},
			{
				// enabled omitted: Keycloak treats that as enabled
				"id": "u3", "username": "carol",
				"createdTimestamp": 1710000000000,
			},
		})
	})
	mux.HandleFunc("GET /admin/realms/master/roles/admin/users", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": "u1", "username": "alice", "enabled": true},
		})
	})
	mux.HandleFunc("GET /admin/realms/master", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"realm":      "master",
			"attributes": map[string]string{"lastUarCompletedDate": "2025-01-01T00:00:00+00:00"},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		BaseURL:       srv.URL,
		Realm:         "master",
		AdminUser:     "admin",
		AdminPassword: "admin",
	})
}

func TestListUsers(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newTestClient(srv)

	users, err := c.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 3)

	assert.Equal(t, "alice", users[0].Username)
	assert.True(t, users[0].Enabled)
	assert.Equal(t, int64(1700000000000), users[0].CreatedTimestamp)
	assert.Equal(t, []string{"manager"}, users[0].Attributes["approvedBy"])

	assert.False(t, users[1].Enabled)
	assert.True(t, users[2].Enabled, "absent enabled field defaults to enabled")
}

func TestRoleUsers(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newTestClient(srv)

	admins, err := c.RoleUsers(context.Background(), "admin")
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, "alice", admins[0].Username)
}

func TestGetRealm(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newTestClient(srv)

	realm, err := c.GetRealm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "master", realm.Realm)
	assert.Equal(t, "2025-01-01T00:00:00+00:00", realm.Attributes["lastUarCompletedDate"])
}

func TestTokenRefreshOn401(t *testing.T) {
	srv, tokenCalls := newTestServer(t)
	c := newTestClient(srv)

	// Seed an expired token; the client must refresh once and retry.
	c.token = "stale"
	users, err := c.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 3)
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestUnavailableServer(t *testing.T) {
	srv, _ := newTestServer(t)
	c := newTestClient(srv)
	srv.Close()

	_, err := c.ListUsers(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Error(t, c.Ping(context.Background()))
}

func TestPing(t *testing.T) {
	srv, tokenCalls := newTestServer(t)
	c := newTestClient(srv)

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, int32(1), tokenCalls.Load())
}
