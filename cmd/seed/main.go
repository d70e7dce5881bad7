// Demo data seeder. Provisions a realistic population in Keycloak so one
// agent cycle exercises every control outcome: approved and unapproved
// recent accounts, terminated accounts inside and outside the SLA, a stale
// UAR date, and an oversized admin role.
//
// Idempotent: existing users are updated in place so attributes stay in
// sync, and the realm attribute is overwritten with the configured value.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/example/meridian/internal/config"
	"github.com/example/meridian/internal/logging"
)

const realm = "master"

type seedUser struct {
	Username   string              `json:"username"`
	Email      string              `json:"email"`
	Enabled    bool                `json:"enabled"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

func isoAgo(d time.Duration) string {
	return time.Now().UTC().Add(-d).Format(time.RFC3339)
}

// demoUsers builds the seed population. Two recent accounts lack the
// approval attribute (LA.01 partial) and two terminated accounts are past
// the one-day SLA (LA.02 breaches).
func demoUsers() []seedUser {
	approved := func(by string) map[string][]string {
		return map[string][]string{"approvedBy": {by}}
	}
	terminated := func(ago time.Duration) map[string][]string {
		return map[string][]string{"terminationRequestDate": {isoAgo(ago)}}
	}

	return []seedUser{
		{Username: "alice.ops", Email: "alice@meridian.example", Enabled: true, Attributes: approved("cto")},
		{Username: "bob.dev", Email: "bob@meridian.example", Enabled: true, Attributes: approved("eng-manager")},
		{Username: "carol.sre", Email: "carol@meridian.example", Enabled: true, Attributes: approved("eng-manager")},
		{Username: "dave.data", Email: "dave@meridian.example", Enabled: true, Attributes: approved("data-lead")},
		{Username: "ghost.contractor", Email: "ghost1@meridian.example", Enabled: true},
		{Username: "shadow.intern", Email: "ghost2@meridian.example", Enabled: true},
		{Username: "former.employee", Email: "former@meridian.example", Enabled: false, Attributes: terminated(7 * 24 * time.Hour)},
		{Username: "recently.left", Email: "left@meridian.example", Enabled: false, Attributes: terminated(4 * 24 * time.Hour)},
		{Username: "just.departed", Email: "departed@meridian.example", Enabled: false, Attributes: terminated(2 * time.Hour)},
	}
}

// adminClient is a minimal Keycloak admin write client; the agent itself is
// read-only, so these calls live with the seeder.
type adminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func newAdminClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (*adminClient, error) {
	c := &adminClient{
		baseURL:    strings.TrimRight(cfg.KeycloakURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}

	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {"admin-cli"},
		"username":   {cfg.KeycloakAdmin},
		"password":   {cfg.KeycloakAdminPass},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/realms/master/protocol/openid-connect/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	c.token = body.AccessToken
	return c, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, payload any, out any) (int, error) {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/admin/realms/"+realm+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// existingUsers maps username to user ID for the realm.
func (c *adminClient) existingUsers(ctx context.Context) (map[string]string, error) {
	var users []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	status, err := c.do(ctx, http.MethodGet, "/users?max=500", nil, &users)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list users returned %d", status)
	}
	byName := make(map[string]string, len(users))
	for _, u := range users {
		byName[u.Username] = u.ID
	}
	return byName, nil
}

// upsertUser creates or updates a user so attributes are always applied.
func (c *adminClient) upsertUser(ctx context.Context, user seedUser, existing map[string]string) error {
	if id, ok := existing[user.Username]; ok {
		status, err := c.do(ctx, http.MethodPut, "/users/"+id, user, nil)
		if err != nil {
			return err
		}
		if status >= 300 {
			return fmt.Errorf("update %s returned %d", user.Username, status)
		}
		c.logger.Info("updated user", "username", user.Username)
		return nil
	}

	status, err := c.do(ctx, http.MethodPost, "/users", user, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		return fmt.Errorf("create %s returned %d", user.Username, status)
	}
	c.logger.Info("created user", "username", user.Username, "enabled", user.Enabled)
	return nil
}

// setRealmAttribute merges one attribute into the realm representation.
func (c *adminClient) setRealmAttribute(ctx context.Context, name, value string) error {
	var current map[string]any
	status, err := c.do(ctx, http.MethodGet, "", nil, &current)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("fetch realm returned %d", status)
	}

	attrs, _ := current["attributes"].(map[string]any)
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs[name] = value

	status, err = c.do(ctx, http.MethodPut, "", map[string]any{"attributes": attrs}, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("update realm returned %d", status)
	}
	c.logger.Info("realm attribute set", "name", name, "value", value)
	return nil
}

// assignRealmRole grants a realm role to each named user.
func (c *adminClient) assignRealmRole(ctx context.Context, roleName string, usernames []string, existing map[string]string) error {
	var role struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	status, err := c.do(ctx, http.MethodGet, "/roles/"+url.PathEscape(roleName), nil, &role)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("role %s lookup returned %d", roleName, status)
	}

	for _, username := range usernames {
		id, ok := existing[username]
		if !ok {
			continue
		}
		status, err := c.do(ctx, http.MethodPost,
			"/users/"+id+"/role-mappings/realm",
			[]any{map[string]string{"id": role.ID, "name": role.Name}}, nil)
		if err != nil {
			return err
		}
		if status >= 300 && status != http.StatusConflict {
			return fmt.Errorf("assign %s to %s returned %d", roleName, username, status)
		}
	}
	c.logger.Info("role assignment complete", "role", roleName, "members", len(usernames))
	return nil
}

func main() {
	logger := logging.NewFromEnv().With("service", "meridian-seed")
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client, err := newAdminClient(ctx, cfg, logger)
	if err != nil {
		logger.Error("keycloak authentication failed", "error", err)
		os.Exit(1)
	}

	existing, err := client.existingUsers(ctx)
	if err != nil {
		logger.Error("user listing failed", "error", err)
		os.Exit(1)
	}

	for _, user := range demoUsers() {
		if err := client.upsertUser(ctx, user, existing); err != nil {
			logger.Error("seed user failed", "username", user.Username, "error", err)
			os.Exit(1)
		}
	}

	// Re-list so freshly created users have IDs for role assignment.
	existing, err = client.existingUsers(ctx)
	if err != nil {
		logger.Error("user listing failed", "error", err)
		os.Exit(1)
	}

	// A stale UAR (100 days ago) so LA.03 fails until a review is recorded.
	if err := client.setRealmAttribute(ctx, "lastUarCompletedDate", isoAgo(100*24*time.Hour)); err != nil {
		logger.Error("realm attribute failed", "error", err)
		os.Exit(1)
	}

	// Four admins against a threshold of three, so LA.04 fails.
	admins := []string{"alice.ops", "bob.dev", "carol.sre", "dave.data"}
	if err := client.assignRealmRole(ctx, "admin", admins, existing); err != nil {
		logger.Error("role assignment failed", "error", err)
		os.Exit(1)
	}

	logger.Info("seed complete", "users", len(demoUsers()), "admins", len(admins))
}
