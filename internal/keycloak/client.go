// Package keycloak is a read-only client for the Keycloak Admin REST API.
// It obtains an admin bearer token via the password grant and transparently
// refreshes it once when a request comes back 401.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnavailable is returned when the IdP cannot be reached or answers
	// with a non-2xx status after the single token refresh retry.
	ErrUnavailable = errors.New("keycloak: request failed")
)

const (
	tokenTimeout   = 10 * time.Second
	requestTimeout = 15 * time.Second
	maxUsersPage   = 500
)

// User is a normalized Keycloak user representation. Attribute values are
// lists of strings in the Keycloak model.
type User struct {
	ID               string
	Username         string
	Enabled          bool
	CreatedTimestamp int64 // milliseconds since epoch
	Attributes       map[string][]string
}

// Realm is the subset of the realm representation the agent reads.
type Realm struct {
	Realm      string            `json:"realm"`
	Attributes map[string]string `json:"attributes"`
}

// Client talks to one Keycloak realm with admin credentials.
type Client struct {
	baseURL       string
	realm         string
	adminUser     string
	adminPassword string

	httpClient *http.Client
	logger     *slog.Logger
	token      string
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	Realm         string
	AdminUser     string
	AdminPassword string

	// Timeout overrides the default per-request timeout when positive.
	Timeout time.Duration

	Logger *slog.Logger
}

// NewClient creates a Keycloak admin client.
func NewClient(cfg Config) *Client {
	if cfg.Realm == "" {
		cfg.Realm = "master"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = requestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		realm:         cfg.Realm,
		adminUser:     cfg.AdminUser,
		adminPassword: cfg.AdminPassword,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		logger:        cfg.Logger.With("component", "keycloak-client"),
	}
}

// =============================================================================
// Authentication
// =============================================================================

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {"admin-cli"},
		"username":   {c.adminUser},
		"password":   {c.adminPassword},
	}

	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/realms/master/protocol/openid-connect/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token request returned %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", ErrUnavailable, err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrUnavailable)
	}
	return body.AccessToken, nil
}

// get performs an authenticated GET against the admin API, refreshing the
// bearer token exactly once on 401.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c.token == "" {
		token, err := c.fetchToken(ctx)
		if err != nil {
			return err
		}
		c.token = token
	}

	status, body, err := c.doGet(ctx, path, query)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		token, err := c.fetchToken(ctx)
		if err != nil {
			return err
		}
		c.token = token
		status, body, err = c.doGet(ctx, path, query)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w: GET %s returned %d", ErrUnavailable, path, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, path string, query url.Values) (int, []byte, error) {
	u := c.baseURL + "/admin/realms/" + c.realm + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: GET %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	return resp.StatusCode, body, nil
}

// =============================================================================
// Wire Types
// =============================================================================

// userRepresentation is the wire form; Enabled is a pointer because Keycloak
// omits it in partial representations and the absent value means enabled.
type userRepresentation struct {
	ID               string              `json:"id"`
	Username         string              `json:"username"`
	Enabled          *bool               `json:"enabled"`
	CreatedTimestamp int64               `json:"createdTimestamp"`
	Attributes       map[string][]string `json:"attributes"`
}

func (u userRepresentation) toUser() User {
	enabled := true
	if u.Enabled != nil {
		enabled = *u.Enabled
	}
	return User{
		ID:               u.ID,
		Username:         u.Username,
		Enabled:          enabled,
		CreatedTimestamp: u.CreatedTimestamp,
		Attributes:       u.Attributes,
	}
}

// =============================================================================
// Queries
// =============================================================================

// ListUsers returns up to maxUsersPage users of the realm.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var reps []userRepresentation
	query := url.Values{"max": {strconv.Itoa(maxUsersPage)}}
	if err := c.get(ctx, "/users", query, &reps); err != nil {
		return nil, err
	}
	users := make([]User, len(reps))
	for i, r := range reps {
		users[i] = r.toUser()
	}
	return users, nil
}

// RoleUsers returns the members of the named realm role.
func (c *Client) RoleUsers(ctx context.Context, roleName string) ([]User, error) {
	var reps []userRepresentation
	path := "/roles/" + url.PathEscape(roleName) + "/users"
	if err := c.get(ctx, path, nil, &reps); err != nil {
		return nil, err
	}
	users := make([]User, len(reps))
	for i, r := range reps {
		users[i] = r.toUser()
	}
	return users, nil
}

// GetRealm returns the realm representation including realm-level attributes.
func (c *Client) GetRealm(ctx context.Context) (Realm, error) {
	var realm Realm
	if err := c.get(ctx, "", nil, &realm); err != nil {
		return Realm{}, err
	}
	return realm, nil
}

// Ping verifies the IdP is reachable by acquiring a token. Used by the
// startup wait loop.
func (c *Client) Ping(ctx context.Context) error {
	token, err := c.fetchToken(ctx)
	if err != nil {
		return err
	}
	c.token = token
	c.logger.Info("keycloak reachable", "base_url", c.baseURL, "realm", c.realm)
	return nil
}
