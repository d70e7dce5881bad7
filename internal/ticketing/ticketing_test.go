package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(nil)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return svc, srv
}

func createIncident(t *testing.T, srv *httptest.Server, payload map[string]any) map[string]any {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/now/table/incident", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var envelope struct {
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Result
}

// =============================================================================
// Service
// =============================================================================

func TestCreateIncidentNumbering(t *testing.T) {
	_, srv := newService(t)

	first := createIncident(t, srv, map[string]any{"short_description": "one"})
	second := createIncident(t, srv, map[string]any{"short_description": "two"})

	assert.Equal(t, "INC0000001", first["number"])
	assert.Equal(t, "INC0000002", second["number"])
	assert.NotEmpty(t, first["sys_id"])
	assert.Equal(t, float64(StateNew), first["state"])
	assert.Equal(t, float64(3), first["priority"])
}

func TestCreateIncidentPassesExtraFieldsThrough(t *testing.T) {
	_, srv := newService(t)

	record := createIncident(t, srv, map[string]any{
		"short_description": "LA.02 breach",
		"priority":          2,
		"category":          "compliance",
		"control_id":        "LA.02",
		"evidence_id":       "ev-42",
	})

	assert.Equal(t, "LA.02", record["control_id"])
	assert.Equal(t, "ev-42", record["evidence_id"])
	assert.Equal(t, "compliance", record["category"])
}

func TestCreateIncidentValidation(t *testing.T) {
	_, srv := newService(t)

	resp, err := http.Post(srv.URL+"/api/now/table/incident", "application/json",
		bytes.NewReader([]byte(`{"description": "no subject"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/now/table/incident", "application/json",
		bytes.NewReader([]byte(`{"short_description": "x", "priority": 9}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetIncidentNotFound(t *testing.T) {
	_, srv := newService(t)

	resp, err := http.Get(srv.URL + "/api/now/table/incident/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "No Record found", body["error"])
	assert.Equal(t, "does-not-exist", body["sys_id"])
}

func TestListIncidentsQueryAndPaging(t *testing.T) {
	_, srv := newService(t)

	createIncident(t, srv, map[string]any{"short_description": "a", "priority": 1, "control_id": "LA.01"})
	createIncident(t, srv, map[string]any{"short_description": "b", "priority": 2, "control_id": "LA.02"})
	createIncident(t, srv, map[string]any{"short_description": "c", "priority": 2, "control_id": "LA.02"})

	resp, err := http.Get(srv.URL + "/api/now/table/incident?sysparm_query=priority%3D2%5Econtrol_id%3DLA.02")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Result []map[string]any `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Result, 2)

	resp2, err := http.Get(srv.URL + "/api/now/table/incident?sysparm_limit=1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Len(t, body.Result, 1)
	// Newest first by opened_at.
	assert.Equal(t, "c", body.Result[0]["short_description"])
}

func TestPatchIncident(t *testing.T) {
	_, srv := newService(t)
	record := createIncident(t, srv, map[string]any{"short_description": "to resolve"})
	sysID := record["sys_id"].(string)

	body := bytes.NewReader([]byte(`{"state": 6}`))
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/api/now/table/incident/"+sysID, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Result map[string]any `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, float64(StateResolved), envelope.Result["state"])
}

func TestHealth(t *testing.T) {
	_, srv := newService(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "meridian-ticketing", body["service"])
}

// =============================================================================
// Client
// =============================================================================

func TestClientCreateAndFetch(t *testing.T) {
	svc, srv := newService(t)
	client := NewClient(srv.URL, nil)
	ctx := context.Background()

	ticket, err := client.CreateTicket(ctx,
		"LA.04", "LA.04: too many admins", "4 admins, max 3", "critical", "ev-7")
	require.NoError(t, err)

	assert.Equal(t, "INC0000001", ticket.Number)
	assert.Equal(t, 1, ticket.Priority, "critical maps to priority 1")
	assert.Equal(t, StateNew, ticket.State)
	assert.Equal(t, "LA.04", ticket.ControlID)
	assert.Equal(t, 1, svc.IncidentCount())

	fetched, err := client.GetTicket(ctx, ticket.SysID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, ticket.Number, fetched.Number)
	assert.True(t, client.IsTicketOpen(ctx, ticket.SysID))
}

func TestClientGetMissingTicket(t *testing.T) {
	_, srv := newService(t)
	client := NewClient(srv.URL, nil)

	ticket, err := client.GetTicket(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, ticket)
	assert.False(t, client.IsTicketOpen(context.Background(), "missing"))
}

func TestClientResolvedTicketIsNotOpen(t *testing.T) {
	_, srv := newService(t)
	client := NewClient(srv.URL, nil)
	ctx := context.Background()

	ticket, err := client.CreateTicket(ctx, "LA.02", "subject", "body", "high", "ev-1")
	require.NoError(t, err)

	body := bytes.NewReader([]byte(`{"state": 7}`))
	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/api/now/table/incident/"+ticket.SysID, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.False(t, client.IsTicketOpen(ctx, ticket.SysID))
}

func TestClientPing(t *testing.T) {
	_, srv := newService(t)
	client := NewClient(srv.URL, nil)
	assert.NoError(t, client.Ping(context.Background()))

	srv.Close()
	assert.Error(t, client.Ping(context.Background()))
}

func TestPriorityForSeverity(t *testing.T) {
	assert.Equal(t, 1, PriorityForSeverity("critical"))
	assert.Equal(t, 2, PriorityForSeverity("high"))
	assert.Equal(t, 3, PriorityForSeverity("medium"))
	assert.Equal(t, 4, PriorityForSeverity("low"))
	assert.Equal(t, 3, PriorityForSeverity("unknown"))
}
