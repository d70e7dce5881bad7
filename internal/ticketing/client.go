// Package ticketing integrates with the incident service (a ServiceNow
// Incident Table API). The client creates and inspects remediation tickets;
// Service is the mock implementation used by the local stack.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrTicket is returned when the ticketing service call fails.
var ErrTicket = errors.New("ticketing: request failed")

// priorityMap converts control severity to ServiceNow priority codes.
var priorityMap = map[string]int{
	"critical": 1,
	"high":     2,
	"medium":   3,
	"low":      4,
}

// PriorityForSeverity maps a control severity to a ticket priority,
// defaulting to medium.
func PriorityForSeverity(severity string) int {
	if p, ok := priorityMap[strings.ToLower(severity)]; ok {
		return p
	}
	return 3
}

// Ticket is an incident record as returned by the service.
type Ticket struct {
	SysID            string `json:"sys_id"`
	Number           string `json:"number"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	State            int    `json:"state"`
	Priority         int    `json:"priority"`
	Category         string `json:"category"`
	CallerID         string `json:"caller_id"`
	ControlID        string `json:"control_id"`
	EvidenceID       string `json:"evidence_id"`
	OpenedAt         string `json:"opened_at"`
}

// IsOpen reports whether the ticket is in a non-resolved state.
func (t Ticket) IsOpen() bool {
	return t.State == StateNew || t.State == StateInProgress
}

// Client talks to the incident service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a ticketing client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "ticketing-client"),
	}
}

// resultEnvelope is the ServiceNow response wrapper.
type resultEnvelope struct {
	Result Ticket `json:"result"`
}

// CreateTicket opens an incident for a failing control and returns the
// created record.
func (c *Client) CreateTicket(
	ctx context.Context,
	controlID, shortDescription, description, severity, evidenceID string,
) (Ticket, error) {
	payload := map[string]any{
		"short_description": shortDescription,
		"description":       description,
		"priority":          PriorityForSeverity(severity),
		"category":          "compliance",
		"caller_id":         "meridian-agent",
		"control_id":        controlID,
		"evidence_id":       evidenceID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: encode payload: %v", ErrTicket, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/now/table/incident", bytes.NewReader(body))
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrTicket, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: create: %v", ErrTicket, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return Ticket{}, fmt.Errorf("%w: create returned %d", ErrTicket, resp.StatusCode)
	}

	var envelope resultEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Ticket{}, fmt.Errorf("%w: decode create response: %v", ErrTicket, err)
	}

	c.logger.Info("created ticket",
		"number", envelope.Result.Number,
		"control_id", controlID,
		"priority", envelope.Result.Priority)
	return envelope.Result, nil
}

// GetTicket fetches an incident by sys_id. A 404 returns (nil, nil).
func (c *Client) GetTicket(ctx context.Context, sysID string) (*Ticket, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/now/table/incident/"+sysID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTicket, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrTicket, sysID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: get %s returned %d", ErrTicket, sysID, resp.StatusCode)
	}

	var envelope resultEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: decode get response: %v", ErrTicket, err)
	}
	ticket := envelope.Result
	return &ticket, nil
}

// IsTicketOpen reports whether the ticket exists and is new or in progress.
// Lookup failures are reported as closed so the agent falls through to
// creating a fresh ticket.
func (c *Client) IsTicketOpen(ctx context.Context, sysID string) bool {
	ticket, err := c.GetTicket(ctx, sysID)
	if err != nil || ticket == nil {
		return false
	}
	return ticket.IsOpen()
}

// Ping verifies the service is reachable. Used by the startup wait loop.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTicket, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health: %v", ErrTicket, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrTicket, resp.StatusCode)
	}
	return nil
}
