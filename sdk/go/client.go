package signalboxsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal signalbox HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// KPIs mirrors GET /kpis.
type KPIs struct {
	Punctuality     float64 `json:"punctuality"`
	AvgDelayMin     float64 `json:"avg_delay_min"`
	Throughput      float64 `json:"throughput_trains_per_hr"`
	Utilization     float64 `json:"utilization_pct"`
	ActiveConflicts int     `json:"active_conflicts"`
	SafetyScore     float64 `json:"safety_score"`
	EfficiencyScore float64 `json:"efficiency_score"`
}

// Recommendation represents advisory output (partial).
type Recommendation struct {
	ID       string `json:"id"`
	Block    string `json:"block"`
	Action   string `json:"action"`
	Train    string `json:"train"`
	Reason   string `json:"reason"`
	Priority string `json:"priority"`
}

// Ticket represents an approval ticket.
type Ticket struct {
	ID             string         `json:"id"`
	Recommendation Recommendation `json:"recommendation"`
	Status         string         `json:"status"`
	Comment        string         `json:"comment,omitempty"`
	Applied        bool           `json:"applied"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AuditEntry represents one audit line.
type AuditEntry struct {
	Seq      int64          `json:"seq"`
	TS       time.Time      `json:"ts"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	TicketID string         `json:"ticket_id,omitempty"`
	From     string         `json:"from,omitempty"`
	To       string         `json:"to,omitempty"`
	Comment  string         `json:"comment,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// AuditPage wraps audit listings with the seq cursor.
type AuditPage struct {
	Items  []AuditEntry `json:"items"`
	Cursor int64        `json:"cursor"`
}

// Active is the highest-priority recommendation and its ticket, if any.
type Active struct {
	Recommendation *Recommendation `json:"recommendation"`
	Ticket         *Ticket         `json:"ticket,omitempty"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) KPIs(ctx context.Context) (KPIs, error) {
	var resp KPIs
	err := c.do(ctx, http.MethodGet, "kpis", nil, &resp)
	return resp, err
}

// ActiveRecommendation returns the top recommendation of the latest tick.
func (c *Client) ActiveRecommendation(ctx context.Context) (Active, error) {
	var resp Active
	err := c.do(ctx, http.MethodGet, "recommendations/active", nil, &resp)
	return resp, err
}

// PendingApprovals lists tickets still waiting for a decision.
func (c *Client) PendingApprovals(ctx context.Context) ([]Ticket, error) {
	var resp []Ticket
	err := c.do(ctx, http.MethodGet, "approvals/pending", nil, &resp)
	return resp, err
}

// Tickets lists tickets, optionally filtered by status.
func (c *Client) Tickets(ctx context.Context, limit int, statuses ...string) ([]Ticket, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "tickets"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Ticket
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Accept(ctx context.Context, recommendationID string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("recommendations/%s/accept", url.PathEscape(recommendationID)), nil, &resp)
	return resp, err
}

func (c *Client) RequestSupervisor(ctx context.Context, recommendationID string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("recommendations/%s/request-supervisor", url.PathEscape(recommendationID)), nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, ticketID, comment string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/approve", url.PathEscape(ticketID)), map[string]any{"comment": comment}, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, ticketID, comment string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/reject", url.PathEscape(ticketID)), map[string]any{"comment": comment}, &resp)
	return resp, err
}

// Control queues a start, stop or set_speed command for a train.
func (c *Client) Control(ctx context.Context, trainID, action string, value float64) error {
	body := map[string]any{"action": action}
	if action == "set_speed" {
		body["value"] = value
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("trains/%s/control", url.PathEscape(trainID)), body, nil)
}

// AuditPage returns up to limit entries after the given seq cursor. A zero
// cursor returns the newest entries.
func (c *Client) AuditPage(ctx context.Context, limit int, after int64) (AuditPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if after > 0 {
		q.Set("after", fmt.Sprint(after))
	}
	endpoint := "audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
