package procurelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a minimal Procureline HTTP API client.
type Client struct {
	BaseURL  string
	BasePath string
	// ActorID is sent as X-Actor-Id when neither token nor key is set; the
	// server only honours it with --allow-actor-header.
	ActorID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Item struct {
	ID                 string           `json:"id,omitempty"`
	Description        string           `json:"description"`
	Specifications     string           `json:"specifications,omitempty"`
	Quantity           float64          `json:"quantity"`
	Observations       string           `json:"observations,omitempty"`
	Priority           string           `json:"priority,omitempty"`
	ImageRef           string           `json:"image_ref,omitempty"`
	EstimatedUnitPrice *decimal.Decimal `json:"estimated_unit_price,omitempty"`
}

type Request struct {
	ID               string  `json:"id"`
	PublicID         string  `json:"public_id"`
	RequesterID      string  `json:"requester_id"`
	ProviderID       *string `json:"provider_id,omitempty"`
	RequestDate      string  `json:"request_date"`
	Type             string  `json:"type"`
	Urgent           bool    `json:"urgent"`
	Status           string  `json:"status"`
	CoordinatorID    *string `json:"coordinator_id,omitempty"`
	RejectionComment *string `json:"rejection_comment,omitempty"`
	Notes            string  `json:"notes,omitempty"`
	Version          int     `json:"version"`
	Items            []Item  `json:"items,omitempty"`
}

type Task struct {
	ID         string  `json:"id"`
	PublicID   string  `json:"public_id"`
	ApproverID string  `json:"approver_id"`
	Order      int     `json:"order"`
	Status     string  `json:"status"`
	DecidedAt  *string `json:"decided_at,omitempty"`
	Comment    *string `json:"comment,omitempty"`
}

type DuplicateMatch struct {
	ItemIndex       int    `json:"item_index"`
	Description     string `json:"description"`
	MatchedPublicID string `json:"matched_public_id"`
	MatchedAt       string `json:"matched_at"`
}

// CreateResult is returned by CreateRequest and Submit.
type CreateResult struct {
	Request           Request          `json:"request"`
	Tasks             []Task           `json:"tasks"`
	InitialStatus     string           `json:"initial_status"`
	Status            string           `json:"status"`
	DuplicateWarnings []DuplicateMatch `json:"duplicate_warnings"`
}

type Reception struct {
	ID              string           `json:"id"`
	ItemID          string           `json:"item_id"`
	Quantity        float64          `json:"quantity"`
	Date            string           `json:"date"`
	RecordedBy      string           `json:"recorded_by"`
	InvoicePrefix   *string          `json:"invoice_prefix,omitempty"`
	InvoiceNumber   *string          `json:"invoice_number,omitempty"`
	ActualUnitPrice *decimal.Decimal `json:"actual_unit_price,omitempty"`
}

type ItemProgress struct {
	ItemID       string  `json:"item_id"`
	Requested    float64 `json:"requested"`
	Received     float64 `json:"received"`
	Percent      int     `json:"percent"`
	OverReceived bool    `json:"over_received"`
}

// RequestView is a request with tasks, receptions and progress.
type RequestView struct {
	Request        Request                `json:"request"`
	Tasks          []Task                 `json:"tasks"`
	Actionable     []Task                 `json:"actionable"`
	Receptions     map[string][]Reception `json:"receptions"`
	Progress       []ItemProgress         `json:"progress"`
	RequestPercent int                    `json:"request_percent"`
	Capabilities   map[string]bool        `json:"capabilities"`
}

type DecideResult struct {
	PublicID   string `json:"public_id"`
	TaskID     string `json:"task_id"`
	Decision   string `json:"decision"`
	NewStatus  string `json:"new_status"`
	Omitted    int64  `json:"omitted"`
	Actionable []Task `json:"actionable"`
}

type PendingTask struct {
	Task        Task   `json:"task"`
	RequesterID string `json:"requester_id"`
	RequestDate string `json:"request_date"`
	Urgent      bool   `json:"urgent"`
}

type ReceptionInput struct {
	Quantity        float64          `json:"quantity"`
	Date            string           `json:"date,omitempty"`
	InvoicePrefix   string           `json:"invoice_prefix,omitempty"`
	InvoiceNumber   string           `json:"invoice_number,omitempty"`
	ActualUnitPrice *decimal.Decimal `json:"actual_unit_price,omitempty"`
	Comment         string           `json:"comment,omitempty"`
}

type ReceptionResult struct {
	Reception      Reception `json:"reception"`
	Received       float64   `json:"received"`
	ItemPercent    int       `json:"item_percent"`
	RequestPercent int       `json:"request_percent"`
	OverReceived   bool      `json:"over_received"`
	Status         string    `json:"status"`
}

type ItemVariance struct {
	ItemID             string           `json:"item_id"`
	Description        string           `json:"description"`
	EstimatedUnitPrice *decimal.Decimal `json:"estimated_unit_price,omitempty"`
	ActualUnitPrice    *decimal.Decimal `json:"actual_unit_price,omitempty"`
	VariancePercent    *float64         `json:"variance_percent"`
	Invoices           []string         `json:"invoices"`
}

type Traceability struct {
	PublicID         string         `json:"public_id"`
	ItemsReceived    int            `json:"items_received"`
	ItemsTraceable   int            `json:"items_traceable"`
	PercentTraceable float64        `json:"percent_traceable"`
	Variances        []ItemVariance `json:"variances"`
}

type KraljicEntry struct {
	Product  string          `json:"product"`
	Quantity float64         `json:"quantity"`
	Impact   decimal.Decimal `json:"impact"`
	Risk     float64         `json:"risk"`
	Quadrant string          `json:"quadrant"`
}

type KraljicMatrix struct {
	Start       string          `json:"start"`
	End         string          `json:"end"`
	MeanImpact  decimal.Decimal `json:"mean_impact"`
	MeanRisk    float64         `json:"mean_risk"`
	Strategic   []KraljicEntry  `json:"strategic"`
	Leverage    []KraljicEntry  `json:"leverage"`
	Bottleneck  []KraljicEntry  `json:"bottleneck"`
	NonCritical []KraljicEntry  `json:"non_critical"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateRequest creates a purchase request; draft requests wait for Submit.
func (c *Client) CreateRequest(ctx context.Context, providerID, requestType string, items []Item, draft bool) (CreateResult, error) {
	body := map[string]any{
		"items": items,
		"draft": draft,
	}
	if providerID != "" {
		body["provider_id"] = providerID
	}
	if requestType != "" {
		body["type"] = requestType
	}
	var resp CreateResult
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, publicID string) (RequestView, error) {
	var resp RequestView
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(publicID), nil, &resp)
	return resp, err
}

// ListRequests returns requests visible to the caller.
func (c *Client) ListRequests(ctx context.Context, status string, limit int) ([]Request, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Request
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, publicID string) (CreateResult, error) {
	var resp CreateResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%s/submit", url.PathEscape(publicID)), nil, &resp)
	return resp, err
}

// Decide approves or rejects one approval task.
func (c *Client) Decide(ctx context.Context, publicID, taskID, decision, comment string) (DecideResult, error) {
	body := map[string]any{"decision": decision}
	if comment != "" {
		body["comment"] = comment
	}
	var resp DecideResult
	endpoint := fmt.Sprintf("requests/%s/tasks/%s/decision", url.PathEscape(publicID), url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// PendingApprovals lists the tasks the caller can decide now.
func (c *Client) PendingApprovals(ctx context.Context) ([]PendingTask, error) {
	var resp []PendingTask
	err := c.do(ctx, http.MethodGet, "approvals/pending", nil, &resp)
	return resp, err
}

func (c *Client) RecordReception(ctx context.Context, itemID string, in ReceptionInput) (ReceptionResult, error) {
	var resp ReceptionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("items/%s/receptions", url.PathEscape(itemID)), in, &resp)
	return resp, err
}

type InvoiceLine struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type Invoice struct {
	ID         string          `json:"id"`
	ProviderID string          `json:"provider_id"`
	Prefix     string          `json:"prefix"`
	Number     string          `json:"number"`
	IssueDate  string          `json:"issue_date"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	Lines      []InvoiceLine   `json:"lines,omitempty"`
}

// CreateInvoice records a purchase invoice (administrators).
func (c *Client) CreateInvoice(ctx context.Context, providerID, prefix, number string, lines []InvoiceLine) (Invoice, error) {
	body := map[string]any{
		"provider_id": providerID,
		"number":      number,
		"lines":       lines,
	}
	if prefix != "" {
		body["prefix"] = prefix
	}
	var resp Invoice
	err := c.do(ctx, http.MethodPost, "invoices", body, &resp)
	return resp, err
}

func (c *Client) Traceability(ctx context.Context, publicID string) (Traceability, error) {
	var resp Traceability
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("requests/%s/traceability", url.PathEscape(publicID)), nil, &resp)
	return resp, err
}

// Kraljic classifies products received between start and end (YYYY-MM-DD).
func (c *Client) Kraljic(ctx context.Context, start, end string) (KraljicMatrix, error) {
	q := url.Values{"start": {start}, "end": {end}}
	var resp KraljicMatrix
	err := c.do(ctx, http.MethodGet, "analysis/kraljic?"+q.Encode(), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
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
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env errorEnvelope
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
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
