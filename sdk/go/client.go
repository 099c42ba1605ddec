package givelinksdk

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

// Client is a minimal Givelink HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User represents the API user model.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// Donation represents a listed item.
type Donation struct {
	ID             int64   `json:"id"`
	Category       string  `json:"category"`
	Description    string  `json:"description"`
	Condition      string  `json:"condition"`
	Zone           string  `json:"zone"`
	City           string  `json:"city"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	DonorID        *int64  `json:"donor_id,omitempty"`
	RequesterID    *int64  `json:"requester_id,omitempty"`
	DeliveryStatus string  `json:"delivery_status"`
	ReservedAt     *string `json:"reserved_at,omitempty"`
	DeliveredAt    *string `json:"delivered_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// Request represents a seeker's ask for a donation.
type Request struct {
	ID          int64   `json:"id"`
	RequesterID int64   `json:"requester_id"`
	DonationID  int64   `json:"donation_id"`
	Status      string  `json:"status"`
	Message     string  `json:"message,omitempty"`
	CreatedAt   string  `json:"created_at"`
	RespondedAt *string `json:"responded_at,omitempty"`
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

// ReconciliationFinding pairs an approved request with the donation
// that is not reserved for its requester.
type ReconciliationFinding struct {
	Request  Request  `json:"request"`
	Donation Donation `json:"donation"`
}

// ReconciliationReport is the full invariant sweep result.
type ReconciliationReport struct {
	Findings []ReconciliationFinding `json:"findings"`
	Healthy  bool                    `json:"healthy"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedDonations wraps donation listings with cursors.
type PaginatedDonations struct {
	Items      []Donation `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedRequests wraps request listings with cursors.
type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// DevLogin exchanges credentials for a bearer token and stores it on
// the client.
func (c *Client) DevLogin(ctx context.Context, username, password string) (User, error) {
	body := map[string]any{
		"username": username,
		"password": password,
	}
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// CreateUser registers a donor or seeker.
func (c *Client) CreateUser(ctx context.Context, username, password, name, role string) (User, error) {
	body := map[string]any{
		"username": username,
		"password": password,
		"name":     name,
		"role":     role,
	}
	var resp User
	err := c.do(ctx, http.MethodPost, "users", body, &resp)
	return resp, err
}

// CreateDonation lists an item.
func (c *Client) CreateDonation(ctx context.Context, d Donation) (Donation, error) {
	body := map[string]any{
		"category":    d.Category,
		"description": d.Description,
		"condition":   d.Condition,
		"zone":        d.Zone,
		"city":        d.City,
		"latitude":    d.Latitude,
		"longitude":   d.Longitude,
	}
	if d.DonorID != nil {
		body["donor_id"] = *d.DonorID
	}
	var resp Donation
	err := c.do(ctx, http.MethodPost, "donations", body, &resp)
	return resp, err
}

// GetDonation fetches a donation by id.
func (c *Client) GetDonation(ctx context.Context, id int64) (Donation, error) {
	var resp Donation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("donations/%d", id), nil, &resp)
	return resp, err
}

// Donations lists donations, optionally filtered by delivery status.
func (c *Client) Donations(ctx context.Context, status string, limit int) ([]Donation, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "donations"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedDonations
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SetDonationStatus advances a donation. Reserving requires requesterID.
func (c *Client) SetDonationStatus(ctx context.Context, id int64, status string, requesterID *int64) (Donation, error) {
	body := map[string]any{"status": status}
	if requesterID != nil {
		body["requester_id"] = *requesterID
	}
	var resp Donation
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("donations/%d/status", id), body, &resp)
	return resp, err
}

// CreateRequest asks to receive a donation.
func (c *Client) CreateRequest(ctx context.Context, requesterID, donationID int64, message string) (Request, error) {
	body := map[string]any{
		"requester_id": requesterID,
		"donation_id":  donationID,
		"message":      message,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

// Requests lists requests, optionally filtered by status.
func (c *Client) Requests(ctx context.Context, status string, limit int) ([]Request, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "requests"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ApproveRequest approves a pending request, reserving its donation.
func (c *Client) ApproveRequest(ctx context.Context, id int64) (Request, error) {
	return c.setRequestStatus(ctx, id, "approved")
}

// RejectRequest rejects a pending request.
func (c *Client) RejectRequest(ctx context.Context, id int64) (Request, error) {
	return c.setRequestStatus(ctx, id, "rejected")
}

func (c *Client) setRequestStatus(ctx context.Context, id int64, status string) (Request, error) {
	body := map[string]any{"status": status}
	var resp Request
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("requests/%d/status", id), body, &resp)
	return resp, err
}

// Reconciliation runs the cross-entity invariant sweep.
func (c *Client) Reconciliation(ctx context.Context) (ReconciliationReport, error) {
	var resp ReconciliationReport
	err := c.do(ctx, http.MethodGet, "reconciliation", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
