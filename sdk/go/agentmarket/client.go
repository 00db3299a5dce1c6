// Package agentmarket provides a thin Go client for the on-chain agent
// marketplace REST API.
package agentmarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the agent marketplace REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents operator credentials used to obtain access tokens.
type Credentials struct {
	GrantType string `json:"grant_type"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// TokenPair mirrors the access/refresh token pair issued by /api/v1/auth/token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// RegisterAgentRequest is the payload accepted by POST /api/v1/agents.
type RegisterAgentRequest struct {
	Owner string `json:"owner"`
	URI   string `json:"uri"`
}

// Pricing mirrors listing.Pricing on the wire.
type Pricing struct {
	PaymentToken  string `json:"payment_token"`
	BasePrice     uint64 `json:"base_price"`
	UnitType      string `json:"unit_type"`
	UnitPrice     uint64 `json:"unit_price"`
	MinUnits      uint64 `json:"min_units"`
	MaxUnits      uint64 `json:"max_units"`
	QuoteRequired bool   `json:"quote_required"`
}

// Policy mirrors listing.Policy on the wire.
type Policy struct {
	ChallengeWindowSec   uint64 `json:"challenge_window_sec"`
	PostDisputeWindowSec uint64 `json:"post_dispute_window_sec"`
	DeliveryWindowSec    uint64 `json:"delivery_window_sec"`
	SellerBondBps        uint64 `json:"seller_bond_bps"`
}

// CreateListingRequest is the payload accepted by POST /api/v1/listings.
type CreateListingRequest struct {
	AgentID uint64  `json:"agent_id"`
	Caller  string  `json:"caller"`
	URI     string  `json:"uri"`
	Pricing Pricing `json:"pricing"`
	Policy  Policy  `json:"policy"`
}

// PostTaskRequest is the payload accepted by POST /api/v1/tasks.
type PostTaskRequest struct {
	ListingID     uint64 `json:"listing_id"`
	Buyer         string `json:"buyer"`
	TaskURI       string `json:"task_uri"`
	ProposedUnits uint64 `json:"proposed_units"`
}

// TaskView is the JSON representation of market.Task returned by the API.
type TaskView struct {
	ID             uint64 `json:"ID"`
	ListingID      uint64 `json:"ListingID"`
	AgentID        uint64 `json:"AgentID"`
	Buyer          string `json:"Buyer"`
	Status         string `json:"Status"`
	SettlementPath string `json:"SettlementPath"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentmarket api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentmarket api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the marketplace API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Authenticate exchanges operator credentials for an access token and stores
// it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (TokenPair, error) {
	if creds.GrantType == "" {
		creds.GrantType = "password"
	}
	var pair TokenPair
	if err := c.post(ctx, "/api/v1/auth/token", creds, &pair, false); err != nil {
		return TokenPair{}, err
	}
	c.mu.Lock()
	c.accessToken = pair.AccessToken
	c.mu.Unlock()
	return pair, nil
}

// RegisterAgent mints a new Agent Identity NFT.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (uint64, error) {
	var resp map[string]uint64
	if err := c.post(ctx, "/api/v1/agents", req, &resp, true); err != nil {
		return 0, err
	}
	return resp["agent_id"], nil
}

// CreateListing publishes a new listing under an agent.
func (c *Client) CreateListing(ctx context.Context, req CreateListingRequest) (uint64, error) {
	var resp map[string]uint64
	if err := c.post(ctx, "/api/v1/listings", req, &resp, true); err != nil {
		return 0, err
	}
	return resp["listing_id"], nil
}

// PostTask opens a new task against a listing.
func (c *Client) PostTask(ctx context.Context, req PostTaskRequest) (uint64, error) {
	var resp map[string]uint64
	if err := c.post(ctx, "/api/v1/tasks", req, &resp, true); err != nil {
		return 0, err
	}
	return resp["task_id"], nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID uint64) (TaskView, error) {
	var task TaskView
	endpoint := fmt.Sprintf("/api/v1/tasks/%d", taskID)
	if err := c.get(ctx, endpoint, &task, true); err != nil {
		return TaskView{}, err
	}
	return task, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.AccessToken()
		if token == "" {
			return nil, fmt.Errorf("agentmarket: access token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
