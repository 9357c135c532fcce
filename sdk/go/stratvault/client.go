package stratvault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// identityHeader carries the caller identity evaluated by the server's
// access-control layer.
const identityHeader = "X-Caller-Identity"

// Client wraps the HTTP interactions with the StratVault REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu       sync.RWMutex
	identity string
}

// Allocation describes one leg of a strategy: how much of the asset goes to
// which target on which chain.
type Allocation struct {
	DestinationChainID uint64 `json:"destination_chain_id"`
	Target             string `json:"target"`
	AssetID            string `json:"asset_id"`
	Amount             int64  `json:"amount"`
	ExpectedYieldBps   int64  `json:"expected_yield_bps"`
}

// Strategy mirrors the server side strategy record.
type Strategy struct {
	ID          uint64       `json:"id"`
	Owner       string       `json:"owner"`
	Allocations []Allocation `json:"allocations"`
	TotalAmount int64        `json:"total_amount"`
	Approved    bool         `json:"approved"`
	Executed    bool         `json:"executed"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
}

// Position mirrors the server side user position record.
type Position struct {
	Owner            string `json:"owner"`
	AvailableBalance int64  `json:"available_balance"`
	TotalDeposited   int64  `json:"total_deposited"`
	ActiveStrategyID uint64 `json:"active_strategy_id"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

// LedgerStats aggregates ledger wide counters.
type LedgerStats struct {
	Positions       int   `json:"positions"`
	TotalAvailable  int64 `json:"total_available"`
	TotalDeposited  int64 `json:"total_deposited"`
	Strategies      int   `json:"strategies"`
	Proposed        int   `json:"proposed"`
	Approved        int   `json:"approved"`
	Executed        int   `json:"executed"`
	ExecutedVolume  int64 `json:"executed_volume"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Stats is the full stats view including custody held outside the ledger.
type Stats struct {
	Ledger         LedgerStats `json:"ledger"`
	Custody        int64       `json:"custody"`
	RouterHoldings int64       `json:"router_holdings"`
	BridgeInbound  int64       `json:"bridge_inbound"`
}

// ExecutionResult is returned after a full strategy execution. MessageIDs
// lists the cross-chain messages emitted for remote allocations.
type ExecutionResult struct {
	Strategy   *Strategy `json:"strategy"`
	MessageIDs []string  `json:"message_ids,omitempty"`
}

// ListStrategiesQuery narrows a strategy listing.
type ListStrategiesQuery struct {
	Owner    string
	Statuses []string
	Limit    int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("stratvault api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("stratvault api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the StratVault API. When httpClient is
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

// SetIdentity sets the caller identity sent with every request.
func (c *Client) SetIdentity(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
}

// Identity returns the currently configured caller identity.
func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Deposit credits the owner's available balance.
func (c *Client) Deposit(ctx context.Context, owner string, amount int64) (Position, error) {
	var pos Position
	payload := map[string]any{"owner": owner, "amount": amount}
	if err := c.post(ctx, "/api/v1/deposits", payload, &pos); err != nil {
		return Position{}, err
	}
	return pos, nil
}

// Withdraw debits the owner's available balance.
func (c *Client) Withdraw(ctx context.Context, owner string, amount int64) (Position, error) {
	var pos Position
	payload := map[string]any{"owner": owner, "amount": amount}
	if err := c.post(ctx, "/api/v1/withdrawals", payload, &pos); err != nil {
		return Position{}, err
	}
	return pos, nil
}

// GetPosition fetches a single owner position.
func (c *Client) GetPosition(ctx context.Context, owner string) (Position, error) {
	var pos Position
	if err := c.get(ctx, "/api/v1/positions/"+url.PathEscape(owner), &pos); err != nil {
		return Position{}, err
	}
	return pos, nil
}

// ProposeStrategy submits a new allocation plan on behalf of owner and
// returns the assigned strategy identifier.
func (c *Client) ProposeStrategy(ctx context.Context, owner string, allocations []Allocation, totalAmount int64) (uint64, error) {
	payload := map[string]any{
		"owner":        owner,
		"allocations":  allocations,
		"total_amount": totalAmount,
	}
	var resp struct {
		StrategyID uint64 `json:"strategy_id"`
	}
	if err := c.post(ctx, "/api/v1/strategies", payload, &resp); err != nil {
		return 0, err
	}
	return resp.StrategyID, nil
}

// GetStrategy fetches a strategy by identifier.
func (c *Client) GetStrategy(ctx context.Context, id uint64) (Strategy, error) {
	var strategy Strategy
	if err := c.get(ctx, fmt.Sprintf("/api/v1/strategies/%d", id), &strategy); err != nil {
		return Strategy{}, err
	}
	return strategy, nil
}

// ApproveStrategy approves a pending strategy as the configured identity.
func (c *Client) ApproveStrategy(ctx context.Context, id uint64) (Strategy, error) {
	var strategy Strategy
	if err := c.post(ctx, fmt.Sprintf("/api/v1/strategies/%d/approve", id), nil, &strategy); err != nil {
		return Strategy{}, err
	}
	return strategy, nil
}

// ExecuteStrategy triggers the full dispatch of an approved strategy.
func (c *Client) ExecuteStrategy(ctx context.Context, id uint64) (ExecutionResult, error) {
	var result ExecutionResult
	if err := c.post(ctx, fmt.Sprintf("/api/v1/strategies/%d/execute", id), nil, &result); err != nil {
		return ExecutionResult{}, err
	}
	return result, nil
}

// ListStrategies fetches strategies matching the query. A zero query lists
// everything the server is willing to return.
func (c *Client) ListStrategies(ctx context.Context, query ListStrategiesQuery) ([]Strategy, error) {
	values := url.Values{}
	if query.Owner != "" {
		values.Set("owner", query.Owner)
	}
	if len(query.Statuses) > 0 {
		values.Set("status", strings.Join(query.Statuses, ","))
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	endpoint := "/api/v1/strategies"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var strategies []Strategy
	if err := c.get(ctx, endpoint, &strategies); err != nil {
		return nil, err
	}
	return strategies, nil
}

// Peg reports whether the tracked asset currently trades inside the peg band.
func (c *Client) Peg(ctx context.Context) (bool, error) {
	var resp struct {
		Pegged bool `json:"pegged"`
	}
	if err := c.get(ctx, "/api/v1/peg", &resp); err != nil {
		return false, err
	}
	return resp.Pegged, nil
}

// Stats fetches the aggregate system view.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	trimmed := endpoint
	query := ""
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		trimmed, query = endpoint[:idx], endpoint[idx+1:]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, trimmed), RawQuery: query}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if identity := c.Identity(); identity != "" {
		req.Header.Set(identityHeader, identity)
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
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
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
