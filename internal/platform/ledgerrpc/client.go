// Package ledgerrpc talks to a remote ledger node over its HTTP and
// WebSocket API. Client processes and external clusters use it in place of
// an in-process ledger.Program.
package ledgerrpc

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

	"github.com/alanyoungcy/shootperps/internal/computation"
	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
	"github.com/alanyoungcy/shootperps/internal/server/handler"
)

// Client is the REST client for a ledger node.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var (
	_ handler.Ledger                 = (*Client)(nil)
	_ computation.Submitter          = (*Client)(nil)
	_ computation.FinalizationReader = (*Client)(nil)
	_ crypto.KeySource               = (*Client)(nil)
)

// NewClient creates a Client. baseURL is the node root, e.g.
// "http://localhost:8080". apiKey may be empty when the node runs without
// authentication.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response whose code the client does not map to a
// domain error.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s (%s)", e.Status, e.Message, e.Code)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ledgerrpc: encode %s: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("ledgerrpc: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledgerrpc: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ledgerrpc: read %s: %w", path, err)
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ledgerrpc: decode %s: %w", path, err)
	}
	return nil
}

// decodeError restores the domain sentinel named by the response code so
// callers can use errors.Is across the wire.
func decodeError(status int, data []byte) error {
	var body handler.ErrorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return fmt.Errorf("ledgerrpc: %w", &APIError{Status: status, Code: "unknown", Message: strings.TrimSpace(string(data))})
	}
	if sentinel := domain.ErrorForReason(body.Code); sentinel != nil {
		return fmt.Errorf("ledgerrpc: %s: %w", body.Error, sentinel)
	}
	return fmt.Errorf("ledgerrpc: %w", &APIError{Status: status, Code: body.Code, Message: body.Error})
}

// Execute submits a signed instruction.
func (c *Client) Execute(ctx context.Context, env ledger.SignedEnvelope) (domain.TxResult, error) {
	var res domain.TxResult
	err := c.do(ctx, http.MethodPost, "/v1/tx", env, &res)
	return res, err
}

// HandleCallback delivers a signed computation callback.
func (c *Client) HandleCallback(ctx context.Context, cb domain.SignedCallback) error {
	return c.do(ctx, http.MethodPost, "/v1/callbacks", cb, nil)
}

// Perpetuals reads the protocol root account.
func (c *Client) Perpetuals(ctx context.Context) (domain.Perpetuals, error) {
	var p domain.Perpetuals
	err := c.do(ctx, http.MethodGet, "/v1/perpetuals", nil, &p)
	return p, err
}

// Pool reads a pool.
func (c *Client) Pool(ctx context.Context, addr domain.Pubkey) (domain.Pool, error) {
	return get[domain.Pool](ctx, c, "/v1/pools/"+addr.String())
}

// Custody reads a custody.
func (c *Client) Custody(ctx context.Context, addr domain.Pubkey) (domain.Custody, error) {
	return get[domain.Custody](ctx, c, "/v1/custodies/"+addr.String())
}

// Oracle reads the oracle account of a custody.
func (c *Client) Oracle(ctx context.Context, custody domain.Pubkey) (domain.OracleAccount, error) {
	return get[domain.OracleAccount](ctx, c, "/v1/custodies/"+custody.String()+"/oracle")
}

// Position reads a position.
func (c *Client) Position(ctx context.Context, addr domain.Pubkey) (domain.Position, error) {
	return get[domain.Position](ctx, c, "/v1/positions/"+addr.String())
}

// PositionsByOwner lists the positions of owner.
func (c *Client) PositionsByOwner(ctx context.Context, owner domain.Pubkey) ([]domain.Position, error) {
	return get[[]domain.Position](ctx, c, "/v1/owners/"+owner.String()+"/positions")
}

// Computation reads a computation record.
func (c *Client) Computation(ctx context.Context, offset uint64) (domain.Computation, error) {
	return get[domain.Computation](ctx, c, "/v1/computations/"+strconv.FormatUint(offset, 10))
}

// PendingComputations lists the node's computations awaiting a callback.
func (c *Client) PendingComputations(ctx context.Context) ([]domain.Computation, error) {
	return get[[]domain.Computation](ctx, c, "/v1/computations")
}

// Finalization reports the outcome of offset; ok is false while pending.
func (c *Client) Finalization(ctx context.Context, offset uint64) (domain.Finalization, bool, error) {
	resp, err := get[handler.FinalizationResponse](ctx, c, "/v1/finalizations/"+strconv.FormatUint(offset, 10))
	if err != nil {
		return domain.Finalization{}, false, err
	}
	if !resp.Resolved || resp.Finalization == nil {
		return domain.Finalization{}, false, nil
	}
	return *resp.Finalization, true, nil
}

// ClusterKey reads the published cluster key. It wraps
// domain.ErrKeyUnavailable before the key ceremony completes.
func (c *Client) ClusterKey(ctx context.Context) (domain.X25519Key, error) {
	resp, err := get[handler.ClusterKeyResponse](ctx, c, "/v1/cluster/key")
	return resp.PublicKey, err
}

// Balance reads owner's balance of mint.
func (c *Client) Balance(ctx context.Context, mint, owner domain.Pubkey) (uint64, error) {
	resp, err := get[handler.BalanceResponse](ctx, c, "/v1/balances/"+mint.String()+"/"+owner.String())
	return resp.Amount, err
}

// Events pages through the node's event log.
func (c *Client) Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(afterSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return get[[]domain.Event](ctx, c, "/v1/events/log?"+q.Encode())
}

// Ping checks the node health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return fmt.Errorf("ledgerrpc: node degraded: %w", err)
	}
	return err
}

func get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var v T
	err := c.do(ctx, http.MethodGet, path, nil, &v)
	return v, err
}
