// Package nearapi talks to the NEAR-side HTLC contract over JSON-RPC:
// HTLC creation, secret withdrawal, refund, and state polling. NEAR has
// no push subscriptions, so event delivery is poll-based.
package nearapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Config holds NEAR client configuration.
type Config struct {
	NetworkID    string
	RPCURL       string
	BackupRPCURL string
	HTLCContract string
	AccountID    string
	// PrivateKey is the "ed25519:<base58>" form. Empty means the
	// filesystem credential store is consulted; if that also fails the
	// client is read-only.
	PrivateKey string
}

// Client is a NEAR JSON-RPC client with backup-endpoint failover.
type Client struct {
	cfg        Config
	httpClient *http.Client
	requestID  uint64
	creds      *Credentials
	log        *logging.Logger
}

// NewClient builds the client and resolves signing credentials:
// filesystem credential store first, then configuration. Without
// credentials the client serves reads only.
func NewClient(cfg Config, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: near rpc url not configured", session.ErrValidation)
	}
	if cfg.HTLCContract == "" {
		return nil, fmt.Errorf("%w: near htlc contract not configured", session.ErrValidation)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.Component("near"),
	}

	creds, err := ResolveCredentials(cfg.NetworkID, cfg.AccountID, cfg.PrivateKey)
	if err != nil {
		c.log.Warn("no near signing credentials, client is read-only", "err", err)
	} else {
		c.creds = creds
		c.log.Info("near signer loaded", "account", creds.AccountID)
	}

	return c, nil
}

// ReadOnly reports whether write operations are available.
func (c *Client) ReadOnly() bool {
	return c.creds == nil
}

// Contract returns the configured HTLC contract account.
func (c *Client) Contract() string {
	return c.cfg.HTLCContract
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// call performs one JSON-RPC request, failing over to the backup
// endpoint on transport errors.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	endpoints := []string{c.cfg.RPCURL}
	if c.cfg.BackupRPCURL != "" {
		endpoints = append(endpoints, c.cfg.BackupRPCURL)
	}

	var lastErr error
	for _, endpoint := range endpoints {
		err := c.callEndpoint(ctx, endpoint, method, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		// Node-level rejections are definitive; only transport
		// failures justify the backup endpoint.
		if errors.Is(err, session.ErrChainRejection) {
			return err
		}
		c.log.Warn("near rpc endpoint failed, trying next", "endpoint", endpoint, "err", err)
	}
	return lastErr
}

func (c *Client) callEndpoint(ctx context.Context, endpoint, method string, params, out interface{}) error {
	id := atomic.AddUint64(&c.requestID, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", session.ErrRPCFailure, method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", session.ErrRPCFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: http %d", session.ErrRPCFailure, method, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: decode response: %v", session.ErrRPCFailure, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%w: %s: %v", session.ErrChainRejection, method, envelope.Error)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// viewFunction calls a read-only contract method and returns the raw
// result bytes.
func (c *Client) viewFunction(ctx context.Context, method string, args interface{}) ([]byte, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal view args: %w", err)
	}

	var result struct {
		Result []int  `json:"result"`
		Error  string `json:"error"`
	}
	err = c.call(ctx, "query", map[string]interface{}{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   c.cfg.HTLCContract,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s: %s", session.ErrChainRejection, method, result.Error)
	}

	out := make([]byte, len(result.Result))
	for i, b := range result.Result {
		out[i] = byte(b)
	}
	return out, nil
}
