package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Gateway submits a write to the ledger and returns its transaction hash.
type Gateway interface {
	Submit(ctx context.Context, method string, params any) (string, error)
}

// HTTPGateway talks JSON-RPC 2.0 to a ledger node or relay.
type HTTPGateway struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewHTTPGateway builds a gateway for the given endpoint.
func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error object returned by the ledger node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Submit sends one JSON-RPC call and expects a string transaction hash back.
func (g *HTTPGateway) Submit(ctx context.Context, method string, params any) (string, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      g.nextID.Add(1),
		Method:  method,
		Params:  []any{params},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("call %s: status %d", method, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return "", out.Error
	}
	var txHash string
	if err := json.Unmarshal(out.Result, &txHash); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	if txHash == "" {
		return "", errors.New("empty transaction hash")
	}
	return txHash, nil
}
