package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mmdatafocus/erpbridge/config"
	"golang.org/x/time/rate"
)

// RPCClient calls the business application over JSON-RPC. It implements
// RemoteExecutor and IdentifierWriter.
type RPCClient struct {
	endpoint string
	database string
	username string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter

	nextID atomic.Int64

	mu  sync.Mutex
	uid int
}

func NewRPCClient(cfg config.AppClientConfig) (*RPCClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("business app rpc url is empty")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("business app api key is empty")
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	endpoint := base
	if !strings.HasSuffix(endpoint, "/jsonrpc") {
		endpoint += "/jsonrpc"
	}
	return &RPCClient{
		endpoint: endpoint,
		database: cfg.Database,
		username: cfg.Username,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}, nil
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

func (c *RPCClient) RemoteExecute(ctx context.Context, model string, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	uid, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return c.call(ctx, "object", "execute_kw", []any{c.database, uid, c.apiKey, model, method, args, kwargs})
}

// WriteBackIdentifier stores the ERP identifiers on the order named correlationRef.
func (c *RPCClient) WriteBackIdentifier(ctx context.Context, correlationRef string, newID int, newNumber string) error {
	raw, err := c.RemoteExecute(ctx, "sale.order", "search",
		[]any{[]any{[]any{"name", "=", correlationRef}}},
		map[string]any{"limit": 1},
	)
	if err != nil {
		return fmt.Errorf("find order %s: %w", correlationRef, err)
	}
	var ids []int
	if err := json.Unmarshal(raw, &ids); err != nil {
		return fmt.Errorf("decode order search: %w", err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("order %s not found", correlationRef)
	}
	_, err = c.RemoteExecute(ctx, "sale.order", "write", []any{
		ids,
		map[string]any{
			"x_erp_doc_entry": newID,
			"x_erp_doc_num":   newNumber,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("write identifiers on order %s: %w", correlationRef, err)
	}
	return nil
}

func (c *RPCClient) authenticate(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid != 0 {
		return c.uid, nil
	}
	raw, err := c.call(ctx, "common", "authenticate", []any{c.database, c.username, c.apiKey, map[string]any{}})
	if err != nil {
		return 0, fmt.Errorf("authenticate: %w", err)
	}
	var uid int
	if err := json.Unmarshal(raw, &uid); err != nil || uid == 0 {
		// a failed login answers false
		return 0, errors.New("authenticate: credentials rejected")
	}
	c.uid = uid
	return uid, nil
}

func (c *RPCClient) call(ctx context.Context, service string, method string, args []any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("business app http error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed rpcResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if parsed.Error != nil {
		msg := parsed.Error.Data.Message
		return nil, &RPCError{Code: parsed.Error.Code, Message: parsed.Error.Message, Data: msg}
	}
	return parsed.Result, nil
}
