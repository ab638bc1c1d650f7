// Package rpcclient wraps the NEAR JSON-RPC endpoint: transaction
// submission, access-key queries, latest-block-hash retrieval, and view
// calls. It is a thin, out-of-process collaborator — the dispatch pipeline
// depends only on the Client interface below.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
	"github.com/luxfi/near-dispatch-gateway/internal/neartx"
)

// SubmitResult is the outcome of a successful transaction submission.
type SubmitResult struct {
	Hash    string
	Outcome json.RawMessage
}

// AccessKeyInfo is the result of an access-key query.
type AccessKeyInfo struct {
	Nonce      uint64
	Permission json.RawMessage
}

// Client is the narrow interface the dispatch pipeline depends on. The
// concrete implementation below talks to a real NEAR node; tests substitute
// a stub satisfying the same interface.
type Client interface {
	Submit(ctx context.Context, signed *neartx.SignedTransaction, wire []byte) (*SubmitResult, error)
	QueryAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyInfo, error)
	GetRecentBlockHash(ctx context.Context) ([32]byte, error)
	ViewFunction(ctx context.Context, contractID, method string, args []byte) (json.RawMessage, error)
}

// Config configures the pooled JSON-RPC client.
type Config struct {
	NodeURL  string
	PoolSize int           // number of pooled HTTP clients, round-robin selected
	Timeout  time.Duration // per-call timeout, default 30s
	// BlockHashTTL bounds how long a cached recent block hash is reused
	// before a fresh one is fetched. Capped at 1s regardless of the
	// configured value.
	BlockHashTTL time.Duration
}

// pooledClient round-robins calls across a fixed-size pool of *http.Client,
// each with its own independent transport, so that no single HTTP/1.1
// connection is shared across concurrent requests.
type pooledClient struct {
	cfg     Config
	clients []*http.Client
	next    atomic.Uint64

	blockHashMu      chan struct{} // 1-buffered mutex; never block callers beyond a short hold
	cachedBlockHash  [32]byte
	cachedAt         time.Time
	cachedBlockValid bool
}

// New builds a Client against a real NEAR RPC node.
func New(cfg Config) Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BlockHashTTL <= 0 || cfg.BlockHashTTL > time.Second {
		cfg.BlockHashTTL = time.Second
	}
	clients := make([]*http.Client, cfg.PoolSize)
	for i := range clients {
		clients[i] = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	pc := &pooledClient{
		cfg:         cfg,
		clients:     clients,
		blockHashMu: make(chan struct{}, 1),
	}
	pc.blockHashMu <- struct{}{}
	return pc
}

func (c *pooledClient) pick() *http.Client {
	i := c.next.Add(1) - 1
	return c.clients[i%uint64(len(c.clients))]
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Name    string          `json:"name"`
	Cause   json.RawMessage `json:"cause"`
	Message string          `json:"message"`
}

func (c *pooledClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "dispatch", Method: method, Params: params})
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Transient, "marshal rpc request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.NodeURL, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Transient, "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.pick().Do(req)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Transient, fmt.Sprintf("rpc call %s", method), err)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, gwerrors.Wrap(gwerrors.Transient, "decode rpc response", err)
	}
	if decoded.Error != nil {
		return nil, classifyRPCError(decoded.Error)
	}
	return decoded.Result, nil
}

// isExpiredTransactionError reports whether err is the node rejecting a
// transaction because its block hash is too old to be accepted anymore. The
// cached block hash's TTL would self-heal within a second regardless, but an
// explicit invalidation means the very next transaction built from this key
// doesn't also race the same stale hash.
func isExpiredTransactionError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "expired")
}

// classifyRPCError maps a NEAR JSON-RPC error onto the gateway's taxonomy.
func classifyRPCError(e *rpcError) error {
	msg := strings.ToLower(e.Name + " " + e.Message)
	switch {
	case strings.Contains(msg, "invalidnonce"), strings.Contains(msg, "nonce"):
		return gwerrors.New(gwerrors.NonceDrift, e.Message)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "expired"):
		return gwerrors.New(gwerrors.Transient, e.Message)
	case strings.Contains(msg, "invalidaccess"), strings.Contains(msg, "invalidsignature"), strings.Contains(msg, "invalidtx"):
		return gwerrors.New(gwerrors.InvalidTx, e.Message)
	case strings.Contains(msg, "functioncallerror"), strings.Contains(msg, "panic"):
		return gwerrors.New(gwerrors.ContractError, e.Message)
	default:
		return gwerrors.New(gwerrors.Transient, e.Message)
	}
}

func (c *pooledClient) Submit(ctx context.Context, signed *neartx.SignedTransaction, wire []byte) (*SubmitResult, error) {
	result, err := c.call(ctx, "broadcast_tx_commit", []string{base58.Encode(wire)})
	if err != nil {
		if isExpiredTransactionError(err) {
			c.InvalidateBlockHash()
		}
		return nil, err
	}
	var parsed struct {
		TransactionOutcome struct {
			ID json.RawMessage `json:"id"`
		} `json:"transaction_outcome"`
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, gwerrors.Wrap(gwerrors.Transient, "decode broadcast_tx_commit result", err)
	}
	var hash string
	_ = json.Unmarshal(parsed.TransactionOutcome.ID, &hash)
	return &SubmitResult{Hash: hash, Outcome: result}, nil
}

func (c *pooledClient) QueryAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyInfo, error) {
	result, err := c.call(ctx, "query", map[string]any{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Nonce      uint64          `json:"nonce"`
		Permission json.RawMessage `json:"permission"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, gwerrors.Wrap(gwerrors.Transient, "decode view_access_key result", err)
	}
	return &AccessKeyInfo{Nonce: parsed.Nonce, Permission: parsed.Permission}, nil
}

func (c *pooledClient) GetRecentBlockHash(ctx context.Context) ([32]byte, error) {
	<-c.blockHashMu
	if c.cachedBlockValid && time.Since(c.cachedAt) < c.cfg.BlockHashTTL {
		h := c.cachedBlockHash
		c.blockHashMu <- struct{}{}
		return h, nil
	}
	c.blockHashMu <- struct{}{}

	result, err := c.call(ctx, "block", map[string]any{"finality": "final"})
	if err != nil {
		return [32]byte{}, err
	}
	var parsed struct {
		Header struct {
			Hash string `json:"hash"`
		} `json:"header"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return [32]byte{}, gwerrors.Wrap(gwerrors.Transient, "decode block result", err)
	}
	decoded, err := base58.Decode(parsed.Header.Hash)
	if err != nil || len(decoded) != 32 {
		return [32]byte{}, gwerrors.Wrap(gwerrors.Transient, "decode block hash", err)
	}
	var hash [32]byte
	copy(hash[:], decoded)

	<-c.blockHashMu
	c.cachedBlockHash = hash
	c.cachedAt = time.Now()
	c.cachedBlockValid = true
	c.blockHashMu <- struct{}{}

	return hash, nil
}

// InvalidateBlockHash forces the next GetRecentBlockHash call to refetch.
// Called when the node reports an "expired transaction" error.
func (c *pooledClient) InvalidateBlockHash() {
	<-c.blockHashMu
	c.cachedBlockValid = false
	c.blockHashMu <- struct{}{}
}

func (c *pooledClient) ViewFunction(ctx context.Context, contractID, method string, args []byte) (json.RawMessage, error) {
	result, err := c.call(ctx, "query", map[string]any{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   contractID,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(args),
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
