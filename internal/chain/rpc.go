package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/harvestmark/agritrace-backend/internal/logger"
)

// RPCClient is the read gateway: typed queries encoded as ABI calls over the
// node's JSON-RPC endpoint. It is side-effect free and safe for concurrent
// use; transport failures are reported, never retried here.
type RPCClient struct {
	log             *logger.Logger
	httpClient      *http.Client
	url             string
	groupID         int
	contractAddress string
}

func NewRPCClient(log *logger.Logger, cfg *Config) *RPCClient {
	return &RPCClient{
		log:             log.With("service", "ChainRPCClient"),
		httpClient:      &http.Client{Timeout: cfg.CallTimeout()},
		url:             cfg.RPCURL,
		groupID:         cfg.GroupID,
		contractAddress: cfg.ContractAddress,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) rpcCall(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &TransportError{Op: method, Err: err}
	}
	if decoded.Error != nil {
		return nil, &TransportError{Op: method, Err: decoded.Error}
	}
	return decoded.Result, nil
}

// BlockNumber returns the current chain head height.
func (c *RPCClient) BlockNumber(ctx context.Context) (int64, error) {
	raw, err := c.rpcCall(ctx, "getBlockNumber", []any{c.groupID})
	if err != nil {
		return 0, err
	}
	n, ok := parseQuantity(raw)
	if !ok {
		return 0, &TransportError{Op: "getBlockNumber", Err: fmt.Errorf("unparseable result %s", string(raw))}
	}
	return n, nil
}

// Call executes a read-only contract call. Arguments are ABI-encoded behind
// the 4-byte selector of signature; the hex return payload is decoded
// according to retTypes. An "0x" result resolves to ErrEmptyResult.
func (c *RPCClient) Call(ctx context.Context, signature string, argTypes []string, args []any, retTypes []string) ([]any, error) {
	data, err := EncodeCall(signature, argTypes, args)
	if err != nil {
		return nil, err
	}
	params := []any{c.groupID, map[string]any{
		"from": zeroAddress,
		"to":   c.contractAddress,
		"data": "0x" + hex.EncodeToString(data),
	}}
	raw, err := c.rpcCall(ctx, "call", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &TransportError{Op: "call", Err: err}
	}
	hexOut := strings.TrimPrefix(result.Output, "0x")
	if hexOut == "" {
		return nil, ErrEmptyResult
	}
	payload, err := hex.DecodeString(hexOut)
	if err != nil {
		return nil, &TransportError{Op: "call", Err: fmt.Errorf("non-hex output: %w", err)}
	}
	return DecodeResult(payload, retTypes)
}

// Receipt is a tolerant view of a transaction receipt. The node returns
// status and block number as hex strings, decimal strings or numbers
// depending on version, and the console fallback produces yet another shape,
// so both fields go through parseQuantity.
type Receipt struct {
	TransactionHash string
	Status          *int64
	BlockNumber     *int64
}

func (r *Receipt) StatusOK() bool {
	return r != nil && r.Status != nil && *r.Status == 0
}

// TransactionReceipt fetches the receipt for txHash. A missing receipt is
// (nil, nil), not an error: the transaction may simply not be mined yet.
func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	raw, err := c.rpcCall(ctx, "getTransactionReceipt", []any{c.groupID, txHash, true})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &TransportError{Op: "getTransactionReceipt", Err: err}
	}
	receipt := &Receipt{TransactionHash: txHash}
	if v, ok := fields["status"]; ok {
		if n, ok := parseQuantity(v); ok {
			receipt.Status = &n
		}
	}
	if v, ok := fields["blockNumber"]; ok {
		if n, ok := parseQuantity(v); ok {
			receipt.BlockNumber = &n
		}
	}
	return receipt, nil
}

// parseQuantity accepts a JSON number, a decimal string or a 0x-hex string.
func parseQuantity(raw json.RawMessage) (int64, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, false
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	return parseQuantityString(s)
}

func parseQuantityString(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseInt(s[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
