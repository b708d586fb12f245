package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harvestmark/agritrace-backend/internal/logger"
)

func rpcTestClient(t *testing.T, handler http.HandlerFunc) (*RPCClient, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg := &Config{
		RPCURL:             srv.URL,
		GroupID:            1,
		ContractAddress:    "0x1111111111111111111111111111111111111111",
		CallTimeoutSeconds: 5,
	}
	return NewRPCClient(logger.NewNop(), cfg), srv.Close
}

func TestCallDecodesOutput(t *testing.T) {
	// verifyTraceCode(string) returning (bool).
	ret, err := encodeArgs([]string{"bool"}, []any{true})
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	client, closeFn := rpcTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Method != "call" {
			t.Errorf("method = %s", req.Method)
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"output":"0x%x"}}`, ret)
	})
	defer closeFn()

	values, err := client.Call(context.Background(), "verifyTraceCode(string)", []string{"string"}, []any{"TRACE-1"}, []string{"bool"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(values) != 1 || values[0] != true {
		t.Fatalf("values = %v", values)
	}
}

func TestCallEmptyOutput(t *testing.T) {
	client, closeFn := rpcTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"output":"0x"}}`)
	})
	defer closeFn()

	_, err := client.Call(context.Background(), "getProduct(string)", []string{"string"}, []any{"TRACE-1"}, []string{"string"})
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("want ErrEmptyResult, got %v", err)
	}
}

func TestCallRPCError(t *testing.T) {
	client, closeFn := rpcTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"node unavailable"}}`)
	})
	defer closeFn()

	_, err := client.Call(context.Background(), "getProduct(string)", []string{"string"}, []any{"x"}, []string{"string"})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("want TransportError, got %v", err)
	}
}

func TestBlockNumberHexResult(t *testing.T) {
	client, closeFn := rpcTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"0x2a"}`)
	})
	defer closeFn()

	n, err := client.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 42 {
		t.Fatalf("n = %d", n)
	}
}

func TestTransactionReceiptMissing(t *testing.T) {
	client, closeFn := rpcTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
	})
	defer closeFn()

	receipt, err := client.TransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("TransactionReceipt: %v", err)
	}
	if receipt != nil {
		t.Fatalf("receipt = %+v, want nil", receipt)
	}
}

func TestTransactionReceiptMixedShapes(t *testing.T) {
	client, closeFn := rpcTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"status":"0x0","blockNumber":123}}`)
	})
	defer closeFn()

	receipt, err := client.TransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("TransactionReceipt: %v", err)
	}
	if !receipt.StatusOK() {
		t.Fatalf("status = %v", receipt.Status)
	}
	if receipt.BlockNumber == nil || *receipt.BlockNumber != 123 {
		t.Fatalf("blockNumber = %v", receipt.BlockNumber)
	}
}

func TestParseQuantity(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int64
		ok   bool
	}{
		{name: "json_number", raw: `17`, want: 17, ok: true},
		{name: "decimal_string", raw: `"17"`, want: 17, ok: true},
		{name: "hex_string", raw: `"0x11"`, want: 17, ok: true},
		{name: "null", raw: `null`, ok: false},
		{name: "garbage", raw: `"zzz"`, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseQuantity(json.RawMessage(tc.raw))
			if ok != tc.ok || got != tc.want {
				t.Fatalf("parseQuantity(%s) = (%d, %t), want (%d, %t)", tc.raw, got, ok, tc.want, tc.ok)
			}
		})
	}
}
