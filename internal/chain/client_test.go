package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// rpcServer answers eth_chainId with the given hex value.
func rpcServer(t *testing.T, chainIDHex string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "eth_chainId" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32601, "message": "method not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID, "result": chainIDHex,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDial(t *testing.T) {
	srv := rpcServer(t, "0x7a69")

	c, err := Dial(context.Background(), Config{RPCURL: srv.URL, ChainID: 31337, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.ChainID().Uint64() != 31337 {
		t.Fatalf("chain id = %s", c.ChainID())
	}
	if c.HasSigner() {
		t.Fatal("expected read-only client")
	}
}

func TestDialChainIDMismatch(t *testing.T) {
	srv := rpcServer(t, "0x1")

	_, err := Dial(context.Background(), Config{RPCURL: srv.URL, ChainID: 31337})
	if err == nil || !strings.Contains(err.Error(), "chain id mismatch") {
		t.Fatalf("expected chain id mismatch, got %v", err)
	}
}

func TestDialWithOperatorKey(t *testing.T) {
	srv := rpcServer(t, "0x7a69")
	// Well-known development key #0.
	key := "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	c, err := Dial(context.Background(), Config{RPCURL: srv.URL, PrivateKey: key})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	addr, ok := c.Operator()
	if !ok {
		t.Fatal("expected signer")
	}
	if addr.Hex() != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Fatalf("operator = %s", addr.Hex())
	}
}

func TestDialValidation(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
	srv := rpcServer(t, "0x7a69")
	if _, err := Dial(context.Background(), Config{RPCURL: srv.URL, PrivateKey: "nothex"}); err == nil {
		t.Fatal("expected error for bad key")
	}
}
