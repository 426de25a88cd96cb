package solana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// rpcServer answers every request with result produced by fn.
func rpcServer(t *testing.T, method string, fn func(params []interface{}) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Method != method {
			t.Errorf("expected method %s, got %s", method, req.Method)
		}

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  fn(req.Params),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestHTTPClient_GetBalance(t *testing.T) {
	server := rpcServer(t, "getBalance", func(params []interface{}) interface{} {
		if len(params) == 0 || params[0] != "acct1" {
			t.Errorf("expected account param acct1, got %v", params)
		}
		return map[string]interface{}{
			"context": map[string]interface{}{"slot": 1},
			"value":   uint64(2_500_000_000),
		}
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	got, err := client.GetBalance(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got != 2_500_000_000 {
		t.Errorf("expected 2500000000 lamports, got %d", got)
	}
}

func tokenAccount(amount string) map[string]interface{} {
	return map[string]interface{}{
		"pubkey": "ata",
		"account": map[string]interface{}{
			"data": map[string]interface{}{
				"parsed": map[string]interface{}{
					"info": map[string]interface{}{
						"tokenAmount": map[string]interface{}{
							"amount":   amount,
							"decimals": 6,
						},
					},
				},
			},
		},
	}
}

func TestHTTPClient_GetTokenBalance(t *testing.T) {
	server := rpcServer(t, "getTokenAccountsByOwner", func(params []interface{}) interface{} {
		filter, ok := params[1].(map[string]interface{})
		if !ok || filter["mint"] != "mint1" {
			t.Errorf("expected mint filter, got %v", params[1])
		}
		return map[string]interface{}{
			"value": []interface{}{tokenAccount("1500"), tokenAccount("250")},
		}
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	got, err := client.GetTokenBalance(context.Background(), "owner1", "mint1")
	if err != nil {
		t.Fatalf("GetTokenBalance: %v", err)
	}
	if got != 1750 {
		t.Errorf("expected summed balance 1750, got %d", got)
	}
}

func TestHTTPClient_GetTokenBalance_NoAccounts(t *testing.T) {
	server := rpcServer(t, "getTokenAccountsByOwner", func([]interface{}) interface{} {
		return map[string]interface{}{"value": []interface{}{}}
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	got, err := client.GetTokenBalance(context.Background(), "owner1", "mint1")
	if err != nil {
		t.Fatalf("GetTokenBalance: %v", err)
	}
	if got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestHTTPClient_SimulateTransaction(t *testing.T) {
	server := rpcServer(t, "simulateTransaction", func(params []interface{}) interface{} {
		cfg, _ := params[1].(map[string]interface{})
		if cfg["sigVerify"] != false {
			t.Errorf("expected sigVerify=false, got %v", cfg["sigVerify"])
		}
		return map[string]interface{}{
			"value": map[string]interface{}{
				"err":           map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}},
				"logs":          []string{"Program log: slippage"},
				"unitsConsumed": 1200,
			},
		}
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	res, err := client.SimulateTransaction(context.Background(), "AAAA")
	if err != nil {
		t.Fatalf("SimulateTransaction: %v", err)
	}
	if !res.Failed() {
		t.Error("expected failed simulation")
	}
	if len(res.Logs) != 1 || res.UnitsConsumed != 1200 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHTTPClient_SendTransaction(t *testing.T) {
	server := rpcServer(t, "sendTransaction", func(params []interface{}) interface{} {
		if params[0] != "c2lnbmVk" {
			t.Errorf("expected tx payload, got %v", params[0])
		}
		return "5sig"
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	sig, err := client.SendTransaction(context.Background(), "c2lnbmVk")
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if sig != "5sig" {
		t.Errorf("expected 5sig, got %s", sig)
	}
}

func TestHTTPClient_GetLatestBlockhash(t *testing.T) {
	server := rpcServer(t, "getLatestBlockhash", func([]interface{}) interface{} {
		return map[string]interface{}{
			"context": map[string]interface{}{"slot": 310},
			"value": map[string]interface{}{
				"blockhash":            "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N",
				"lastValidBlockHeight": 3090,
			},
		}
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	hash, err := client.GetLatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("GetLatestBlockhash: %v", err)
	}
	if hash != "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N" {
		t.Errorf("unexpected blockhash %s", hash)
	}
}

func TestHTTPClient_GetSignatureStatuses(t *testing.T) {
	server := rpcServer(t, "getSignatureStatuses", func([]interface{}) interface{} {
		return map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{
					"slot":               100,
					"confirmations":      nil,
					"err":                nil,
					"confirmationStatus": "finalized",
				},
				nil,
			},
		}
	})
	defer server.Close()

	client := NewHTTPClient(server.URL)
	statuses, err := client.GetSignatureStatuses(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("GetSignatureStatuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Landed() {
		t.Errorf("expected first signature landed, got %+v", statuses[0])
	}
	if statuses[1] != nil {
		t.Errorf("expected nil for unknown signature, got %+v", statuses[1])
	}
}

func TestHTTPClient_Retry(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := attempts.Add(1)
		if count < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  map[string]interface{}{"value": 999},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL,
		WithMaxRetries(3),
		WithRetryDelay(10*time.Millisecond),
	)

	bal, err := client.GetBalance(context.Background(), "acct")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 999 {
		t.Errorf("expected 999, got %d", bal)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestHTTPClient_RetryExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL,
		WithMaxRetries(2),
		WithRetryDelay(time.Millisecond),
	)

	if _, err := client.SendTransaction(context.Background(), "AAAA"); err == nil {
		t.Fatal("expected error after retries")
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestHTTPClient_RPCError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error": map[string]interface{}{
				"code":    -32002,
				"message": "Transaction simulation failed",
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond))

	_, err := client.SendTransaction(context.Background(), "AAAA")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %T", err)
	}
	if rpcErr.Code != -32002 {
		t.Errorf("expected code -32002, got %d", rpcErr.Code)
	}
	if attempts.Load() != 1 {
		t.Errorf("RPC errors must not be retried, got %d attempts", attempts.Load())
	}
}

func TestHTTPClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	_, err := client.GetBalance(ctx, "acct")
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
