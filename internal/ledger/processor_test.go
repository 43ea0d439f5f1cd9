package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ledger-opqueue/internal/models"
)

type rpcCall struct {
	Method string           `json:"method"`
	Params []map[string]any `json:"params"`
}

func newLedgerServer(t *testing.T, handle func(call rpcCall) (any, *RPCError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		result, rpcErr := handle(call)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result, "error": rpcErr})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProcessor_MintSubmitsAndReturnsHash(t *testing.T) {
	var got rpcCall
	srv := newLedgerServer(t, func(call rpcCall) (any, *RPCError) {
		got = call
		return "0xdeadbeef", nil
	})
	p := NewProcessor(NewHTTPGateway(srv.URL, time.Second), nil)

	res, err := p.Process(context.Background(), models.Job{
		ID:       "job-1",
		Kind:     models.KindMint,
		Payload:  map[string]any{"batchId": "B1", "to": "0xabc"},
		Attempts: 1,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Reference != "0xdeadbeef" {
		t.Fatalf("reference = %q", res.Reference)
	}
	if got.Method != "ledger_mintToken" || len(got.Params) != 1 {
		t.Fatalf("unexpected call %+v", got)
	}
	if got.Params[0]["batchId"] != "B1" || got.Params[0]["quantity"] != float64(1) {
		t.Fatalf("unexpected params %+v", got.Params[0])
	}
}

func TestProcessor_KindsMapToMethods(t *testing.T) {
	tests := []struct {
		kind    models.Kind
		payload map[string]any
		method  string
	}{
		{models.KindRegisterEvent, map[string]any{"eventId": "e1", "batchId": "B1"}, "ledger_registerEvent"},
		{models.KindWhitelistProducer, map[string]any{"producerId": "p1"}, "ledger_whitelistProducer"},
		{models.KindUpdateBatch, map[string]any{"batchId": "B1", "status": "SHIPPED"}, "ledger_updateBatch"},
	}
	for _, tt := range tests {
		method, _, err := buildCall(models.Job{Kind: tt.kind, Payload: tt.payload})
		if err != nil {
			t.Errorf("%s: %v", tt.kind, err)
			continue
		}
		if method != tt.method {
			t.Errorf("%s: method = %s, want %s", tt.kind, method, tt.method)
		}
	}
}

func TestProcessor_RejectsInvalidJobs(t *testing.T) {
	p := NewProcessor(NewHTTPGateway("http://127.0.0.1:0", time.Second), nil)

	_, err := p.Process(context.Background(), models.Job{Kind: "BURN", Payload: map[string]any{}})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	_, err = p.Process(context.Background(), models.Job{Kind: models.KindMint, Payload: map[string]any{}})
	if err == nil || !strings.Contains(err.Error(), "batchId") {
		t.Fatalf("expected missing batchId error, got %v", err)
	}
	_, err = p.Process(context.Background(), models.Job{Kind: models.KindRegisterEvent, Payload: map[string]any{"eventId": 7}})
	if err == nil || !strings.Contains(err.Error(), "decode payload") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestHTTPGateway_Errors(t *testing.T) {
	srv := newLedgerServer(t, func(call rpcCall) (any, *RPCError) {
		return nil, &RPCError{Code: -32000, Message: "nonce too low"}
	})
	gw := NewHTTPGateway(srv.URL, time.Second)
	_, err := gw.Submit(context.Background(), "ledger_mintToken", map[string]any{})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("expected RPCError, got %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	_, err = NewHTTPGateway(down.URL, time.Second).Submit(context.Background(), "ledger_mintToken", nil)
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestHTTPGateway_HonoursContext(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := NewHTTPGateway(slow.URL, time.Minute).Submit(ctx, "ledger_mintToken", nil); err == nil {
		t.Fatalf("expected context error")
	}
}
