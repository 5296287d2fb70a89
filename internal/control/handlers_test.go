package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	status      StatusResponse
	subscribe   SubscribeResponse
	unsubscribe SubscribeResponse
}

func (f *fakeProvider) Status(ctx context.Context) StatusResponse { return f.status }
func (f *fakeProvider) Subscribe(ctx context.Context, instruments []string) SubscribeResponse {
	return f.subscribe
}
func (f *fakeProvider) Unsubscribe(ctx context.Context, instruments []string) SubscribeResponse {
	return f.unsubscribe
}

func TestHandleStatusReturnsProviderSnapshot(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{status: StatusResponse{ConnectionID: 2, Currency: "BTC", PartitionSize: 250}}
	h := NewHandlers(provider, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ConnectionID != 2 || got.Currency != "BTC" || got.PartitionSize != 250 {
		t.Errorf("got %+v", got)
	}
}

func TestHandleSubscribeRejectsEmptyInstruments(t *testing.T) {
	t.Parallel()

	h := NewHandlers(&fakeProvider{}, discardLogger())
	req := httptest.NewRequest(http.MethodPost, "/api/subscribe", strings.NewReader(`{"instruments":[]}`))
	rec := httptest.NewRecorder()
	h.HandleSubscribe(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var got ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Success {
		t.Error("expected success=false on a rejected request")
	}
	if got.Error == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestHandleSubscribeRejectsNonPost(t *testing.T) {
	t.Parallel()

	h := NewHandlers(&fakeProvider{}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/subscribe", nil)
	rec := httptest.NewRecorder()
	h.HandleSubscribe(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandleSubscribeReturnsProviderResult(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{subscribe: SubscribeResponse{Subscribed: []string{"BTC-PERPETUAL"}}}
	h := NewHandlers(provider, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/subscribe", strings.NewReader(`{"instruments":["BTC-PERPETUAL"]}`))
	rec := httptest.NewRecorder()
	h.HandleSubscribe(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got SubscribeResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Subscribed) != 1 || got.Subscribed[0] != "BTC-PERPETUAL" {
		t.Errorf("got %+v", got)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h := NewHandlers(&fakeProvider{}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "healthy" {
		t.Errorf("status = %q, want healthy", got.Status)
	}
}
