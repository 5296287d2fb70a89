package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWriter(currency string) *Writer {
	return &Writer{currency: currency, logger: discardLogger()}
}

func TestTableNamesAreCurrencyScoped(t *testing.T) {
	t.Parallel()
	w := newTestWriter("btc")
	if got := w.optionQuotesTable(); got != "btc_option_quotes" {
		t.Errorf("optionQuotesTable() = %q", got)
	}
	if got := w.optionTradesTable(); got != "btc_option_trades" {
		t.Errorf("optionTradesTable() = %q", got)
	}
	if got := w.depthTable(); got != "btc_option_orderbook_depth" {
		t.Errorf("depthTable() = %q", got)
	}
}

func TestRetryingSucceedsOnFirstTry(t *testing.T) {
	t.Parallel()
	w := newTestWriter("btc")
	calls := 0
	err := w.retrying(context.Background(), "test", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("retrying: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryingReturnsErrorWhenContextExpires(t *testing.T) {
	t.Parallel()
	w := newTestWriter("btc")
	// Shrink the backoff ladder for the test via direct field swap is not
	// possible (package-level var); exercise with a short-lived context
	// instead so the retry loop aborts on ctx.Done() rather than sleeping
	// the full 1s/2s/4s ladder.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := w.retrying(ctx, "test", func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls < 1 {
		t.Error("expected at least one attempt")
	}
}

func TestWriteQuotesNoOpOnEmptyInput(t *testing.T) {
	t.Parallel()
	w := newTestWriter("btc")
	n, err := w.WriteQuotes(context.Background(), nil)
	if err != nil || n != 0 {
		t.Errorf("WriteQuotes(nil) = (%d, %v), want (0, nil)", n, err)
	}
}

func TestWriteTradesNoOpOnEmptyInput(t *testing.T) {
	t.Parallel()
	w := newTestWriter("btc")
	n, err := w.WriteTrades(context.Background(), nil)
	if err != nil || n != 0 {
		t.Errorf("WriteTrades(nil) = (%d, %v), want (0, nil)", n, err)
	}
}
