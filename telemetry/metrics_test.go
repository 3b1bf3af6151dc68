package telemetry

import (
	"context"
	"testing"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := ChatMessages
	Init()
	if ChatMessages != first {
		t.Error("second Init() replaced registered metrics")
	}
}

func TestHelpersBeforeInit(t *testing.T) {
	// Helpers are nil-guarded; calling them without Init must not panic.
	// (Init may already have run from another test; the guard is still the
	// contract under test when counters are nil.)
	IncChatMessage()
	AddExpAwarded(5)
	IncLevelUp()
	IncAwardFailure()
	IncAwardRejection()
	IncRefreshAttempt()
	IncRefreshOutcome(true)
	IncRefreshOutcome(false)
	IncReconnect()
	SetLedgerQueueDepth(3)
	SetIRCConnected(true)
	SetIRCConnected(false)
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty ctx) = %q, want empty", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
	if l := LoggerWithCorr(ctx); l == nil {
		t.Fatal("LoggerWithCorr returned nil")
	}
}
