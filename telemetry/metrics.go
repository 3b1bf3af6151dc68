// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ChatMessages     prometheus.Counter
	ExpAwarded       prometheus.Counter
	LevelUps         prometheus.Counter
	AwardFailures    prometheus.Counter
	AwardRejections  prometheus.Counter
	RefreshAttempts  prometheus.Counter
	RefreshSuccesses prometheus.Counter
	RefreshFailures  prometheus.Counter
	IRCReconnects    prometheus.Counter

	// Gauges
	LedgerQueueGauge  prometheus.Gauge
	IRCConnectedGauge prometheus.Gauge // 1=joined, 0=not
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_total", Help: "Chat messages received"})
		ExpAwarded = promauto.NewCounter(prometheus.CounterOpts{Name: "ledger_exp_awarded_total", Help: "Experience points committed by the ledger"})
		LevelUps = promauto.NewCounter(prometheus.CounterOpts{Name: "ledger_level_ups_total", Help: "Level-up events committed"})
		AwardFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "ledger_award_failures_total", Help: "Award transactions that failed"})
		AwardRejections = promauto.NewCounter(prometheus.CounterOpts{Name: "ledger_award_rejections_total", Help: "Awards rejected by input validation"})
		RefreshAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "token_refresh_attempts_total", Help: "Token refresh attempts"})
		RefreshSuccesses = promauto.NewCounter(prometheus.CounterOpts{Name: "token_refresh_success_total", Help: "Token refreshes that succeeded"})
		RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "token_refresh_failures_total", Help: "Token refreshes that failed"})
		IRCReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "irc_reconnects_total", Help: "IRC reconnection attempts"})
		LedgerQueueGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "ledger_active_queues", Help: "Identities with a live award queue"})
		IRCConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "irc_connected", Help: "Channel joined=1, otherwise 0"})
	})
}

func IncChatMessage() {
	if ChatMessages != nil {
		ChatMessages.Inc()
	}
}

func AddExpAwarded(n int64) {
	if ExpAwarded != nil {
		ExpAwarded.Add(float64(n))
	}
}

func IncLevelUp() {
	if LevelUps != nil {
		LevelUps.Inc()
	}
}

func IncAwardFailure() {
	if AwardFailures != nil {
		AwardFailures.Inc()
	}
}

func IncAwardRejection() {
	if AwardRejections != nil {
		AwardRejections.Inc()
	}
}

func IncRefreshAttempt() {
	if RefreshAttempts != nil {
		RefreshAttempts.Inc()
	}
}

func IncRefreshOutcome(ok bool) {
	if ok && RefreshSuccesses != nil {
		RefreshSuccesses.Inc()
	}
	if !ok && RefreshFailures != nil {
		RefreshFailures.Inc()
	}
}

func IncReconnect() {
	if IRCReconnects != nil {
		IRCReconnects.Inc()
	}
}

// SetLedgerQueueDepth records the current number of live per-identity queues.
func SetLedgerQueueDepth(n int) {
	if LedgerQueueGauge != nil {
		LedgerQueueGauge.Set(float64(n))
	}
}

// SetIRCConnected flips the joined gauge.
func SetIRCConnected(joined bool) {
	if IRCConnectedGauge != nil {
		if joined {
			IRCConnectedGauge.Set(1)
		} else {
			IRCConnectedGauge.Set(0)
		}
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
