package levels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamcore/backend/bus"
	"github.com/onnwee/streamcore/backend/telemetry"
)

const (
	defaultIdleEviction = 5 * time.Minute
	queueBuffer         = 64
)

// Ledger serializes award operations per identity. Each identity with
// in-flight work owns a worker goroutine draining a FIFO job queue, so
// operations for one identity apply strictly in arrival order while
// different identities proceed independently. Idle workers evict themselves
// after idleAfter with no new operations, keeping the registry bounded.
type Ledger struct {
	store     Store
	bus       *bus.Bus
	idleAfter time.Duration

	mu     sync.Mutex
	queues map[string]*awardQueue
	closed bool
	done   chan struct{}
}

type awardQueue struct {
	jobs    chan awardJob
	pending int // enqueued or running; guarded by Ledger.mu
}

type awardJob struct {
	ctx    context.Context
	amount int64
	source string
	reply  chan *LevelRecord
}

// Option adjusts ledger construction.
type Option func(*Ledger)

// WithIdleEviction overrides the queue cleanup window.
func WithIdleEviction(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.idleAfter = d
		}
	}
}

func NewLedger(store Store, b *bus.Bus, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		bus:       b,
		idleAfter: defaultIdleEviction,
		queues:    make(map[string]*awardQueue),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Close tears down the registry. Workers exit after their current job;
// callers still waiting receive nil. Award calls after Close return nil.
func (l *Ledger) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()
}

// ActiveQueues reports how many identities currently hold a live queue.
func (l *Ledger) ActiveQueues() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

// Award applies amount experience to identity as one atomic transaction and
// returns the committed record, or nil on invalid input or any failure.
// Errors never propagate to the caller; they are logged and counted. The
// call blocks until this operation (and all earlier ones for the same
// identity) has settled.
func (l *Ledger) Award(ctx context.Context, identity string, amount int64, source string) *LevelRecord {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		slog.Error("award rejected: empty identity", slog.String("source", source))
		telemetry.IncAwardRejection()
		return nil
	}
	if amount <= 0 || amount > MaxSafeExp {
		slog.Error("award rejected: invalid amount",
			slog.String("identity", identity), slog.Int64("amount", amount), slog.String("source", source))
		telemetry.IncAwardRejection()
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	q, ok := l.queues[identity]
	if !ok {
		q = &awardQueue{jobs: make(chan awardJob, queueBuffer)}
		l.queues[identity] = q
		telemetry.SetLedgerQueueDepth(len(l.queues))
		go l.run(identity, q)
	}
	q.pending++
	l.mu.Unlock()

	job := awardJob{ctx: ctx, amount: amount, source: source, reply: make(chan *LevelRecord, 1)}
	select {
	case q.jobs <- job:
	case <-l.done:
		l.mu.Lock()
		q.pending--
		l.mu.Unlock()
		return nil
	}

	select {
	case rec := <-job.reply:
		return rec
	case <-l.done:
		return nil
	}
}

// run drains one identity's queue. A failed transaction replies nil and the
// worker keeps going, so a fault never wedges later operations for the
// identity. The worker removes itself from the registry once the idle window
// passes with nothing enqueued.
func (l *Ledger) run(identity string, q *awardQueue) {
	idle := time.NewTimer(l.idleAfter)
	defer idle.Stop()
	for {
		select {
		case job := <-q.jobs:
			job.reply <- l.apply(job.ctx, identity, job.amount, job.source)
			l.mu.Lock()
			q.pending--
			l.mu.Unlock()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(l.idleAfter)

		case <-idle.C:
			l.mu.Lock()
			if q.pending == 0 {
				delete(l.queues, identity)
				depth := len(l.queues)
				l.mu.Unlock()
				telemetry.SetLedgerQueueDepth(depth)
				return
			}
			l.mu.Unlock()
			idle.Reset(l.idleAfter)

		case <-l.done:
			return
		}
	}
}

func (l *Ledger) apply(ctx context.Context, identity string, amount int64, source string) *LevelRecord {
	ctx, span := telemetry.StartSpan(ctx, "ledger", "ledger.award",
		attribute.String("identity", identity),
		attribute.Int64("amount", amount),
		attribute.String("source", source),
	)
	defer span.End()

	var oldLevel int
	var oldTotal int64
	rec, err := l.store.ApplyAward(ctx, identity, func(cur LevelRecord) (LevelRecord, error) {
		if cur.TotalExp > MaxSafeExp-amount {
			return cur, fmt.Errorf("total exp overflow: %d + %d", cur.TotalExp, amount)
		}
		oldLevel = cur.Level
		oldTotal = cur.TotalExp
		newTotal := cur.TotalExp + amount
		level := LevelForExp(newTotal)
		exp := ExpWithinLevel(newTotal, level)
		return LevelRecord{
			Identity:       identity,
			Level:          level,
			Exp:            exp,
			ExpToNextLevel: ExpToNextLevel(level, exp),
			TotalExp:       newTotal,
		}, nil
	})
	if err != nil {
		telemetry.IncAwardFailure()
		telemetry.RecordError(span, err)
		slog.Error("award transaction failed",
			slog.String("identity", identity), slog.Int64("amount", amount), slog.Any("err", err))
		return nil
	}

	telemetry.AddExpAwarded(amount)
	if rec.Level > oldLevel {
		telemetry.IncLevelUp()
		slog.Info("level up",
			slog.String("identity", identity), slog.Int("old", oldLevel), slog.Int("new", rec.Level))
		l.bus.Publish(bus.TopicLevelUp, bus.LevelUp{
			Username: identity,
			OldLevel: oldLevel,
			NewLevel: rec.Level,
			TotalExp: rec.TotalExp,
		})
	}
	l.bus.Publish(bus.TopicExpAdded, bus.ExpAdded{
		Username:    identity,
		Amount:      amount,
		Source:      source,
		OldTotalExp: oldTotal,
		NewTotalExp: rec.TotalExp,
		Level:       rec.Level,
	})
	return &rec
}
