package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/streamcore/backend/bus"
	"github.com/onnwee/streamcore/backend/levels"
)

// firstMessageBonus is the one-time award for an identity's first message of
// the session, on top of the regular per-message exp.
const firstMessageBonus = 25

// handlerQueueBuffer bounds messages waiting on store latency. Overflow is
// dropped with a warning rather than backpressuring the publisher.
const handlerQueueBuffer = 256

// ExpHandler turns chat messages into ledger awards.
type ExpHandler struct {
	ctx    context.Context
	ledger *levels.Ledger
	jobs   chan bus.ChatMessage

	mu   sync.Mutex
	seen map[string]struct{} // identities already granted the session bonus
}

// NewExpHandler subscribes an award handler on b. Bus publish is synchronous
// on the publisher's goroutine (the IRC read loop), so the subscriber only
// enqueues; a consumer goroutine does the store work. The per-identity ledger
// queue keeps awards for one identity in arrival order.
func NewExpHandler(ctx context.Context, ledger *levels.Ledger, b *bus.Bus) *ExpHandler {
	h := &ExpHandler{
		ctx:    ctx,
		ledger: ledger,
		jobs:   make(chan bus.ChatMessage, handlerQueueBuffer),
		seen:   make(map[string]struct{}),
	}
	b.Subscribe(bus.TopicChatMessage, func(payload any) {
		msg, ok := payload.(bus.ChatMessage)
		if !ok {
			return
		}
		select {
		case h.jobs <- msg:
		default:
			slog.Warn("exp handler queue full, dropping message", slog.String("username", msg.Username))
		}
	})
	b.Subscribe(bus.TopicIRCConnected, func(any) { h.resetSession() })
	go h.consume()
	return h
}

func (h *ExpHandler) consume() {
	for {
		select {
		case msg := <-h.jobs:
			h.handle(msg)
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *ExpHandler) handle(msg bus.ChatMessage) {
	// Commands earn nothing.
	if msg.IsCommand {
		return
	}
	identity := strings.ToLower(strings.TrimSpace(msg.Username))
	if identity == "" {
		return
	}

	if amount := levels.MessageExp(len([]rune(msg.Text))); amount > 0 {
		h.ledger.Award(h.ctx, identity, amount, "message")
	}
	if h.claimBonus(identity) {
		// A failed transaction returns the claim so a later message in the
		// same session can still earn the bonus.
		if h.ledger.Award(h.ctx, identity, firstMessageBonus, "first_message") == nil {
			h.releaseBonus(identity)
		}
	}
}

// claimBonus reports whether identity gets the session bonus, marking it
// as granted.
func (h *ExpHandler) claimBonus(identity string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[identity]; ok {
		return false
	}
	h.seen[identity] = struct{}{}
	return true
}

func (h *ExpHandler) releaseBonus(identity string) {
	h.mu.Lock()
	delete(h.seen, identity)
	h.mu.Unlock()
}

// resetSession clears bonus state so the next message per identity earns the
// bonus again.
func (h *ExpHandler) resetSession() {
	h.mu.Lock()
	h.seen = make(map[string]struct{})
	h.mu.Unlock()
}
