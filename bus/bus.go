// Package bus implements the in-process event bus connecting the chat client,
// the experience ledger, and their consumers. Publishing is synchronous:
// subscribers run in subscription order on the publisher's goroutine, so
// anything slow or fallible belongs behind the subscriber's own goroutine or
// recover, not the bus.
package bus

import (
	"sync"
	"time"
)

// Topic identifies an event stream. The set is closed; payload types per
// topic are documented in events.go.
type Topic string

const (
	// TopicIRCConnected fires once the bot has joined its channel. Payload: Connected.
	TopicIRCConnected Topic = "irc:connected"
	// TopicIRCError fires on fatal connection or auth failures. Payload: ConnError.
	TopicIRCError Topic = "irc:error"
	// TopicChatMessage fires for every decoded PRIVMSG. Payload: ChatMessage.
	TopicChatMessage Topic = "chat:message"
	// TopicExpAdded fires after every committed award. Payload: ExpAdded.
	TopicExpAdded Topic = "level:exp:added"
	// TopicLevelUp fires after a committed award that raised the level. Payload: LevelUp.
	TopicLevelUp Topic = "level:up"

	// TopicAny receives every published event wrapped in an Envelope.
	// Used for debug tracing only.
	TopicAny Topic = "*"
)

// Envelope is the payload delivered to TopicAny subscribers.
type Envelope struct {
	Topic     Topic
	Payload   any
	Timestamp time.Time
}

// Handler receives a topic payload. Handlers must not panic; the bus does
// not isolate subscriber faults from the publisher.
type Handler func(payload any)

// Bus is a synchronous topic-keyed publish/subscribe hub. The zero value is
// not usable; construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]Handler)}
}

// Subscribe registers h for t. Handlers are invoked in subscription order.
func (b *Bus) Subscribe(t Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// Publish delivers payload to all subscribers of t, then to TopicAny
// subscribers wrapped in an Envelope. It returns after every handler has run.
func (b *Bus) Publish(t Topic, payload any) {
	b.mu.RLock()
	handlers := b.subs[t]
	wildcards := b.subs[TopicAny]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	if len(wildcards) > 0 {
		env := Envelope{Topic: t, Payload: payload, Timestamp: time.Now().UTC()}
		for _, h := range wildcards {
			h(env)
		}
	}
}
