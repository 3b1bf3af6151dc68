package chat

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/onnwee/streamcore/backend/bus"
)

const recorderQueueBuffer = 256

// Recorder persists chat messages into the chat_messages table.
type Recorder struct {
	ctx  context.Context
	db   *sql.DB
	jobs chan bus.ChatMessage
}

// NewRecorder subscribes a message recorder on b. Inserts run on a consumer
// goroutine so the publisher never waits on the database; failures and queue
// overflow are logged and dropped.
func NewRecorder(ctx context.Context, database *sql.DB, b *bus.Bus) *Recorder {
	r := &Recorder{
		ctx:  ctx,
		db:   database,
		jobs: make(chan bus.ChatMessage, recorderQueueBuffer),
	}
	b.Subscribe(bus.TopicChatMessage, func(payload any) {
		msg, ok := payload.(bus.ChatMessage)
		if !ok {
			return
		}
		select {
		case r.jobs <- msg:
		default:
			slog.Warn("chat recorder queue full, dropping message", slog.String("username", msg.Username))
		}
	})
	go r.consume()
	return r
}

func (r *Recorder) consume() {
	for {
		select {
		case msg := <-r.jobs:
			r.record(msg)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Recorder) record(msg bus.ChatMessage) {
	_, err := r.db.ExecContext(r.ctx,
		`INSERT INTO chat_messages (channel, username, display_name, message, is_command, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.Channel, msg.Username, msg.DisplayName, msg.Text, msg.IsCommand, msg.ReceivedAt)
	if err != nil {
		slog.Error("failed to insert chat message", slog.Any("err", err))
	}
}
