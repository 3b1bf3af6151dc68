package bus

import (
	"testing"
)

func TestPublishSubscriptionOrder(t *testing.T) {
	b := New()
	var got []int
	for i := 0; i < 5; i++ {
		n := i
		b.Subscribe(TopicChatMessage, func(any) { got = append(got, n) })
	}
	b.Publish(TopicChatMessage, ChatMessage{Username: "alice"})
	if len(got) != 5 {
		t.Fatalf("expected 5 handler invocations, got %d", len(got))
	}
	for i, n := range got {
		if n != i {
			t.Errorf("handler %d ran at position %d; want subscription order", n, i)
		}
	}
}

func TestPublishIsSynchronous(t *testing.T) {
	b := New()
	done := false
	b.Subscribe(TopicExpAdded, func(any) { done = true })
	b.Publish(TopicExpAdded, ExpAdded{Username: "alice", Amount: 5})
	if !done {
		t.Error("Publish returned before subscriber ran")
	}
}

func TestWildcardEnvelope(t *testing.T) {
	b := New()
	var envs []Envelope
	b.Subscribe(TopicAny, func(p any) {
		env, ok := p.(Envelope)
		if !ok {
			t.Fatalf("wildcard payload = %T, want Envelope", p)
		}
		envs = append(envs, env)
	})

	directCalls := 0
	b.Subscribe(TopicLevelUp, func(any) { directCalls++ })

	b.Publish(TopicLevelUp, LevelUp{Username: "bob", OldLevel: 1, NewLevel: 2})
	b.Publish(TopicIRCError, ConnError{Err: "socket closed"})

	if directCalls != 1 {
		t.Errorf("direct subscriber calls = %d, want 1", directCalls)
	}
	if len(envs) != 2 {
		t.Fatalf("wildcard received %d events, want 2", len(envs))
	}
	if envs[0].Topic != TopicLevelUp || envs[1].Topic != TopicIRCError {
		t.Errorf("wildcard topics = %s, %s", envs[0].Topic, envs[1].Topic)
	}
	if envs[0].Timestamp.IsZero() {
		t.Error("envelope timestamp not set")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	b := New()
	// Must not panic or block.
	b.Publish(TopicIRCConnected, Connected{Channel: "#bob"})
}
