package bus

import (
	"context"
	"testing"

	"github.com/codexbridge/codexbridge/internal/common/logger"
	"github.com/codexbridge/codexbridge/internal/events"
)

func newTestBus(t *testing.T) *InProcessBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewInProcessBus(log)
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"bridge.turn.started", "bridge.turn.started", true},
		{"bridge.turn.started", "bridge.turn.completed", false},
		{"bridge.>", "bridge.turn.started", true},
		{"bridge.>", "bridge.assistant.final", true},
		{"bridge.>", "other.subject", false},
		{">", "anything.at.all", true},
		{"bridge.turn.>", "bridge.turn", false},
	}
	for _, tc := range cases {
		if got := subjectMatches(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("subjectMatches(%q, %q) = %t, want %t", tc.pattern, tc.subject, got, tc.want)
		}
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var exact, wildcard, other int
	if _, err := b.Subscribe("bridge.turn.started", func(*events.Event) { exact++ }); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("bridge.>", func(*events.Event) { wildcard++ }); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("other.>", func(*events.Event) { other++ }); err != nil {
		t.Fatal(err)
	}

	ev := events.New("bridge.turn.started", map[string]interface{}{"turnId": "turn_1"})
	if err := b.Publish(context.Background(), "bridge.turn.started", ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if exact != 1 || wildcard != 1 || other != 0 {
		t.Errorf("deliveries = exact %d, wildcard %d, other %d", exact, wildcard, other)
	}
	if ev.Subject != "bridge.turn.started" {
		t.Errorf("subject not stamped: %q", ev.Subject)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var calls int
	sub, err := b.Subscribe("bridge.>", func(*events.Event) { calls++ })
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	b.Publish(ctx, "bridge.turn.started", events.New("bridge.turn.started", nil))
	sub.Unsubscribe()
	b.Publish(ctx, "bridge.turn.started", events.New("bridge.turn.started", nil))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPanickingHandlerDoesNotPoisonOthers(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var calls int
	b.Subscribe("bridge.>", func(*events.Event) { panic("boom") })
	b.Subscribe("bridge.>", func(*events.Event) { calls++ })

	if err := b.Publish(context.Background(), "bridge.turn.started", events.New("bridge.turn.started", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("surviving handler calls = %d, want 1", calls)
	}
}

func TestClosedBusDropsEvents(t *testing.T) {
	b := newTestBus(t)

	var calls int
	b.Subscribe("bridge.>", func(*events.Event) { calls++ })
	b.Close()

	if err := b.Publish(context.Background(), "bridge.turn.started", events.New("bridge.turn.started", nil)); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}
