package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/codexbridge/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

const typingFailureBackoff = 30 * time.Second

// typingSender is the subset of the provider client the indicator needs
type typingSender interface {
	SendTypingIndicator(ctx context.Context, number string) error
}

// typingIndicator rate-limits typing signals to the trusted user: one per
// heartbeat interval, a backoff after any failure, and at most one request in
// flight.
type typingIndicator struct {
	enabled   bool
	heartbeat time.Duration
	provider  typingSender
	phone     string
	logger    *logger.Logger

	mu           sync.Mutex
	lastSent     time.Time
	backoffUntil time.Time
	inFlight     bool
}

func newTypingIndicator(enabled bool, heartbeat time.Duration, provider typingSender, phone string, log *logger.Logger) *typingIndicator {
	return &typingIndicator{
		enabled:   enabled,
		heartbeat: heartbeat,
		provider:  provider,
		phone:     phone,
		logger:    log.WithFields(zap.String("component", "typing")),
	}
}

// Touch maybe sends a typing indicator. Safe to call on every delta.
func (t *typingIndicator) Touch(ctx context.Context) {
	if !t.enabled {
		return
	}

	t.mu.Lock()
	now := time.Now()
	if t.inFlight || now.Before(t.backoffUntil) || now.Sub(t.lastSent) < t.heartbeat {
		t.mu.Unlock()
		return
	}
	t.inFlight = true
	t.mu.Unlock()

	go func() {
		err := t.provider.SendTypingIndicator(ctx, t.phone)

		t.mu.Lock()
		defer t.mu.Unlock()
		t.inFlight = false
		if err != nil {
			t.backoffUntil = time.Now().Add(typingFailureBackoff)
			t.logger.Debug("typing indicator failed", zap.Error(err))
			return
		}
		t.lastSent = time.Now()
	}()
}

// Clear resets the heartbeat so the next turn signals immediately
func (t *typingIndicator) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = time.Time{}
}
