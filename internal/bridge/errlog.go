package bridge

import (
	"sync"
	"time"

	"github.com/codexbridge/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

const suppressWindow = 60 * time.Second

// errorSuppressor collapses repeated identical error messages. The first
// occurrence logs at error level; identical messages within the window are
// counted; a different message or window expiry emits one warn summarizing the
// suppressed count before logging normally again.
type errorSuppressor struct {
	logger *logger.Logger

	mu          sync.Mutex
	lastMessage string
	count       int
	windowStart time.Time
}

func newErrorSuppressor(log *logger.Logger) *errorSuppressor {
	return &errorSuppressor{logger: log}
}

// Log reports a poll-loop error through the suppression window
func (e *errorSuppressor) Log(msg string, err error) {
	signature := msg + ": " + err.Error()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if signature == e.lastMessage && now.Sub(e.windowStart) < suppressWindow {
		e.count++
		return
	}

	if e.count > 0 {
		e.logger.Warn("suppressed repeated errors",
			zap.String("message", e.lastMessage),
			zap.Int("count", e.count))
	}

	e.lastMessage = signature
	e.count = 0
	e.windowStart = now
	e.logger.Error(msg, zap.Error(err))
}
