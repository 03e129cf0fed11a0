// Package bridge is the orchestrator: it polls the provider for inbound
// messages from the trusted user, routes text and slash commands into agent
// turns, relays assistant output back over SMS, and drives the notification
// pipeline when the session is idle.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codexbridge/codexbridge/internal/codex"
	"github.com/codexbridge/codexbridge/internal/common/config"
	"github.com/codexbridge/codexbridge/internal/common/logger"
	"github.com/codexbridge/codexbridge/internal/events"
	"github.com/codexbridge/codexbridge/internal/events/bus"
	"github.com/codexbridge/codexbridge/internal/notify"
	"github.com/codexbridge/codexbridge/internal/provider"
	"github.com/codexbridge/codexbridge/internal/store"
)

// ProviderAPI is the messaging-provider surface the orchestrator uses
type ProviderAPI interface {
	GetMessages(ctx context.Context, limit int) ([]provider.Message, error)
	SendMessage(ctx context.Context, number, content string) (string, error)
	SendTypingIndicator(ctx context.Context, number string) error
	MarkRead(ctx context.Context, messageHandle string) error
}

// Session is the agent session surface the orchestrator uses; satisfied by
// codex.Manager
type Session interface {
	Start(ctx context.Context) error
	Stop()
	SetEventHandler(func(codex.Event))
	EnsureThread(ctx context.Context, flags codex.Flags) (string, error)
	StartOrSteerTurn(ctx context.Context, text string, flags codex.Flags) (*codex.TurnResult, error)
	Interrupt(ctx context.Context) error
	CompactThread(ctx context.Context, flags codex.Flags) error
	RestartCodex(ctx context.Context, flags codex.Flags) (string, error)
	SetModel(ctx context.Context, model string) (string, error)
	SetModelWithEffort(ctx context.Context, model, effort string) error
	SetEffortForCurrentModel(ctx context.Context, effort string) (string, error)
	ToggleSparkModel(ctx context.Context) (string, string, error)
	EffortForModel(ctx context.Context, model string) (string, error)
}

// Bridge wires the poll loop, the outbound queue, the event relay, and the
// notification pipeline together
type Bridge struct {
	cfg      *config.Config
	provider ProviderAPI
	store    *store.Store
	session  Session
	pipeline *notify.Pipeline
	bus      bus.EventBus
	logger   *logger.Logger

	phone  string // normalized trusted number
	relay  *AssistantRelay
	typing *typingIndicator
	errlog *errorSuppressor

	outbound chan string
	events   chan codex.Event

	running          atomic.Bool
	restartRequested atomic.Bool
}

// New creates the orchestrator. The notification pipeline is attached
// afterwards with SetPipeline since it dispatches through the bridge's queue.
func New(cfg *config.Config, p ProviderAPI, st *store.Store, session Session, eventBus bus.EventBus, log *logger.Logger) (*Bridge, error) {
	phone, err := provider.NormalizePhoneNumber(cfg.Provider.TrustedNumber)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted number: %w", err)
	}

	blog := log.WithFields(zap.String("component", "bridge"))
	return &Bridge{
		cfg:      cfg,
		provider: p,
		store:    st,
		session:  session,
		bus:      eventBus,
		logger:   blog,
		phone:    phone,
		relay:    NewAssistantRelay(),
		typing:   newTypingIndicator(cfg.Features.TypingIndicators, cfg.Typing.Heartbeat(), p, phone, blog),
		errlog:   newErrorSuppressor(blog),
		outbound: make(chan string, 64),
		events:   make(chan codex.Event, 256),
	}, nil
}

// SetPipeline attaches the notification pipeline
func (b *Bridge) SetPipeline(p *notify.Pipeline) {
	b.pipeline = p
}

// Dispatch is the pipeline's outbound hook
func (b *Bridge) Dispatch(ctx context.Context, text string) error {
	b.Enqueue(text)
	return nil
}

// Run starts the session and blocks in the poll loop until Stop, a requested
// restart, or ctx cancellation
func (b *Bridge) Run(ctx context.Context) error {
	b.session.SetEventHandler(func(ev codex.Event) {
		select {
		case b.events <- ev:
		default:
			b.logger.Warn("event queue full, dropping event")
		}
	})

	if err := b.session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent session: %w", err)
	}
	defer b.session.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go b.eventLoop(runCtx)
	go b.senderLoop(runCtx)

	if b.cfg.Features.DiscardStartupBacklog {
		b.discardBacklog(runCtx)
	}
	b.consumeRestartNotice(runCtx)

	b.logger.Info("bridge started",
		zap.String("trusted_number", b.phone),
		zap.Duration("poll_interval", b.cfg.Poll.Interval()))

	b.running.Store(true)
	ticker := time.NewTicker(b.cfg.Poll.Interval())
	defer ticker.Stop()

	for b.running.Load() {
		select {
		case <-ctx.Done():
			b.running.Store(false)
		case <-ticker.C:
			b.pollOnce(runCtx)
		}
	}

	b.logger.Info("bridge stopped")
	return nil
}

// Stop ends the poll loop after its current iteration
func (b *Bridge) Stop() {
	b.running.Store(false)
}

// RequestRestart persists the one-shot restart notice, flags the restart, and
// stops the poll loop. The caller exits with the relaunch sentinel.
func (b *Bridge) RequestRestart(ctx context.Context, target string) error {
	if err := b.store.SetJSONFlag(ctx, store.FlagPendingRestartNotice, store.RestartNotice{
		Target:        target,
		RequestedAtMs: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}
	b.restartRequested.Store(true)
	b.running.Store(false)
	return nil
}

// ConsumeRestartRequested reports whether a restart was requested, at most once
func (b *Bridge) ConsumeRestartRequested() bool {
	return b.restartRequested.Swap(false)
}

// Poll loop

func (b *Bridge) pollOnce(ctx context.Context) {
	msgs, err := b.provider.GetMessages(ctx, 100)
	if err != nil {
		b.errlog.Log("poll loop error", err)
		return
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].BestTimestamp().Before(msgs[j].BestTimestamp())
	})

	for i := range msgs {
		if !b.running.Load() {
			return
		}
		b.routeInbound(ctx, &msgs[i])
	}

	if b.running.Load() && b.pipeline != nil {
		b.maybeProcessNotification(ctx)
		b.pipeline.MaybePrune(ctx)
	}
}

func (b *Bridge) routeInbound(ctx context.Context, msg *provider.Message) {
	if msg.IsOutbound || msg.MessageHandle == "" {
		return
	}
	sender, err := provider.NormalizePhoneNumber(msg.FromNumber.First())
	if err != nil || sender != b.phone {
		return
	}

	first, err := b.store.MarkProcessed(ctx, msg.MessageHandle)
	if err != nil {
		b.logger.Error("failed to mark message processed", zap.Error(err))
		return
	}
	if !first {
		return
	}

	content := strings.TrimSpace(msg.Content)
	b.audit(ctx, store.AuditMessageInbound, truncate(content, 200))

	if strings.HasPrefix(content, "/") {
		b.handleCommand(ctx, content)
		b.readReceipt(ctx, msg.MessageHandle)
		return
	}

	input := ComposeInbound(content, msg.MediaURL)
	if input == "" {
		return
	}

	flags := b.flags(ctx)
	if flags.Paused {
		b.Enqueue("Paused. Send /resume to continue.")
		return
	}

	res, err := b.session.StartOrSteerTurn(ctx, input, flags)
	if err == codex.ErrNotificationBusy {
		b.Enqueue("Busy handling a notification. Please resend in a moment.")
		return
	}
	if err != nil {
		b.audit(ctx, store.AuditError, truncate(err.Error(), 200))
		if err == codex.ErrSteerNotSupported {
			b.Enqueue(err.Error())
			return
		}
		b.Enqueue("Error: " + err.Error())
		return
	}
	b.logger.Debug("routed user input",
		zap.String("mode", res.Mode), zap.String("turn_id", res.TurnID))
	b.readReceipt(ctx, msg.MessageHandle)
}

// maybeProcessNotification starts one decision turn when the session is idle
// and not paused
func (b *Bridge) maybeProcessNotification(ctx context.Context) {
	flags := b.flags(ctx)
	if flags.Paused {
		return
	}
	sess, err := b.store.GetOrCreateSession(ctx, b.phone)
	if err != nil || sess.ActiveTurnID != "" {
		return
	}
	if _, err := b.pipeline.ProcessNext(ctx, flags); err != nil {
		b.logger.Error("notification processing failed", zap.Error(err))
	}
}

// Event loop

func (b *Bridge) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			b.handleEvent(ctx, ev)
		}
	}
}

func (b *Bridge) handleEvent(ctx context.Context, ev codex.Event) {
	switch e := ev.(type) {
	case codex.TurnStartedEvent:
		b.publish(ctx, events.SubjectTurnStarted, map[string]interface{}{
			"threadId": e.ThreadID, "turnId": e.TurnID,
		})

	case codex.AssistantDeltaEvent:
		if e.Mode == codex.ModeUser {
			b.typing.Touch(ctx)
		}

	case codex.AssistantFinalEvent:
		if e.Mode == codex.ModeUser && b.relay.MarkIfNew(e.ItemID) {
			if text := strings.TrimSpace(e.Text); text != "" {
				b.Enqueue(text)
			}
		}
		b.publish(ctx, events.SubjectAssistantFinal, map[string]interface{}{
			"itemId": e.ItemID, "turnId": e.TurnID, "mode": string(e.Mode),
		})

	case codex.TurnCompletedEvent:
		b.typing.Clear()
		if b.pipeline != nil {
			if err := b.pipeline.HandleTurnCompleted(ctx, e, b.flags(ctx)); err != nil {
				b.logger.Error("failed to finish notification turn", zap.Error(err))
			}
		}
		b.publish(ctx, events.SubjectTurnCompleted, map[string]interface{}{
			"turnId": e.TurnID, "status": e.Status,
		})

	case codex.ModelFallbackEvent:
		b.Enqueue(fmt.Sprintf("Model %s is unavailable; switched back to %s (effort %s).",
			e.FromModel, e.ToModel, e.ToEffort))
		b.publish(ctx, events.SubjectModelFallback, map[string]interface{}{
			"from": e.FromModel, "to": e.ToModel, "operation": e.Operation,
		})

	case codex.ApprovalDeclinedEvent:
		b.Enqueue(fmt.Sprintf("Declined %s by policy: %s\nSend /resume to enable auto-approval.",
			e.Method, truncate(e.Summary, 200)))
		b.publish(ctx, events.SubjectApprovalDeclined, map[string]interface{}{
			"method": e.Method,
		})

	case codex.CompactionStartedEvent:
		b.Enqueue("Compacting conversation context...")

	case codex.CompactionCompletedEvent:
		b.Enqueue("Context compaction complete.")
	}
}

// Startup helpers

// discardBacklog marks pending inbound messages processed without routing, so
// a restart does not replay old conversations
func (b *Bridge) discardBacklog(ctx context.Context) {
	msgs, err := b.provider.GetMessages(ctx, 100)
	if err != nil {
		b.logger.Warn("failed to fetch startup backlog", zap.Error(err))
		return
	}

	var handles []string
	for i := range msgs {
		msg := &msgs[i]
		if msg.IsOutbound || msg.MessageHandle == "" {
			continue
		}
		sender, err := provider.NormalizePhoneNumber(msg.FromNumber.First())
		if err != nil || sender != b.phone {
			continue
		}
		handles = append(handles, msg.MessageHandle)
	}

	discarded, err := b.store.MarkManyProcessed(ctx, handles)
	if err != nil {
		b.logger.Error("failed to discard startup backlog", zap.Error(err))
		return
	}
	if discarded > 0 {
		b.audit(ctx, store.AuditSystem, fmt.Sprintf("discarded startup backlog of %d message(s)", discarded))
	}
}

// consumeRestartNotice emits the one-shot "back online" message after a
// user-initiated restart
func (b *Bridge) consumeRestartNotice(ctx context.Context) {
	value, ok, err := b.store.ConsumeFlag(ctx, store.FlagPendingRestartNotice)
	if err != nil {
		b.logger.Error("failed to consume restart notice", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	var notice store.RestartNotice
	if err := json.Unmarshal([]byte(value), &notice); err != nil {
		b.logger.Warn("malformed restart notice", zap.Error(err))
	}
	b.Enqueue("Bridge restarted. Back online.")
	b.audit(ctx, store.AuditSystem, fmt.Sprintf("restart notice consumed (target %s)", notice.Target))
}

// Shared helpers

func (b *Bridge) flags(ctx context.Context) codex.Flags {
	paused, err := b.store.GetBoolFlag(ctx, store.FlagPaused, false)
	if err != nil {
		b.logger.Error("failed to read paused flag", zap.Error(err))
	}
	autoApprove, err := b.store.GetBoolFlag(ctx, store.FlagAutoApprove, false)
	if err != nil {
		b.logger.Error("failed to read auto-approve flag", zap.Error(err))
	}
	return codex.Flags{Paused: paused, AutoApprove: autoApprove}
}

func (b *Bridge) readReceipt(ctx context.Context, handle string) {
	if !b.cfg.Features.ReadReceipts {
		return
	}
	if err := b.provider.MarkRead(ctx, handle); err != nil {
		b.logger.Debug("read receipt failed", zap.Error(err))
	}
}

func (b *Bridge) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Publish(ctx, subject, events.New(subject, data)); err != nil {
		b.logger.Debug("event publish failed", zap.Error(err))
	}
}

func (b *Bridge) audit(ctx context.Context, kind, summary string) {
	err := b.store.AppendAudit(ctx, &store.AuditEvent{
		PhoneNumber: b.phone,
		Kind:        kind,
		Summary:     summary,
	})
	if err != nil {
		b.logger.Error("failed to append audit event", zap.Error(err))
	}
}

func (b *Bridge) auditOutbound(ctx context.Context, chunk string) {
	b.audit(ctx, store.AuditMessageOutbound, truncate(chunk, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
