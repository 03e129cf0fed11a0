package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/codexbridge/codexbridge/internal/codex"
	"github.com/codexbridge/codexbridge/internal/common/config"
	"github.com/codexbridge/codexbridge/internal/common/logger"
	"github.com/codexbridge/codexbridge/internal/store"
	"go.uber.org/zap"
)

// pruneInterval is the minimum gap between retention sweeps
const pruneInterval = 10 * time.Minute

// Dispatcher sends one outbound message to the trusted user
type Dispatcher func(ctx context.Context, text string) error

// TurnStarter starts notification decision turns; satisfied by codex.Manager
type TurnStarter interface {
	StartNotificationTurn(ctx context.Context, req codex.NotificationTurnRequest) (*codex.TurnResult, error)
}

// Decision is the structured output the agent must produce for a notification
// turn
type Decision struct {
	Delivery   string  `json:"delivery"`
	Message    *string `json:"message"`
	ReasonCode *string `json:"reasonCode"`
}

// DecisionSchema is the JSON schema enforced on notification decision turns
func DecisionSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"delivery": map[string]interface{}{
				"type": "string",
				"enum": []string{"send", "suppress"},
			},
			"message": map[string]interface{}{
				"type": []string{"string", "null"},
			},
			"reasonCode": map[string]interface{}{
				"type": []string{"string", "null"},
			},
		},
		"required":             []string{"delivery", "message", "reasonCode"},
		"additionalProperties": false,
	}
}

// Pipeline ingests notifications, drives their decision turns, and prunes old
// rows
type Pipeline struct {
	cfg      config.NotificationsConfig
	store    *store.Store
	session  TurnStarter
	phone    string
	dispatch Dispatcher
	logger   *logger.Logger

	mu        sync.Mutex
	lastPrune time.Time
}

// NewPipeline creates a notification pipeline. dispatch delivers outbound text
// to the trusted user through the bridge's send queue.
func NewPipeline(cfg config.NotificationsConfig, st *store.Store, session TurnStarter, phone string, dispatch Dispatcher, log *logger.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		session:  session,
		phone:    phone,
		dispatch: dispatch,
		logger:   log.WithFields(zap.String("component", "notify-pipeline")),
	}
}

// Ingest normalizes and persists a payload. Duplicates by dedupe key return
// the existing notification id with duplicate=true and are not re-queued.
func (p *Pipeline) Ingest(ctx context.Context, payload interface{}, source, sourceAccount, sourceEventID string) (string, bool, error) {
	norm := Normalize(payload, source, sourceAccount, sourceEventID, p.cfg.RawExcerptBytes)

	id, duplicate, err := p.store.InsertNotification(ctx, &store.Notification{
		Source:        norm.Source,
		SourceAccount: norm.SourceAccount,
		SourceEventID: norm.SourceEventID,
		DedupeKey:     norm.DedupeKey,
		Summary:       norm.Summary,
		PayloadHash:   norm.PayloadHash,
		RawExcerpt:    norm.RawExcerpt,
		RawSizeBytes:  norm.RawSizeBytes,
		RawTruncated:  norm.RawTruncated,
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to persist notification: %w", err)
	}

	kind := store.AuditNotificationIngested
	if duplicate {
		kind = store.AuditNotificationDuplicate
	}
	p.audit(ctx, kind, fmt.Sprintf("%s (%s)", norm.Summary, id))

	p.logger.Info("notification ingested",
		zap.String("id", id),
		zap.String("source", source),
		zap.String("dedupe_key", norm.DedupeKey),
		zap.Bool("duplicate", duplicate))
	return id, duplicate, nil
}

// ProcessNext claims the oldest waiting notification and starts its decision
// turn. Returns true when a notification was claimed. The caller gates this on
// the session being idle.
func (p *Pipeline) ProcessNext(ctx context.Context, flags codex.Flags) (bool, error) {
	if !p.cfg.Enabled {
		return false, nil
	}

	n, err := p.store.ClaimNextQueued(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	if n == nil {
		return false, nil
	}

	if err := p.startDecisionTurn(ctx, n, flags, 1); err != nil {
		return true, err
	}
	return true, nil
}

func (p *Pipeline) startDecisionTurn(ctx context.Context, n *store.Notification, flags codex.Flags, attempt int) error {
	res, err := p.session.StartNotificationTurn(ctx, codex.NotificationTurnRequest{
		Text:           buildPrompt(n, attempt),
		Flags:          flags,
		OutputSchema:   DecisionSchema(),
		NotificationID: n.ID,
		Attempt:        attempt,
	})
	if err != nil {
		if serr := p.store.RecordFailure(ctx, n.ID, err.Error()); serr != nil {
			p.logger.Error("failed to record notification failure", zap.Error(serr))
		}
		p.audit(ctx, store.AuditNotificationFailed, fmt.Sprintf("decision turn failed to start: %s (%s)", err, n.ID))
		return fmt.Errorf("decision turn failed to start: %w", err)
	}

	if err := p.store.SetNotificationTurn(ctx, n.ID, res.ThreadID, res.TurnID); err != nil {
		p.logger.Error("failed to record notification turn", zap.Error(err))
	}
	p.audit(ctx, store.AuditNotificationProcessing,
		fmt.Sprintf("attempt %d, turn %s (%s)", attempt, res.TurnID, n.ID))
	return nil
}

// HandleTurnCompleted finishes a notification after its decision turn ends.
// Called by the orchestrator for every completed turn; non-notification turns
// are ignored.
func (p *Pipeline) HandleTurnCompleted(ctx context.Context, ev codex.TurnCompletedEvent, flags codex.Flags) error {
	if ev.Context == nil || ev.Context.Mode != codex.ModeNotification {
		return nil
	}
	id := ev.Context.NotificationID

	if ev.Status != "completed" {
		errText := ev.Status
		if ev.Error != "" {
			errText = fmt.Sprintf("%s: %s", ev.Status, ev.Error)
		}
		if err := p.store.RecordFailure(ctx, id, errText); err != nil {
			return err
		}
		p.audit(ctx, store.AuditNotificationFailed, fmt.Sprintf("turn %s (%s)", errText, id))
		return nil
	}

	decision, perr := parseDecision(ev.Context.FinalText)
	if perr != nil {
		return p.handleInvalidDecision(ctx, id, ev.Context.Attempt, flags, perr)
	}

	decisionJSON, _ := json.Marshal(decision)

	if decision.Delivery == "suppress" {
		reason := ""
		if decision.ReasonCode != nil {
			reason = *decision.ReasonCode
		}
		if err := p.store.RecordDecision(ctx, id, store.NotificationSuppressed,
			decision.Delivery, reason, "", string(decisionJSON)); err != nil {
			return err
		}
		p.audit(ctx, store.AuditNotificationSuppressed, fmt.Sprintf("%s (%s)", reason, id))
		return nil
	}

	text := ""
	if decision.Message != nil {
		text = strings.TrimSpace(*decision.Message)
	}
	if text == "" {
		text = p.fallbackText(ctx, id)
	}

	if err := p.dispatch(ctx, text); err != nil {
		if serr := p.store.RecordFailure(ctx, id, fmt.Sprintf("dispatch failed: %s", err)); serr != nil {
			p.logger.Error("failed to record notification failure", zap.Error(serr))
		}
		return fmt.Errorf("failed to dispatch notification message: %w", err)
	}

	reason := ""
	if decision.ReasonCode != nil {
		reason = *decision.ReasonCode
	}
	if err := p.store.RecordDecision(ctx, id, store.NotificationSent,
		decision.Delivery, reason, truncate(text, 200), string(decisionJSON)); err != nil {
		return err
	}
	p.audit(ctx, store.AuditNotificationSent, fmt.Sprintf("%s (%s)", truncate(text, 120), id))
	return nil
}

// handleInvalidDecision retries the decision turn exactly once; a second
// invalid output falls back to a raw summary message and marks the
// notification failed
func (p *Pipeline) handleInvalidDecision(ctx context.Context, id string, attempt int, flags codex.Flags, perr error) error {
	if attempt < 2 {
		p.logger.Warn("invalid decision output, retrying once",
			zap.String("notification_id", id), zap.Error(perr))
		n, err := p.store.GetNotification(ctx, id)
		if err != nil {
			return err
		}
		return p.startDecisionTurn(ctx, n, flags, 2)
	}

	text := p.fallbackText(ctx, id)
	if err := p.dispatch(ctx, text); err != nil {
		p.logger.Error("failed to dispatch fallback message", zap.Error(err))
	}
	if err := p.store.RecordFailure(ctx, id,
		fmt.Sprintf("invalid decision output after retry: %s", perr)); err != nil {
		return err
	}
	p.audit(ctx, store.AuditNotificationFailed,
		fmt.Sprintf("invalid decision output after retry, fallback dispatched (%s)", id))
	return nil
}

func (p *Pipeline) fallbackText(ctx context.Context, id string) string {
	n, err := p.store.GetNotification(ctx, id)
	if err != nil {
		p.logger.Error("failed to load notification for fallback", zap.Error(err))
		return "Notification received."
	}
	return fmt.Sprintf("Notification (%s): %s", n.Source, n.Summary)
}

// MaybePrune runs the retention sweep at most once per interval
func (p *Pipeline) MaybePrune(ctx context.Context) {
	p.mu.Lock()
	if time.Since(p.lastPrune) < pruneInterval {
		p.mu.Unlock()
		return
	}
	p.lastPrune = time.Now()
	p.mu.Unlock()

	deleted, err := p.store.PruneNotifications(ctx, p.cfg.RetentionDays, p.cfg.MaxRows)
	if err != nil {
		p.logger.Error("notification prune failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		p.logger.Info("pruned notifications", zap.Int("deleted", deleted))
	}
}

func (p *Pipeline) audit(ctx context.Context, kind, summary string) {
	err := p.store.AppendAudit(ctx, &store.AuditEvent{
		PhoneNumber: p.phone,
		Kind:        kind,
		Summary:     summary,
	})
	if err != nil {
		p.logger.Error("failed to append audit event", zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// parseDecision strictly parses the agent's final text as a decision envelope.
// Code fences are tolerated; unknown or missing keys are not.
func parseDecision(text string) (*Decision, error) {
	trimmed := stripCodeFence(strings.TrimSpace(text))
	if trimmed == "" {
		return nil, fmt.Errorf("empty decision output")
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &keys); err != nil {
		return nil, fmt.Errorf("decision output is not a JSON object: %w", err)
	}
	for _, required := range []string{"delivery", "message", "reasonCode"} {
		if _, ok := keys[required]; !ok {
			return nil, fmt.Errorf("decision output missing %q", required)
		}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.DisallowUnknownFields()
	var d Decision
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("malformed decision output: %w", err)
	}
	if d.Delivery != "send" && d.Delivery != "suppress" {
		return nil, fmt.Errorf("invalid delivery %q", d.Delivery)
	}
	return &d, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// buildPrompt renders the decision-turn instruction for a notification
func buildPrompt(n *store.Notification, attempt int) string {
	var b strings.Builder
	b.WriteString("A notification arrived while you were assisting the user over SMS. ")
	b.WriteString("Decide whether it is worth forwarding. ")
	b.WriteString("Respond with ONLY a JSON object of the form ")
	b.WriteString(`{"delivery": "send" or "suppress", "message": string or null, "reasonCode": string or null}.`)
	b.WriteString(" When delivery is \"send\", message is the short SMS to forward.\n\n")

	fmt.Fprintf(&b, "Source: %s\n", n.Source)
	if n.SourceAccount != "" {
		fmt.Fprintf(&b, "Account: %s\n", n.SourceAccount)
	}
	if n.SourceEventID != "" {
		fmt.Fprintf(&b, "Event ID: %s\n", n.SourceEventID)
	}
	if n.DuplicateCount > 0 {
		fmt.Fprintf(&b, "Seen %d time(s) before\n", n.DuplicateCount)
	}
	fmt.Fprintf(&b, "Summary: %s\n", n.Summary)
	if n.RawExcerpt != "" {
		fmt.Fprintf(&b, "Payload:\n%s\n", n.RawExcerpt)
		if n.RawTruncated {
			b.WriteString("(payload truncated)\n")
		}
	}
	if attempt > 1 {
		b.WriteString("\nYour previous response was not a valid JSON decision object. ")
		b.WriteString("Respond with ONLY the JSON object, no prose and no code fences.")
	}
	return b.String()
}
