// Package codex owns the agent child process and enforces the session/turn
// state machine: thread lifecycle, steer-vs-start decisions, structured-output
// decision turns, model and effort settings, and spark fallback.
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/codexbridge/codexbridge/internal/common/config"
	"github.com/codexbridge/codexbridge/internal/common/logger"
	"github.com/codexbridge/codexbridge/internal/store"
	"github.com/codexbridge/codexbridge/pkg/codex/jsonrpc"
	"github.com/codexbridge/codexbridge/pkg/codex/protocol"
	"go.uber.org/zap"
)

// Valid reasoning effort levels
var validEfforts = map[string]bool{
	"none": true, "minimal": true, "low": true,
	"medium": true, "high": true, "xhigh": true,
}

// IsValidEffort reports whether s names a reasoning effort level
func IsValidEffort(s string) bool {
	return validEfforts[s]
}

// Sentinel errors surfaced to the command layer
var (
	ErrNoActiveTurn      = errors.New("no active turn")
	ErrSteerNotSupported = errors.New("agent does not support turn steering; update the agent binary")
	ErrNotificationBusy  = errors.New("a notification decision turn is in progress")
)

// Transport is the JSON-RPC channel to the agent child process
type Transport interface {
	Start(ctx context.Context) error
	Stop()
	Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)
	Notify(method string, params interface{}) error
	Respond(id interface{}, result interface{}) error
	RespondError(id interface{}, code int, message string, data interface{}) error
	SetNotificationHandler(jsonrpc.NotificationHandler)
	SetRequestHandler(jsonrpc.RequestHandler)
	SetExitHandler(jsonrpc.ExitHandler)
}

// Flags is the subset of persisted flags that shape a call
type Flags struct {
	Paused      bool
	AutoApprove bool
}

// TurnResult describes how user input entered the agent
type TurnResult struct {
	Mode     string // "start" or "steer"
	TurnID   string
	ThreadID string
}

// NotificationTurnRequest starts a structured-output decision turn
type NotificationTurnRequest struct {
	Text           string
	Flags          Flags
	OutputSchema   map[string]interface{}
	NotificationID string
	Attempt        int
}

type agentNotification struct {
	method string
	params json.RawMessage
}

// Manager owns the transport and the session/turn state machine
type Manager struct {
	cfg    config.CodexConfig
	phone  string
	store  *store.Store
	logger *logger.Logger

	newTransport func() Transport

	mu            sync.Mutex
	client        Transport
	attached      string // thread id resumed/started in the current child lifetime
	turns         map[string]*TurnContext
	supportsSteer bool

	emit func(Event)

	notifCh chan agentNotification
	done    chan struct{}
	once    sync.Once
}

// NewManager creates a session manager. newTransport builds a fresh transport
// for each child lifetime (initial start and restarts).
func NewManager(cfg config.CodexConfig, phone string, st *store.Store, newTransport func() Transport, log *logger.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		phone:         phone,
		store:         st,
		newTransport:  newTransport,
		logger:        log.WithFields(zap.String("component", "codex-session")),
		turns:         make(map[string]*TurnContext),
		supportsSteer: true,
		notifCh:       make(chan agentNotification, 256),
		done:          make(chan struct{}),
		emit:          func(Event) {},
	}
}

// SetEventHandler registers the orchestrator's event sink. The handler runs on
// the manager's notification goroutine and must not block.
func (m *Manager) SetEventHandler(handler func(Event)) {
	if handler != nil {
		m.emit = handler
	}
}

// Start spawns the agent child and begins processing its events
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	supported, err := m.store.GetBoolFlag(ctx, store.FlagSupportsTurnSteer, true)
	if err != nil {
		return err
	}
	m.supportsSteer = supported

	go m.notificationLoop()

	return m.startTransportLocked(ctx)
}

// Stop terminates the agent child and the event loop
func (m *Manager) Stop() {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	m.once.Do(func() { close(m.done) })
}

func (m *Manager) startTransportLocked(ctx context.Context) error {
	client := m.newTransport()
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		select {
		case m.notifCh <- agentNotification{method: method, params: params}:
		case <-m.done:
		}
	})
	client.SetRequestHandler(func(id interface{}, method string, params json.RawMessage) {
		// Served off the reader goroutine; tool queries can take a moment
		go m.handleServerRequest(id, method, params)
	})
	client.SetExitHandler(func(err error) {
		m.logger.Warn("agent transport exited", zap.Error(err))
	})

	if err := client.Start(ctx); err != nil {
		return err
	}
	m.client = client
	return nil
}

func (m *Manager) restartTransportLocked(ctx context.Context) error {
	if m.client != nil {
		m.client.Stop()
	}
	m.attached = ""
	return m.startTransportLocked(ctx)
}

// notificationLoop consumes agent notifications in arrival order
func (m *Manager) notificationLoop() {
	for {
		select {
		case n := <-m.notifCh:
			m.handleNotification(n.method, n.params)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) approvalPolicy(flags Flags) string {
	if flags.AutoApprove {
		return protocol.ApprovalNever
	}
	return protocol.ApprovalOnRequest
}

func (m *Manager) sessionModel(ctx context.Context) (string, error) {
	sess, err := m.store.GetOrCreateSession(ctx, m.phone)
	if err != nil {
		return "", err
	}
	if sess.Model == "" {
		return m.cfg.DefaultModel, nil
	}
	return sess.Model, nil
}

// DefaultEffort returns the built-in effort for a model when the per-model map
// has no entry
func (m *Manager) DefaultEffort(model string) string {
	if model == m.cfg.SparkModel {
		return "xhigh"
	}
	return "medium"
}

// EffortForModel resolves the reasoning effort for a model from the persisted
// per-model map, falling back to the built-in default
func (m *Manager) EffortForModel(ctx context.Context, model string) (string, error) {
	var efforts map[string]string
	ok, err := m.store.GetJSONFlag(ctx, store.FlagReasoningEffortByModel, &efforts)
	if err != nil {
		return "", err
	}
	if ok {
		if effort, found := efforts[model]; found && effort != "" {
			return effort, nil
		}
	}
	return m.DefaultEffort(model), nil
}

// Error classification

func isThreadNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "thread not found")
}

func isUnknownMethod(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc.CodeMethodNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown variant") || strings.Contains(msg, "method not found")
}

func isRequestTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "timed out")
}

// maybeSparkFallback checks err against the spark inaccessibility predicate and,
// when it fires while the session model is spark, persists the standard model
// and emits a model-fallback event. Returns true when the caller should retry
// the operation once.
func (m *Manager) maybeSparkFallback(ctx context.Context, operation string, err error) bool {
	if !isSparkUnavailable(err, m.cfg.SparkModel) {
		return false
	}
	model, merr := m.sessionModel(ctx)
	if merr != nil || model != m.cfg.SparkModel {
		return false
	}

	if serr := m.store.SetModel(ctx, m.phone, m.cfg.DefaultModel); serr != nil {
		m.logger.Error("failed to persist fallback model", zap.Error(serr))
		return false
	}
	effort, _ := m.EffortForModel(ctx, m.cfg.DefaultModel)

	m.logger.Warn("spark model unavailable, falling back",
		zap.String("from", m.cfg.SparkModel),
		zap.String("to", m.cfg.DefaultModel),
		zap.String("operation", operation))
	m.emit(ModelFallbackEvent{
		FromModel: m.cfg.SparkModel,
		ToModel:   m.cfg.DefaultModel,
		ToEffort:  effort,
		Operation: operation,
		Reason:    err.Error(),
	})
	return true
}

// Thread lifecycle

// EnsureThread returns a thread id attached to the current child lifetime,
// resuming or starting one as needed
func (m *Manager) EnsureThread(ctx context.Context, flags Flags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureThreadLocked(ctx, flags)
}

func (m *Manager) ensureThreadLocked(ctx context.Context, flags Flags) (string, error) {
	sess, err := m.store.GetOrCreateSession(ctx, m.phone)
	if err != nil {
		return "", err
	}

	if sess.ThreadID != "" && m.attached == sess.ThreadID {
		return sess.ThreadID, nil
	}

	if sess.ThreadID != "" {
		_, err := m.client.Call(ctx, protocol.MethodThreadResume,
			protocol.ThreadResumeParams{ThreadID: sess.ThreadID}, 0)
		if err == nil {
			m.attached = sess.ThreadID
			m.audit(ctx, store.AuditSystem, sess.ThreadID, "", "thread resumed", nil)
			return sess.ThreadID, nil
		}
		if !isThreadNotFound(err) {
			if m.maybeSparkFallback(ctx, protocol.MethodThreadResume, err) {
				if _, rerr := m.client.Call(ctx, protocol.MethodThreadResume,
					protocol.ThreadResumeParams{ThreadID: sess.ThreadID}, 0); rerr == nil {
					m.attached = sess.ThreadID
					m.audit(ctx, store.AuditSystem, sess.ThreadID, "", "thread resumed", nil)
					return sess.ThreadID, nil
				}
			}
			return "", fmt.Errorf("thread/resume failed: %w", err)
		}
		// Agent lost the thread; start fresh
		m.logger.Warn("thread not found on resume, starting a new thread",
			zap.String("thread_id", sess.ThreadID))
		if err := m.store.SetThreadID(ctx, m.phone, ""); err != nil {
			return "", err
		}
	}

	model, err := m.sessionModel(ctx)
	if err != nil {
		return "", err
	}

	params := protocol.ThreadStartParams{
		Model:          model,
		Cwd:            m.cfg.WorkingDir,
		ApprovalPolicy: m.approvalPolicy(flags),
		SandboxPolicy:  m.cfg.SandboxMode,
		ExperimentalFlags: map[string]interface{}{
			"dynamicTools": true,
		},
		DynamicTools: notificationTools(),
	}

	raw, err := m.callThreadStart(ctx, &params)
	if err != nil {
		return "", err
	}

	var result protocol.ThreadStartResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("malformed thread/start result: %w", err)
	}
	if result.ThreadID == "" {
		return "", fmt.Errorf("thread/start returned no thread id")
	}

	if err := m.store.SetThreadID(ctx, m.phone, result.ThreadID); err != nil {
		return "", err
	}
	m.attached = result.ThreadID
	m.audit(ctx, store.AuditSystem, result.ThreadID, "", "thread started", nil)
	return result.ThreadID, nil
}

// callThreadStart performs thread/start with the one-shot child restart on
// request timeout and the spark fallback retry
func (m *Manager) callThreadStart(ctx context.Context, params *protocol.ThreadStartParams) (json.RawMessage, error) {
	raw, err := m.client.Call(ctx, protocol.MethodThreadStart, params, 0)
	if err == nil {
		return raw, nil
	}

	if isRequestTimeout(err) {
		m.logger.Warn("thread/start timed out, restarting agent child once", zap.Error(err))
		if rerr := m.restartTransportLocked(ctx); rerr != nil {
			return nil, fmt.Errorf("agent restart after thread/start timeout failed: %w", rerr)
		}
		return m.client.Call(ctx, protocol.MethodThreadStart, params, 0)
	}

	if m.maybeSparkFallback(ctx, protocol.MethodThreadStart, err) {
		params.Model = m.cfg.DefaultModel
		return m.client.Call(ctx, protocol.MethodThreadStart, params, 0)
	}

	return nil, fmt.Errorf("thread/start failed: %w", err)
}

// Turn lifecycle

// StartOrSteerTurn feeds user text into the agent: steering the active turn
// when one exists and steering is supported, otherwise starting a new turn.
// Notification decision turns are never steered; user text arriving while one
// is active returns ErrNotificationBusy so the caller can ask for a resend.
func (m *Manager) StartOrSteerTurn(ctx context.Context, text string, flags Flags) (*TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threadID, err := m.ensureThreadLocked(ctx, flags)
	if err != nil {
		return nil, err
	}

	sess, err := m.store.GetOrCreateSession(ctx, m.phone)
	if err != nil {
		return nil, err
	}

	if sess.ActiveTurnID != "" {
		if turnCtx, ok := m.turns[sess.ActiveTurnID]; ok && turnCtx.Mode == ModeNotification {
			return nil, ErrNotificationBusy
		}
	}

	if sess.ActiveTurnID != "" && m.supportsSteer {
		steerErr := m.steerLocked(ctx, threadID, sess.ActiveTurnID, text)
		switch {
		case steerErr == nil:
			// Steering joins the existing turn; its context stays as-is
			if _, ok := m.turns[sess.ActiveTurnID]; !ok {
				m.turns[sess.ActiveTurnID] = &TurnContext{Mode: ModeUser}
			}
			m.audit(ctx, store.AuditTurnSteered, threadID, sess.ActiveTurnID, truncate(text, 200), nil)
			return &TurnResult{Mode: "steer", TurnID: sess.ActiveTurnID, ThreadID: threadID}, nil
		case isUnknownMethod(steerErr):
			m.supportsSteer = false
			if err := m.store.SetBoolFlag(ctx, store.FlagSupportsTurnSteer, false); err != nil {
				m.logger.Error("failed to persist steer support flag", zap.Error(err))
			}
			return nil, ErrSteerNotSupported
		case isThreadNotFound(steerErr):
			m.attached = ""
			if err := m.store.SetThreadID(ctx, m.phone, ""); err != nil {
				return nil, err
			}
			threadID, err = m.ensureThreadLocked(ctx, flags)
			if err != nil {
				return nil, err
			}
		default:
			m.logger.Warn("turn/steer failed, starting a new turn", zap.Error(steerErr))
			if err := m.store.ClearActiveTurn(ctx, m.phone); err != nil {
				return nil, err
			}
		}
	}

	return m.startTurnLocked(ctx, threadID, text, flags, nil, nil)
}

func (m *Manager) steerLocked(ctx context.Context, threadID, expectedTurnID, text string) error {
	_, err := m.client.Call(ctx, protocol.MethodTurnSteer, protocol.TurnSteerParams{
		ThreadID:       threadID,
		ExpectedTurnID: expectedTurnID,
		Input:          protocol.TextInput(text),
	}, 0)
	return err
}

// StartNotificationTurn starts a decision turn with an enforced output schema
func (m *Manager) StartNotificationTurn(ctx context.Context, req NotificationTurnRequest) (*TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threadID, err := m.ensureThreadLocked(ctx, req.Flags)
	if err != nil {
		return nil, err
	}

	turnCtx := &TurnContext{
		Mode:           ModeNotification,
		NotificationID: req.NotificationID,
		Attempt:        req.Attempt,
	}
	return m.startTurnLocked(ctx, threadID, req.Text, req.Flags, req.OutputSchema, turnCtx)
}

// startTurnLocked is the shared turn/start path with thread-not-found and
// spark fallback retries, each attempted exactly once
func (m *Manager) startTurnLocked(ctx context.Context, threadID, text string, flags Flags, outputSchema map[string]interface{}, turnCtx *TurnContext) (*TurnResult, error) {
	model, err := m.sessionModel(ctx)
	if err != nil {
		return nil, err
	}
	effort, err := m.EffortForModel(ctx, model)
	if err != nil {
		return nil, err
	}

	params := protocol.TurnStartParams{
		ThreadID:       threadID,
		Input:          protocol.TextInput(text),
		Model:          model,
		Effort:         effort,
		ApprovalPolicy: m.approvalPolicy(flags),
		SandboxPolicy:  m.cfg.SandboxMode,
		Cwd:            m.cfg.WorkingDir,
		OutputSchema:   outputSchema,
	}

	raw, err := m.client.Call(ctx, protocol.MethodTurnStart, params, 0)
	if err != nil && isThreadNotFound(err) {
		m.attached = ""
		if serr := m.store.SetThreadID(ctx, m.phone, ""); serr != nil {
			return nil, serr
		}
		threadID, err = m.ensureThreadLocked(ctx, flags)
		if err != nil {
			return nil, err
		}
		params.ThreadID = threadID
		raw, err = m.client.Call(ctx, protocol.MethodTurnStart, params, 0)
	}
	if err != nil && m.maybeSparkFallback(ctx, protocol.MethodTurnStart, err) {
		params.Model = m.cfg.DefaultModel
		params.Effort, _ = m.EffortForModel(ctx, m.cfg.DefaultModel)
		raw, err = m.client.Call(ctx, protocol.MethodTurnStart, params, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("turn/start failed: %w", err)
	}

	var result protocol.TurnStartResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed turn/start result: %w", err)
	}
	if result.TurnID == "" {
		return nil, fmt.Errorf("turn/start returned no turn id")
	}

	if err := m.store.SetActiveTurnID(ctx, m.phone, result.TurnID); err != nil {
		return nil, err
	}
	if turnCtx == nil {
		turnCtx = &TurnContext{Mode: ModeUser}
	}
	m.turns[result.TurnID] = turnCtx

	return &TurnResult{Mode: "start", TurnID: result.TurnID, ThreadID: threadID}, nil
}

// Interrupt issues turn/interrupt against the current (thread, turn) pair
func (m *Manager) Interrupt(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetOrCreateSession(ctx, m.phone)
	if err != nil {
		return err
	}
	if sess.ActiveTurnID == "" || sess.ThreadID == "" {
		return ErrNoActiveTurn
	}

	_, err = m.client.Call(ctx, protocol.MethodTurnInterrupt, protocol.TurnInterruptParams{
		ThreadID: sess.ThreadID,
		TurnID:   sess.ActiveTurnID,
	}, 0)
	if err != nil {
		return fmt.Errorf("turn/interrupt failed: %w", err)
	}
	m.audit(ctx, store.AuditTurnInterrupted, sess.ThreadID, sess.ActiveTurnID, "interrupt requested", nil)
	return nil
}

// CompactThread asks the agent to compact the current thread's context
func (m *Manager) CompactThread(ctx context.Context, flags Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	threadID, err := m.ensureThreadLocked(ctx, flags)
	if err != nil {
		return err
	}
	_, err = m.client.Call(ctx, protocol.MethodThreadCompactStart,
		protocol.ThreadCompactParams{ThreadID: threadID}, 0)
	if err != nil {
		return fmt.Errorf("thread/compact/start failed: %w", err)
	}
	return nil
}

// RestartCodex stops and relaunches the agent child, then re-ensures the
// thread best-effort. Returns the new thread id, which may be empty.
func (m *Manager) RestartCodex(ctx context.Context, flags Flags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit(ctx, store.AuditSystem, "", "", "agent restart requested", nil)

	if err := m.restartTransportLocked(ctx); err != nil {
		return "", fmt.Errorf("agent restart failed: %w", err)
	}
	if err := m.store.ClearActiveTurn(ctx, m.phone); err != nil {
		return "", err
	}

	threadID, err := m.ensureThreadLocked(ctx, flags)
	if err != nil {
		m.logger.Warn("thread re-ensure after restart failed", zap.Error(err))
		threadID = ""
	}
	m.audit(ctx, store.AuditSystem, threadID, "", "agent restart completed", nil)
	return threadID, nil
}

// Model and effort controls

// SetModel validates and persists the session model, returning its effective
// effort
func (m *Manager) SetModel(ctx context.Context, model string) (string, error) {
	if !strings.HasPrefix(model, m.cfg.ModelPrefix) {
		return "", fmt.Errorf("model must start with %q", m.cfg.ModelPrefix)
	}
	if err := m.store.SetModel(ctx, m.phone, model); err != nil {
		return "", err
	}
	return m.EffortForModel(ctx, model)
}

// SetModelWithEffort sets the model and records its effort in the per-model map
func (m *Manager) SetModelWithEffort(ctx context.Context, model, effort string) error {
	if !validEfforts[effort] {
		return fmt.Errorf("invalid effort %q", effort)
	}
	if _, err := m.SetModel(ctx, model); err != nil {
		return err
	}
	return m.setEffortEntry(ctx, model, effort)
}

// SetEffortForCurrentModel updates the effort map entry for the session model
func (m *Manager) SetEffortForCurrentModel(ctx context.Context, effort string) (string, error) {
	if !validEfforts[effort] {
		return "", fmt.Errorf("invalid effort %q", effort)
	}
	model, err := m.sessionModel(ctx)
	if err != nil {
		return "", err
	}
	if err := m.setEffortEntry(ctx, model, effort); err != nil {
		return "", err
	}
	return model, nil
}

func (m *Manager) setEffortEntry(ctx context.Context, model, effort string) error {
	efforts := map[string]string{}
	if _, err := m.store.GetJSONFlag(ctx, store.FlagReasoningEffortByModel, &efforts); err != nil {
		return err
	}
	if efforts == nil {
		efforts = map[string]string{}
	}
	efforts[model] = effort
	return m.store.SetJSONFlag(ctx, store.FlagReasoningEffortByModel, efforts)
}

// ToggleSparkModel switches between spark and the saved return target
func (m *Manager) ToggleSparkModel(ctx context.Context) (string, string, error) {
	model, err := m.sessionModel(ctx)
	if err != nil {
		return "", "", err
	}

	if model != m.cfg.SparkModel {
		effort, err := m.EffortForModel(ctx, model)
		if err != nil {
			return "", "", err
		}
		if err := m.store.SetJSONFlag(ctx, store.FlagSparkReturnTarget,
			store.SparkReturnTarget{Model: model, Effort: effort}); err != nil {
			return "", "", err
		}
		if err := m.store.SetModel(ctx, m.phone, m.cfg.SparkModel); err != nil {
			return "", "", err
		}
		sparkEffort, err := m.EffortForModel(ctx, m.cfg.SparkModel)
		if err != nil {
			return "", "", err
		}
		return m.cfg.SparkModel, sparkEffort, nil
	}

	// Un-toggle: restore the saved target, consuming it
	value, ok, err := m.store.ConsumeFlag(ctx, store.FlagSparkReturnTarget)
	if err != nil {
		return "", "", err
	}
	target := store.SparkReturnTarget{Model: m.cfg.DefaultModel, Effort: m.DefaultEffort(m.cfg.DefaultModel)}
	if ok {
		if err := json.Unmarshal([]byte(value), &target); err != nil || target.Model == "" {
			target = store.SparkReturnTarget{Model: m.cfg.DefaultModel, Effort: m.DefaultEffort(m.cfg.DefaultModel)}
		}
	}
	if err := m.store.SetModel(ctx, m.phone, target.Model); err != nil {
		return "", "", err
	}
	if target.Effort != "" {
		if err := m.setEffortEntry(ctx, target.Model, target.Effort); err != nil {
			return "", "", err
		}
	}
	return target.Model, target.Effort, nil
}

// audit writes a log row; failures are logged, never propagated
func (m *Manager) audit(ctx context.Context, kind, threadID, turnID, summary string, payload json.RawMessage) {
	err := m.store.AppendAudit(ctx, &store.AuditEvent{
		PhoneNumber: m.phone,
		ThreadID:    threadID,
		TurnID:      turnID,
		Kind:        kind,
		Summary:     summary,
		Payload:     payload,
	})
	if err != nil {
		m.logger.Error("failed to append audit event", zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
