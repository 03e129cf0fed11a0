package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/codexbridge/codexbridge/internal/store"
	"github.com/codexbridge/codexbridge/pkg/codex/jsonrpc"
	"github.com/codexbridge/codexbridge/pkg/codex/protocol"
	"go.uber.org/zap"
)

// handleNotification translates one agent notification into store updates,
// audit rows, and orchestrator events. Runs on the manager's notification
// goroutine, so turn-scoped audit rows stay in arrival order.
func (m *Manager) handleNotification(method string, params json.RawMessage) {
	ctx := context.Background()

	if method == protocol.NotifyThreadStarted {
		var ev protocol.ThreadStartedEvent
		if err := json.Unmarshal(params, &ev); err != nil || ev.ThreadID == "" {
			m.logger.Warn("malformed thread/started event", zap.Error(err))
			return
		}
		if err := m.store.SetThreadID(ctx, m.phone, ev.ThreadID); err != nil {
			m.logger.Error("failed to persist thread id", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.attached = ev.ThreadID
		m.mu.Unlock()
		return
	}

	// Stale events from a previous thread are dropped silently
	sess, err := m.store.GetOrCreateSession(ctx, m.phone)
	if err != nil {
		m.logger.Error("failed to load session", zap.Error(err))
		return
	}
	if threadID := eventThreadID(params); threadID != "" && threadID != sess.ThreadID {
		m.logger.Debug("dropping event for stale thread",
			zap.String("method", method), zap.String("thread_id", threadID))
		return
	}

	switch method {
	case protocol.NotifyTurnStarted:
		var ev protocol.TurnStartedEvent
		if err := json.Unmarshal(params, &ev); err != nil {
			m.logger.Warn("malformed turn/started event", zap.Error(err))
			return
		}
		if err := m.store.SetActiveTurnID(ctx, m.phone, ev.TurnID); err != nil {
			m.logger.Error("failed to persist active turn", zap.Error(err))
		}
		m.audit(ctx, store.AuditTurnStarted, ev.ThreadID, ev.TurnID, "turn started", nil)
		m.emit(TurnStartedEvent{ThreadID: ev.ThreadID, TurnID: ev.TurnID})

	case protocol.NotifyTurnCompleted:
		var ev protocol.TurnCompletedEvent
		if err := json.Unmarshal(params, &ev); err != nil {
			m.logger.Warn("malformed turn/completed event", zap.Error(err))
			return
		}
		m.mu.Lock()
		turnCtx := m.turns[ev.TurnID]
		delete(m.turns, ev.TurnID)
		m.mu.Unlock()

		if err := m.store.ClearActiveTurn(ctx, m.phone); err != nil {
			m.logger.Error("failed to clear active turn", zap.Error(err))
		}
		summary := fmt.Sprintf("turn %s", ev.Status)
		if ev.Error != "" {
			summary = fmt.Sprintf("turn %s: %s", ev.Status, truncate(ev.Error, 160))
		}
		m.audit(ctx, store.AuditTurnCompleted, ev.ThreadID, ev.TurnID, summary, nil)
		m.emit(TurnCompletedEvent{
			ThreadID: ev.ThreadID,
			TurnID:   ev.TurnID,
			Status:   ev.Status,
			Error:    ev.Error,
			Context:  turnCtx,
		})

	case protocol.NotifyAgentMessageDelta:
		var ev protocol.AgentMessageDeltaEvent
		if err := json.Unmarshal(params, &ev); err != nil {
			m.logger.Warn("malformed agent message delta", zap.Error(err))
			return
		}
		m.audit(ctx, store.AuditAssistantDelta, ev.ThreadID, ev.TurnID, truncate(ev.Delta, 200), nil)
		m.emit(AssistantDeltaEvent{
			ItemID: ev.ItemID,
			TurnID: ev.TurnID,
			Delta:  ev.Delta,
			Mode:   m.turnMode(ev.TurnID),
		})

	case protocol.NotifyItemStarted:
		var item protocol.Item
		if err := json.Unmarshal(params, &item); err != nil {
			return
		}
		if item.Type == protocol.ItemTypeContextCompaction {
			m.emit(CompactionStartedEvent{})
		}

	case protocol.NotifyItemCompleted:
		var item protocol.Item
		if err := json.Unmarshal(params, &item); err != nil {
			return
		}
		switch item.Type {
		case protocol.ItemTypeContextCompaction:
			m.emit(CompactionCompletedEvent{})
		case protocol.ItemTypeAgentMessage:
			m.mu.Lock()
			if turnCtx, ok := m.turns[item.TurnID]; ok {
				turnCtx.FinalText = item.Text
			}
			m.mu.Unlock()
			m.emit(AssistantFinalEvent{
				ItemID: item.ItemID,
				TurnID: item.TurnID,
				Text:   item.Text,
				Mode:   m.turnMode(item.TurnID),
			})
		}

	default:
		m.logger.Debug("unhandled agent notification", zap.String("method", method))
	}
}

func (m *Manager) turnMode(turnID string) TurnMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if turnCtx, ok := m.turns[turnID]; ok {
		return turnCtx.Mode
	}
	return ModeUser
}

// eventThreadID extracts threadId from any event payload without committing to
// a full shape
func eventThreadID(params json.RawMessage) string {
	var probe struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	return probe.ThreadID
}

// Server-initiated requests

// handleServerRequest answers agent-initiated requests: approval prompts and
// dynamic tool calls. Unknown methods get a method-not-found error. The
// transport is snapshotted under the lock; a restart mid-request answers on
// the child that asked.
func (m *Manager) handleServerRequest(id interface{}, method string, params json.RawMessage) {
	ctx := context.Background()

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	switch method {
	case protocol.RequestCommandApproval, protocol.RequestFileChangeApproval:
		m.handleApproval(ctx, client, id, method, params)
	case protocol.RequestToolCall:
		m.handleToolCall(ctx, client, id, params)
	default:
		if err := client.RespondError(id, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method not supported: %s", method), nil); err != nil {
			m.logger.Error("failed to respond to agent request", zap.Error(err))
		}
	}
}

func (m *Manager) handleApproval(ctx context.Context, client Transport, id interface{}, method string, params json.RawMessage) {
	var req protocol.ApprovalRequest
	if err := json.Unmarshal(params, &req); err != nil {
		m.logger.Warn("malformed approval request", zap.Error(err))
	}

	autoApprove, _ := m.store.GetBoolFlag(ctx, store.FlagAutoApprove, false)
	paused, _ := m.store.GetBoolFlag(ctx, store.FlagPaused, false)

	decision := "decline"
	if autoApprove && !paused {
		decision = "accept"
	}

	m.audit(ctx, store.AuditApprovalRequest, req.ThreadID, req.TurnID, method, params)
	m.audit(ctx, store.AuditApprovalResponse, req.ThreadID, req.TurnID, decision, nil)

	if err := client.Respond(id, protocol.ApprovalResponse{Decision: decision}); err != nil {
		m.logger.Error("failed to respond to approval request", zap.Error(err))
		return
	}
	if decision == "decline" {
		m.emit(ApprovalDeclinedEvent{Method: method, Summary: approvalSummary(method)})
	}
}

func approvalSummary(method string) string {
	if method == protocol.RequestFileChangeApproval {
		return "file change"
	}
	return "command execution"
}

// Dynamic notification tools

type listToolArgs struct {
	Count  int    `json:"count"`
	Source string `json:"source"`
}

type getToolArgs struct {
	ID string `json:"id"`
}

type searchToolArgs struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

func (m *Manager) handleToolCall(ctx context.Context, client Transport, id interface{}, params json.RawMessage) {
	var call protocol.ToolCallRequest
	if err := json.Unmarshal(params, &call); err != nil {
		m.respondToolError(client, id, "malformed tool call payload")
		return
	}

	switch call.Tool {
	case "notifications_list":
		var args listToolArgs
		if err := strictUnmarshal(call.Arguments, &args); err != nil {
			m.respondToolError(client, id, fmt.Sprintf("invalid arguments: %v", err))
			return
		}
		if args.Count == 0 {
			args.Count = 20
		}
		if args.Count < 1 || args.Count > 200 {
			m.respondToolError(client, id, "count must be within [1, 200]")
			return
		}
		if !validSourceFilter(args.Source) {
			m.respondToolError(client, id, "source must be one of all, webhook, cron, heartbeat")
			return
		}
		rows, err := m.store.ListNotifications(ctx, args.Count, args.Source)
		if err != nil {
			m.respondToolError(client, id, "notification query failed")
			return
		}
		m.respondToolJSON(client, id, rows)

	case "notifications_get":
		var args getToolArgs
		if err := strictUnmarshal(call.Arguments, &args); err != nil || args.ID == "" {
			m.respondToolError(client, id, "id is required")
			return
		}
		row, err := m.store.GetNotification(ctx, args.ID)
		if err != nil {
			m.respondToolError(client, id, fmt.Sprintf("notification %s not found", args.ID))
			return
		}
		m.respondToolJSON(client, id, row)

	case "notifications_search":
		var args searchToolArgs
		if err := strictUnmarshal(call.Arguments, &args); err != nil || args.Query == "" {
			m.respondToolError(client, id, "query is required")
			return
		}
		if args.Count == 0 {
			args.Count = 20
		}
		if args.Count < 1 || args.Count > 200 {
			m.respondToolError(client, id, "count must be within [1, 200]")
			return
		}
		rows, err := m.store.SearchNotifications(ctx, args.Query, args.Count)
		if err != nil {
			m.respondToolError(client, id, "notification search failed")
			return
		}
		m.respondToolJSON(client, id, rows)

	default:
		m.respondToolError(client, id, fmt.Sprintf("unknown tool: %s", call.Tool))
	}
}

func strictUnmarshal(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func validSourceFilter(source string) bool {
	switch source {
	case "", "all", store.SourceWebhook, store.SourceCron, store.SourceHeartbeat:
		return true
	}
	return false
}

func (m *Manager) respondToolJSON(client Transport, id interface{}, payload interface{}) {
	pretty, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		m.respondToolError(client, id, "failed to encode result")
		return
	}
	resp := protocol.ToolCallResponse{
		Success:      true,
		ContentItems: []protocol.ToolContentItem{{Type: "inputText", Text: string(pretty)}},
	}
	if err := client.Respond(id, resp); err != nil {
		m.logger.Error("failed to respond to tool call", zap.Error(err))
	}
}

func (m *Manager) respondToolError(client Transport, id interface{}, message string) {
	if err := client.Respond(id, protocol.ToolCallResponse{Success: false, Error: message}); err != nil {
		m.logger.Error("failed to respond to tool call", zap.Error(err))
	}
}

// notificationTools declares the dynamic tools exposed to the agent for
// querying the notification table
func notificationTools() []protocol.ToolDescriptor {
	return []protocol.ToolDescriptor{
		{
			Name:        "notifications_list",
			Description: "List recent bridge notifications, newest first.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"count": map[string]interface{}{
						"type": "integer", "minimum": 1, "maximum": 200,
					},
					"source": map[string]interface{}{
						"type": "string",
						"enum": []string{"all", "webhook", "cron", "heartbeat"},
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "notifications_get",
			Description: "Fetch one notification by id, including its raw excerpt and decision.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id": map[string]interface{}{"type": "string"},
				},
				"required":             []string{"id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "notifications_search",
			Description: "Search notification summaries and raw excerpts for a substring.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{"type": "string"},
					"count": map[string]interface{}{
						"type": "integer", "minimum": 1, "maximum": 200,
					},
				},
				"required":             []string{"query"},
				"additionalProperties": false,
			},
		},
	}
}
