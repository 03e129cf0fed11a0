// Package store provides the bridge's sqlite-backed persistence: the session
// record, the inbound-message dedupe set, persisted flags, the audit log, and
// the notification table. A single process owns the database; WAL journaling
// keeps writers from blocking the poll loop's readers.
package store

import "encoding/json"

// Flag keys recognized by the bridge
const (
	FlagPaused                 = "paused"
	FlagAutoApprove            = "auto_approve"
	FlagReasoningEffortByModel = "reasoning_effort_by_model"
	FlagSparkReturnTarget      = "spark_return_target"
	FlagPendingRestartNotice   = "pending_bridge_restart_notice"
	FlagSupportsTurnSteer      = "supports_turn_steer"
)

// Audit event kinds. The set is closed; new kinds are added here.
const (
	AuditMessageInbound          = "message_inbound"
	AuditMessageOutbound         = "message_outbound"
	AuditCommand                 = "command"
	AuditTurnStarted             = "turn_started"
	AuditTurnCompleted           = "turn_completed"
	AuditTurnSteered             = "turn_steered"
	AuditTurnInterrupted         = "turn_interrupted"
	AuditAssistantDelta          = "assistant_delta"
	AuditApprovalRequest         = "approval_request"
	AuditApprovalResponse        = "approval_response"
	AuditNotificationIngested    = "notification_ingested"
	AuditNotificationDuplicate   = "notification_duplicate"
	AuditNotificationProcessing  = "notification_processing"
	AuditNotificationSent        = "notification_sent"
	AuditNotificationSuppressed  = "notification_suppressed"
	AuditNotificationFailed      = "notification_failed"
	AuditSystem                  = "system"
	AuditError                   = "error"
)

// Notification statuses
const (
	NotificationReceived   = "received"
	NotificationQueued     = "queued"
	NotificationProcessing = "processing"
	NotificationSent       = "sent"
	NotificationSuppressed = "suppressed"
	NotificationFailed     = "failed"
	NotificationDuplicate  = "duplicate"
)

// Notification sources
const (
	SourceWebhook   = "webhook"
	SourceCron      = "cron"
	SourceHeartbeat = "heartbeat"
)

// Session is the singleton conversation record for the trusted user
type Session struct {
	PhoneNumber  string `json:"phone_number"`
	ThreadID     string `json:"thread_id"`      // empty when no thread
	ActiveTurnID string `json:"active_turn_id"` // empty when idle
	Model        string `json:"model"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

// AuditEvent is one append-only log row
type AuditEvent struct {
	ID          int64           `json:"id"`
	TsMs        int64           `json:"ts_ms"`
	PhoneNumber string          `json:"phone_number"`
	ThreadID    string          `json:"thread_id,omitempty"`
	TurnID      string          `json:"turn_id,omitempty"`
	Kind        string          `json:"kind"`
	Summary     string          `json:"summary"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Notification is one row of the notification table
type Notification struct {
	ID             string `json:"id"`
	Source         string `json:"source"`
	SourceAccount  string `json:"source_account,omitempty"`
	SourceEventID  string `json:"source_event_id,omitempty"`
	DedupeKey      string `json:"dedupe_key"`
	Status         string `json:"status"`
	ReceivedAtMs   int64  `json:"received_at_ms"`
	ProcessedAtMs  int64  `json:"processed_at_ms,omitempty"`
	Delivery       string `json:"delivery,omitempty"`
	ReasonCode     string `json:"reason_code,omitempty"`
	MessageExcerpt string `json:"message_excerpt,omitempty"`
	Summary        string `json:"summary"`
	PayloadHash    string `json:"payload_hash"`
	RawExcerpt     string `json:"raw_excerpt,omitempty"`
	RawSizeBytes   int64  `json:"raw_size_bytes"`
	RawTruncated   bool   `json:"raw_truncated"`
	DuplicateCount int64  `json:"duplicate_count"`
	FirstSeenAtMs  int64  `json:"first_seen_at_ms"`
	LastSeenAtMs   int64  `json:"last_seen_at_ms"`
	ThreadID       string `json:"thread_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
	DecisionJSON   string `json:"decision_json,omitempty"`
	ErrorText      string `json:"error_text,omitempty"`
}

// SparkReturnTarget is the saved model+effort restored when spark is untoggled
type SparkReturnTarget struct {
	Model  string `json:"model"`
	Effort string `json:"effort"`
}

// RestartNotice is the one-shot flag persisted across a user-initiated restart
type RestartNotice struct {
	Target        string `json:"target"` // bridge or both
	RequestedAtMs int64  `json:"requestedAtMs"`
}
