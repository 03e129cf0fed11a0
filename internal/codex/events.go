package codex

// TurnMode distinguishes user conversation turns from notification decision
// turns
type TurnMode string

const (
	ModeUser         TurnMode = "user"
	ModeNotification TurnMode = "notification"
)

// TurnContext is the in-memory state attached to a running turn
type TurnContext struct {
	Mode           TurnMode
	NotificationID string // notification mode only
	Attempt        int    // 1 or 2, notification mode only
	FinalText      string // latest completed assistant message text
}

// Event is a translated agent event delivered to the orchestrator. Handlers
// run on the transport reader goroutine and must not block; the orchestrator
// enqueues them onto its own channel.
type Event interface{ isEvent() }

// TurnStartedEvent fires when the agent confirms a turn has begun
type TurnStartedEvent struct {
	ThreadID string
	TurnID   string
}

// TurnCompletedEvent fires on a terminal turn event
type TurnCompletedEvent struct {
	ThreadID string
	TurnID   string
	Status   string // completed, failed, interrupted
	Error    string
	Context  *TurnContext // nil when the turn was not tracked
}

// AssistantDeltaEvent carries one streamed agent-message fragment
type AssistantDeltaEvent struct {
	ItemID string
	TurnID string
	Delta  string
	Mode   TurnMode
}

// AssistantFinalEvent carries a completed agent message
type AssistantFinalEvent struct {
	ItemID string
	TurnID string
	Text   string
	Mode   TurnMode
}

// CompactionStartedEvent fires when context compaction begins
type CompactionStartedEvent struct{}

// CompactionCompletedEvent fires when context compaction finishes
type CompactionCompletedEvent struct{}

// ModelFallbackEvent fires when the spark fallback switches the session model
type ModelFallbackEvent struct {
	FromModel string
	ToModel   string
	ToEffort  string
	Operation string
	Reason    string
}

// ApprovalDeclinedEvent fires when an approval request is declined by policy so
// the user can be informed
type ApprovalDeclinedEvent struct {
	Method  string
	Summary string
}

func (TurnStartedEvent) isEvent()         {}
func (TurnCompletedEvent) isEvent()       {}
func (AssistantDeltaEvent) isEvent()      {}
func (AssistantFinalEvent) isEvent()      {}
func (CompactionStartedEvent) isEvent()   {}
func (CompactionCompletedEvent) isEvent() {}
func (ModelFallbackEvent) isEvent()       {}
func (ApprovalDeclinedEvent) isEvent()    {}
