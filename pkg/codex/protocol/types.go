// Package protocol defines the methods, parameters, and event payloads of the
// agent app-server wire protocol spoken over the JSON-RPC transport.
package protocol

import "encoding/json"

// Methods invoked by the bridge
const (
	MethodInitialize         = "initialize"
	MethodInitialized        = "initialized"
	MethodThreadStart        = "thread/start"
	MethodThreadResume       = "thread/resume"
	MethodThreadCompactStart = "thread/compact/start"
	MethodTurnStart          = "turn/start"
	MethodTurnSteer          = "turn/steer"
	MethodTurnInterrupt      = "turn/interrupt"
)

// Notifications received from the agent
const (
	NotifyThreadStarted         = "thread/started"
	NotifyTurnStarted           = "turn/started"
	NotifyTurnCompleted         = "turn/completed"
	NotifyAgentMessageDelta     = "item/agentMessage/delta"
	NotifyItemStarted           = "item/started"
	NotifyItemCompleted         = "item/completed"
)

// Requests received from the agent
const (
	RequestCommandApproval    = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
	RequestToolCall           = "item/tool/call"
)

// Turn completion statuses
const (
	TurnStatusCompleted   = "completed"
	TurnStatusFailed      = "failed"
	TurnStatusInterrupted = "interrupted"
)

// Item types carried by item/started and item/completed
const (
	ItemTypeAgentMessage      = "agentMessage"
	ItemTypeContextCompaction = "contextCompaction"
)

// Approval policies
const (
	ApprovalNever     = "never"
	ApprovalOnRequest = "on-request"
)

// InputItem is one element of a turn's input array
type InputItem struct {
	Type         string   `json:"type"`
	Text         string   `json:"text"`
	TextElements []string `json:"text_elements"`
}

// TextInput builds the single-text input array used for every turn
func TextInput(text string) []InputItem {
	return []InputItem{{Type: "text", Text: text, TextElements: []string{}}}
}

// ToolDescriptor declares a dynamic tool exposed to the agent at thread start
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ThreadStartParams are the parameters of thread/start
type ThreadStartParams struct {
	Model             string                 `json:"model,omitempty"`
	Cwd               string                 `json:"cwd,omitempty"`
	ApprovalPolicy    string                 `json:"approvalPolicy,omitempty"`
	SandboxPolicy     string                 `json:"sandboxPolicy,omitempty"`
	ExperimentalFlags map[string]interface{} `json:"experimentalFlags,omitempty"`
	DynamicTools      []ToolDescriptor       `json:"dynamicTools,omitempty"`
}

// ThreadStartResult is the result of thread/start and thread/resume
type ThreadStartResult struct {
	ThreadID string `json:"threadId"`
}

// ThreadResumeParams are the parameters of thread/resume
type ThreadResumeParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadCompactParams are the parameters of thread/compact/start
type ThreadCompactParams struct {
	ThreadID string `json:"threadId"`
}

// TurnStartParams are the parameters of turn/start
type TurnStartParams struct {
	ThreadID       string                 `json:"threadId"`
	Input          []InputItem            `json:"input"`
	Model          string                 `json:"model,omitempty"`
	Effort         string                 `json:"effort,omitempty"`
	ApprovalPolicy string                 `json:"approvalPolicy,omitempty"`
	SandboxPolicy  string                 `json:"sandboxPolicy,omitempty"`
	Cwd            string                 `json:"cwd,omitempty"`
	OutputSchema   map[string]interface{} `json:"outputSchema,omitempty"`
}

// TurnStartResult is the result of turn/start
type TurnStartResult struct {
	TurnID string `json:"turnId"`
}

// TurnSteerParams are the parameters of turn/steer
type TurnSteerParams struct {
	ThreadID       string      `json:"threadId"`
	ExpectedTurnID string      `json:"expectedTurnId"`
	Input          []InputItem `json:"input"`
}

// TurnInterruptParams are the parameters of turn/interrupt
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// ThreadStartedEvent is the payload of thread/started
type ThreadStartedEvent struct {
	ThreadID string `json:"threadId"`
}

// TurnStartedEvent is the payload of turn/started
type TurnStartedEvent struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// TurnCompletedEvent is the payload of turn/completed
type TurnCompletedEvent struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// AgentMessageDeltaEvent is the payload of item/agentMessage/delta
type AgentMessageDeltaEvent struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// Item is the payload of item/started and item/completed
type Item struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
}

// ApprovalRequest is the payload of both requestApproval methods
type ApprovalRequest struct {
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId"`
	ItemID   string          `json:"itemId"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// ApprovalResponse answers an approval request
type ApprovalResponse struct {
	Decision string `json:"decision"` // accept or decline
}

// ToolCallRequest is the payload of item/tool/call
type ToolCallRequest struct {
	ThreadID  string          `json:"threadId"`
	TurnID    string          `json:"turnId"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolContentItem is one element of a tool call response's content
type ToolContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCallResponse answers item/tool/call
type ToolCallResponse struct {
	Success      bool              `json:"success"`
	ContentItems []ToolContentItem `json:"contentItems,omitempty"`
	Error        string            `json:"error,omitempty"`
}
