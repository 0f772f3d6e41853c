package agentpilot

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a session.
type Status string

const (
	// StatusStarting is emitted while the agent process is being spawned
	// and the protocol handshake is in flight.
	StatusStarting Status = "starting"

	// StatusIdle means the agent has finished its turn. This is inferred
	// from output quiescence; ACP has no explicit end-of-turn signal.
	StatusIdle Status = "idle"

	// StatusRunning means a prompt is in flight.
	StatusRunning Status = "running"

	// StatusStopped means the agent process exited while the session was
	// not being disposed.
	StatusStopped Status = "stopped"

	// StatusError means the session hit a fatal transport or protocol error.
	StatusError Status = "error"
)

// EventKind identifies the kind of application event emitted by a session.
type EventKind string

const (
	// EventStatus is a session lifecycle transition.
	EventStatus EventKind = "status"

	// EventModelOutput is a streamed chunk of assistant text.
	EventModelOutput EventKind = "model-output"

	// EventToolCall announces a tool invocation (start or refresh).
	EventToolCall EventKind = "tool-call"

	// EventToolResult carries the terminal result of a tool invocation.
	EventToolResult EventKind = "tool-result"

	// EventPermissionRequest is emitted when the agent asks for approval.
	EventPermissionRequest EventKind = "permission-request"

	// EventPermissionResponse records the decision made for a request.
	EventPermissionResponse EventKind = "permission-response"

	// EventGeneric carries secondary update kinds (thinking, plan,
	// available-commands, current-mode, user-message-chunk) by name.
	EventGeneric EventKind = "event"
)

// Event is a single normalized application event produced by a session.
// Exactly the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind `json:"kind"`

	// Status and Detail are set for EventStatus. Detail is a best-effort
	// human-readable string for stopped/error transitions, never a raw
	// protocol error object.
	Status Status `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`

	// TextDelta is set for EventModelOutput.
	TextDelta string `json:"textDelta,omitempty"`

	// Tool is set for EventToolCall and EventToolResult.
	Tool *ToolEvent `json:"tool,omitempty"`

	// Permission is set for EventPermissionRequest and EventPermissionResponse.
	Permission *PermissionEvent `json:"permission,omitempty"`

	// Name and Payload are set for EventGeneric.
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`
}

// ToolEvent describes a tool invocation or its result.
type ToolEvent struct {
	// CallID is the protocol-assigned tool call identifier.
	CallID string `json:"callId"`

	// Name is the resolved tool name (never a placeholder once resolved).
	Name string `json:"toolName"`

	// Args is the normalized input snapshot (tool-call events).
	Args json.RawMessage `json:"args,omitempty"`

	// Result is the normalized output (tool-result events). For failed or
	// cancelled calls it carries an extracted error string as JSON.
	Result json.RawMessage `json:"result,omitempty"`

	// Status is the terminal status on tool-result events
	// (completed, failed, cancelled, timeout).
	Status string `json:"status,omitempty"`
}

// PermissionEvent describes a permission request or its resolution.
type PermissionEvent struct {
	// ID correlates request and response. It equals the tool call id when
	// one was available, otherwise a generated id.
	ID string `json:"id"`

	// Reason is the resolved tool name or vendor-supplied title.
	Reason string `json:"reason,omitempty"`

	// Payload is the raw request input, for UI display and audit.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Approved is set on EventPermissionResponse.
	Approved bool `json:"approved"`
}

// Decision is a permission responder's verdict.
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	// DecisionApprovedExecPolicyAmendment approves and asks the agent to
	// remember the command pattern in its execution policy.
	DecisionApprovedExecPolicyAmendment Decision = "approved_execpolicy_amendment"
	DecisionDenied                      Decision = "denied"
	DecisionAbort                       Decision = "abort"
)

// Approves reports whether d is any of the approval decisions.
func (d Decision) Approves() bool {
	switch d {
	case DecisionApproved, DecisionApprovedForSession, DecisionApprovedExecPolicyAmendment:
		return true
	}
	return false
}

// PermissionOption is one vendor-provided choice on a permission request.
type PermissionOption struct {
	ID   string `json:"optionId"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// PermissionPrompt is handed to a PermissionResponder when the agent (or
// the replay reconciler, on transcript divergence) needs a decision.
type PermissionPrompt struct {
	ID         string
	SessionID  string
	ToolName   string
	ToolCallID string
	Input      json.RawMessage
	Reason     string
	Options    []PermissionOption
}

// PermissionResponder produces a decision for a permission prompt. The
// protocol requires an inline decision, so the responder is called
// synchronously from the permission handler goroutine. A responder error
// results in denial, never approval.
type PermissionResponder func(ctx context.Context, prompt PermissionPrompt) (Decision, error)
