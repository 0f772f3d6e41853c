package acp

import "encoding/json"

// JSON-RPC 2.0 method names for the Agent Client Protocol.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	MethodSessionUpdate = "session/update"
	MethodSessionCancel = "session/cancel"
	MethodRequestPerm   = "session/request_permission"
)

// Protocol and client identity constants.
const (
	protocolVersion = 1
	clientName      = "agentpilot"
	clientVersion   = "0.1.0"
)

// --- Initialize ---

type initializeParams struct {
	ProtocolVersion    int                 `json:"protocolVersion"`
	ClientCapabilities *clientCapabilities `json:"clientCapabilities,omitempty"`
	ClientInfo         *implementation     `json:"clientInfo,omitempty"`
}

type initializeResult struct {
	ProtocolVersion   int                `json:"protocolVersion"`
	AgentCapabilities *agentCapabilities `json:"agentCapabilities,omitempty"`
	AgentInfo         *implementation    `json:"agentInfo,omitempty"`
}

// implementation identifies a client or agent.
type implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

type clientCapabilities struct {
	FS       *fileSystemCapability `json:"fs,omitempty"`
	Terminal bool                  `json:"terminal,omitempty"`
}

type fileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

type agentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

// --- Session ---

// MCPServer describes an MCP server to attach to the session. The runtime
// never dials these itself; they are passed through to the agent.
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type newSessionParams struct {
	CWD        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type loadSessionParams struct {
	SessionID  string      `json:"sessionId"`
	CWD        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// loadSessionResult carries no sessionId; the caller keeps the id it
// asked to load.
type loadSessionResult struct{}

// --- Prompt ---

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

// PromptResult is the agent's answer when a prompt turn completes.
type PromptResult struct {
	StopReason string `json:"stopReason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

// Usage is token accounting reported for one turn.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

// --- Session updates (notifications) ---

// sessionNotification is the outer envelope of session/update.
type sessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// sessionUpdateHeader extracts the discriminator from the inner update.
type sessionUpdateHeader struct {
	SessionUpdate string `json:"sessionUpdate"`
}

// toolCallUpdate describes a tool call in update and permission contexts.
type toolCallUpdate struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Locations  json.RawMessage `json:"locations,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
}

// --- Permission ---

// requestPermissionParams is the wire shape of a permission request.
// LegacyToolCallID covers agents that still send a top-level toolCallId
// instead of the nested toolCall object.
type requestPermissionParams struct {
	SessionID        string          `json:"sessionId"`
	ToolCall         toolCallUpdate  `json:"toolCall"`
	LegacyToolCallID string          `json:"toolCallId,omitempty"`
	Options          []permissionOpt `json:"options"`
}

type permissionOpt struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

type requestPermissionResult struct {
	Outcome requestPermissionOutcome `json:"outcome"`
}

type requestPermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}
