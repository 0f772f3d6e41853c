package acp

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/agentpilot/agentpilot/transcript"
)

// capturedEvent is a non-message replay item (tool call, tool result)
// captured during session/load.
type capturedEvent struct {
	// afterItem is the index in the captured message list this event
	// follows, so imports preserve ordering.
	afterItem int
	kind      string
	payload   json.RawMessage
}

// replayCapture accumulates the history an agent streams back during
// session/load. Consecutive chunks with the same role coalesce into one
// message; a role change or a tool event flushes the buffer. Captured
// items never reach the live event channel.
type replayCapture struct {
	mu sync.Mutex

	items  []transcript.TextItem
	events []capturedEvent

	pendingRole string
	pending     strings.Builder
}

func newReplayCapture() *replayCapture {
	return &replayCapture{}
}

// addChunk buffers one streamed text chunk under the given role.
func (c *replayCapture) addChunk(role, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingRole != "" && c.pendingRole != role {
		c.flushLocked()
	}
	c.pendingRole = role
	c.pending.WriteString(text)
}

// addToolCall records a tool invocation from the replayed history. The
// pending message flushes first so ordering is preserved.
func (c *replayCapture) addToolCall(payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	c.events = append(c.events, capturedEvent{
		afterItem: len(c.items),
		kind:      "tool_call",
		payload:   append(json.RawMessage(nil), payload...),
	})
}

// addToolResult records a terminal tool update. Intermediate progress
// updates carry no output and are not history; skip them.
func (c *replayCapture) addToolResult(u toolCallUpdate, payload json.RawMessage) {
	if !terminalToolStatus[u.Status] && len(u.RawOutput) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	c.events = append(c.events, capturedEvent{
		afterItem: len(c.items),
		kind:      "tool_result",
		payload:   append(json.RawMessage(nil), payload...),
	})
}

// flushLocked commits the pending buffer as one message. Whitespace-only
// buffers produce nothing.
func (c *replayCapture) flushLocked() {
	text := c.pending.String()
	c.pending.Reset()
	role := c.pendingRole
	c.pendingRole = ""
	if strings.TrimSpace(text) == "" {
		return
	}
	c.items = append(c.items, transcript.TextItem{Role: role, Text: text})
}

// finish flushes any trailing buffer and returns the captured history.
func (c *replayCapture) finish() ([]transcript.TextItem, []capturedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	return c.items, c.events
}
