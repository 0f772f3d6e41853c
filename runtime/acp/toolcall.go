package acp

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentpilot/agentpilot"
	"github.com/agentpilot/agentpilot/profile"
)

// toolRecord tracks one in-flight tool call between its announcement and
// its terminal update.
type toolRecord struct {
	callID    string
	name      string
	args      json.RawMessage
	status    string
	started   time.Time
	timer     *time.Timer
	announced bool
}

// toolRegistry is the per-session tool call state machine. Each call moves
// absent -> pending -> active -> terminal; the execution timer is armed only
// once the agent reports in_progress, so a call waiting on permission never
// times out.
type toolRegistry struct {
	mu      sync.Mutex
	records map[string]*toolRecord

	cfg  *resolved
	emit func(agentpilot.Event)

	// onDrained fires when the last active call clears, so the session can
	// re-evaluate idleness.
	onDrained func()
}

func newToolRegistry(cfg *resolved, emit func(agentpilot.Event), onDrained func()) *toolRegistry {
	return &toolRegistry{
		records:   make(map[string]*toolRecord),
		cfg:       cfg,
		emit:      emit,
		onDrained: onDrained,
	}
}

var terminalToolStatus = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
	"canceled":  true,
}

// handleToolCall processes a tool_call announcement. A repeated
// announcement for a known call refreshes the snapshot without resetting
// the execution timer.
func (r *toolRegistry) handleToolCall(u toolCallUpdate) {
	args := normalizeToolArgs(u.RawInput)
	name := resolveToolName(r.cfg.Profile, u.ToolCallID, u.Title, args)

	r.mu.Lock()
	rec, known := r.records[u.ToolCallID]
	if !known {
		rec = &toolRecord{
			callID:  u.ToolCallID,
			started: time.Now(),
			status:  "in_progress", // absent status means the call is running
		}
		r.records[u.ToolCallID] = rec
	}
	rec.name = name
	if len(args) > 0 {
		rec.args = args
	}
	if u.Status != "" {
		rec.status = u.Status
	}
	rec.announced = true
	if rec.status == "in_progress" && rec.timer == nil {
		r.armTimerLocked(rec)
	}
	r.mu.Unlock()

	r.emit(agentpilot.Event{
		Kind: agentpilot.EventToolCall,
		Tool: &agentpilot.ToolEvent{
			CallID: u.ToolCallID,
			Name:   name,
			Args:   args,
		},
	})

	if terminalToolStatus[u.Status] {
		r.finish(u)
	}
}

// handleToolCallUpdate processes a tool_call_update transition.
func (r *toolRegistry) handleToolCallUpdate(u toolCallUpdate) {
	if terminalToolStatus[u.Status] {
		r.finish(u)
		return
	}

	r.mu.Lock()
	rec, known := r.records[u.ToolCallID]
	if !known {
		rec = &toolRecord{
			callID:  u.ToolCallID,
			started: time.Now(),
			status:  "in_progress",
		}
		r.records[u.ToolCallID] = rec
	}
	refreshed := false
	if u.Title != "" || len(u.RawInput) > 0 || len(u.Locations) > 0 {
		args := normalizeToolArgs(u.RawInput)
		if len(args) > 0 {
			rec.args = args
		}
		rec.name = resolveToolName(r.cfg.Profile, u.ToolCallID, u.Title, rec.args)
		refreshed = true
	}
	if u.Status != "" {
		rec.status = u.Status
	}
	if rec.status == "in_progress" && rec.timer == nil {
		r.armTimerLocked(rec)
	}
	announced := rec.announced
	rec.announced = true
	name, args := rec.name, rec.args
	r.mu.Unlock()

	if !announced || refreshed {
		// A never-announced call gets its start synthesized; a known call
		// that gained a title, input, or locations is re-announced with the
		// refreshed snapshot. Neither touches the start time or the timer.
		r.emit(agentpilot.Event{
			Kind: agentpilot.EventToolCall,
			Tool: &agentpilot.ToolEvent{CallID: u.ToolCallID, Name: name, Args: args},
		})
	}
}

// finish clears a record on a terminal status and emits the result event.
// An unknown call gets a synthesized start event first.
func (r *toolRegistry) finish(u toolCallUpdate) {
	r.mu.Lock()
	rec, known := r.records[u.ToolCallID]
	if known {
		delete(r.records, u.ToolCallID)
		if rec.timer != nil {
			rec.timer.Stop()
		}
	} else {
		rec = &toolRecord{callID: u.ToolCallID}
		rec.args = normalizeToolArgs(u.RawInput)
		rec.name = resolveToolName(r.cfg.Profile, u.ToolCallID, u.Title, rec.args)
	}
	drained := len(r.records) == 0
	announced := rec.announced
	r.mu.Unlock()

	if !announced {
		r.emit(agentpilot.Event{
			Kind: agentpilot.EventToolCall,
			Tool: &agentpilot.ToolEvent{CallID: u.ToolCallID, Name: rec.name, Args: rec.args},
		})
	}

	status := u.Status
	if status == "canceled" {
		status = "cancelled"
	}
	result := u.RawOutput
	if status != "completed" {
		if msg := extractToolError(u); msg != "" {
			result, _ = json.Marshal(map[string]string{"error": msg})
		}
	}
	if len(result) == 0 && len(u.Content) > 0 {
		result = u.Content
	}

	r.emit(agentpilot.Event{
		Kind: agentpilot.EventToolResult,
		Tool: &agentpilot.ToolEvent{
			CallID: u.ToolCallID,
			Name:   rec.name,
			Result: result,
			Status: status,
		},
	})

	if drained && r.onDrained != nil {
		r.onDrained()
	}
}

// armTimerLocked starts the execution deadline for an in-progress call.
// Caller holds r.mu.
func (r *toolRegistry) armTimerLocked(rec *toolRecord) {
	d := r.cfg.toolTimeoutFor(rec.name)
	id := rec.callID
	rec.timer = time.AfterFunc(d, func() { r.timeout(id, d) })
}

// timeout force-clears a call that exceeded its execution deadline.
func (r *toolRegistry) timeout(callID string, d time.Duration) {
	r.mu.Lock()
	rec, known := r.records[callID]
	if known {
		delete(r.records, callID)
	}
	drained := len(r.records) == 0
	r.mu.Unlock()
	if !known {
		return
	}

	result, _ := json.Marshal(map[string]string{
		"error": fmt.Sprintf("tool call exceeded %s execution deadline", d),
	})
	r.emit(agentpilot.Event{
		Kind: agentpilot.EventToolResult,
		Tool: &agentpilot.ToolEvent{
			CallID: callID,
			Name:   rec.name,
			Result: result,
			Status: "timeout",
		},
	})

	if drained && r.onDrained != nil {
		r.onDrained()
	}
}

// activeCount reports the number of non-terminal tool calls.
func (r *toolRegistry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// lookupName returns the resolved name for a known call id, or "".
func (r *toolRegistry) lookupName(callID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[callID]; ok {
		return rec.name
	}
	return ""
}

// clear drops all records and stops their timers. Used on dispose and on
// process exit.
func (r *toolRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		delete(r.records, id)
	}
}

// --- Name resolution ---

var placeholderNames = map[string]bool{"": true, "tool": true, "unknown": true}

// resolveToolName picks the best available tool name, in order: a
// non-placeholder vendor name, the profile's call-id pattern table, the
// shape of the input, and finally the profile default.
func resolveToolName(prof *profile.Profile, callID, vendorName string, args json.RawMessage) string {
	if !placeholderNames[strings.ToLower(strings.TrimSpace(vendorName))] {
		return vendorName
	}
	if prof != nil {
		if name := prof.ResolveNameFromID(callID); name != "" {
			return name
		}
	}
	if name := inferNameFromArgs(args); name != "" {
		return name
	}
	if emptyArgs(args) && prof != nil && prof.DefaultTool != "" {
		return prof.DefaultTool
	}
	return "tool"
}

// inferNameFromArgs guesses a generic tool name from characteristic input
// fields.
func inferNameFromArgs(args json.RawMessage) string {
	var m map[string]json.RawMessage
	if len(args) == 0 || json.Unmarshal(args, &m) != nil {
		return ""
	}
	switch {
	case m["command"] != nil:
		return "bash"
	case m["filePath"] != nil && (m["oldString"] != nil || m["newString"] != nil):
		return "edit"
	case m["filePath"] != nil && m["content"] != nil:
		return "write"
	case m["filePath"] != nil:
		return "read"
	case m["url"] != nil:
		return "webfetch"
	case m["query"] != nil:
		return "search"
	}
	return ""
}

func emptyArgs(args json.RawMessage) bool {
	s := strings.TrimSpace(string(args))
	return s == "" || s == "{}" || s == "null"
}

// --- Argument normalization ---

// argAliases maps vendor field names onto canonical ones. Normalization is
// additive: the alias stays, the canonical key is added alongside it, and
// re-running the pass is a no-op.
var argAliases = map[string]string{
	"cmd":        "command",
	"path":       "filePath",
	"file_path":  "filePath",
	"uri":        "url",
	"link":       "url",
	"href":       "url",
	"q":          "query",
	"pattern":    "query",
	"old_string": "oldString",
	"new_string": "newString",
}

// normalizeToolArgs canonicalizes a tool call's input object. Non-object
// input passes through untouched.
func normalizeToolArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}

	changed := false
	for alias, canon := range argAliases {
		v, ok := m[alias]
		if !ok {
			continue
		}
		if _, exists := m[canon]; exists {
			continue
		}
		m[canon] = v
		changed = true
	}

	// Diff-style payloads nest the edit under items[0].
	if items, ok := m["items"].([]any); ok && len(items) > 0 {
		if first, ok := items[0].(map[string]any); ok {
			for alias, canon := range map[string]string{"oldText": "oldString", "newText": "newString", "path": "filePath"} {
				if v, ok := first[alias]; ok {
					if _, exists := m[canon]; !exists {
						m[canon] = v
						changed = true
					}
				}
			}
		}
	}

	// argv-style command arrays become a single command string.
	if _, exists := m["command"]; !exists {
		if argv, ok := m["argv"].([]any); ok && len(argv) > 0 {
			parts := make([]string, 0, len(argv))
			for _, a := range argv {
				if s, ok := a.(string); ok {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				m["command"] = strings.Join(parts, " ")
				changed = true
			}
		}
	}

	if !changed {
		return raw
	}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

// extractToolError pulls a human-readable error string out of a terminal
// update, checking the conventional spots vendors use.
func extractToolError(u toolCallUpdate) string {
	for _, raw := range []json.RawMessage{u.RawOutput, u.Content} {
		if len(raw) == 0 {
			continue
		}
		if msg := errorStringFromJSON(raw); msg != "" {
			return msg
		}
	}
	if u.Status == "cancelled" || u.Status == "canceled" {
		return "tool call cancelled"
	}
	return "tool call " + u.Status
}

func errorStringFromJSON(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		// Content may be an array of content blocks; probe the first.
		var arr []map[string]any
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
			return ""
		}
		m = arr[0]
	}
	for _, key := range []string{"error", "message", "status", "reason", "text"} {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if s, ok := v["message"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
