package acp

import (
	"encoding/json"

	"github.com/agentpilot/agentpilot"
)

// messageChunk is the payload of the *_chunk update kinds.
type messageChunk struct {
	Content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// updateHandlers is the session/update parser table, keyed by the
// sessionUpdate discriminator. Kinds absent from the table surface as
// generic events named by their discriminator, so new protocol revisions
// degrade gracefully instead of being dropped.
var updateHandlers = map[string]func(*Session, json.RawMessage){
	"agent_message_chunk":       (*Session).onAgentMessageChunk,
	"agent_thought_chunk":       (*Session).onAgentThoughtChunk,
	"user_message_chunk":        (*Session).onUserMessageChunk,
	"tool_call":                 (*Session).onToolCall,
	"tool_call_update":          (*Session).onToolCallUpdate,
	"plan":                      genericNamed("plan"),
	"available_commands_update": genericNamed("available_commands_update"),
	"current_mode_update":       genericNamed("current_mode_update"),
}

// handleSessionUpdate is the session/update notification handler. Updates
// are dispatched in arrival order on the read loop goroutine.
func (s *Session) handleSessionUpdate(raw json.RawMessage) {
	var note sessionNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		s.cfg.Logger.Warn("malformed session/update", "err", err)
		return
	}
	var hdr sessionUpdateHeader
	if err := json.Unmarshal(note.Update, &hdr); err != nil || hdr.SessionUpdate == "" {
		s.cfg.Logger.Warn("session/update without discriminator", "err", err)
		return
	}

	if h, ok := updateHandlers[hdr.SessionUpdate]; ok {
		h(s, note.Update)
		return
	}
	s.emitGeneric(hdr.SessionUpdate, note.Update)
}

func (s *Session) onAgentMessageChunk(update json.RawMessage) {
	var chunk messageChunk
	if err := json.Unmarshal(update, &chunk); err != nil {
		return
	}
	if rc := s.loadCapture(); rc != nil {
		rc.addChunk("assistant", chunk.Content.Text)
		return
	}
	s.noteActivity()
	s.emit(agentpilot.Event{
		Kind:      agentpilot.EventModelOutput,
		TextDelta: chunk.Content.Text,
	})
}

func (s *Session) onAgentThoughtChunk(update json.RawMessage) {
	if s.loadCapture() != nil {
		// Replayed reasoning is not conversation history.
		return
	}
	s.noteActivity()
	s.emitGeneric("thinking", update)
}

func (s *Session) onUserMessageChunk(update json.RawMessage) {
	var chunk messageChunk
	if err := json.Unmarshal(update, &chunk); err != nil {
		return
	}
	if rc := s.loadCapture(); rc != nil {
		rc.addChunk("user", chunk.Content.Text)
		return
	}
	s.emitGeneric("user_message_chunk", update)
}

func (s *Session) onToolCall(update json.RawMessage) {
	var u toolCallUpdate
	if err := json.Unmarshal(update, &u); err != nil {
		return
	}
	if rc := s.loadCapture(); rc != nil {
		rc.addToolCall(update)
		return
	}
	s.noteActivity()
	s.registry.handleToolCall(u)
}

func (s *Session) onToolCallUpdate(update json.RawMessage) {
	var u toolCallUpdate
	if err := json.Unmarshal(update, &u); err != nil {
		return
	}
	if rc := s.loadCapture(); rc != nil {
		rc.addToolResult(u, update)
		return
	}
	s.noteActivity()
	s.registry.handleToolCallUpdate(u)
}

// genericNamed builds a handler that forwards an update kind verbatim,
// skipping replayed history.
func genericNamed(name string) func(*Session, json.RawMessage) {
	return func(s *Session, update json.RawMessage) {
		if s.loadCapture() != nil {
			return
		}
		s.emitGeneric(name, update)
	}
}

func (s *Session) emitGeneric(name string, payload json.RawMessage) {
	s.emit(agentpilot.Event{
		Kind:    agentpilot.EventGeneric,
		Name:    name,
		Payload: append(json.RawMessage(nil), payload...),
	})
}
