package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentpilot/agentpilot"
)

// permCoordinator answers session/request_permission calls. The protocol
// demands an inline response, so every path through here produces one; the
// fail-closed invariant is that no error, panic, or missing configuration
// ever turns into an approval.
type permCoordinator struct {
	cfg      *resolved
	registry *toolRegistry
	emit     func(agentpilot.Event)
	log      *slog.Logger

	mu sync.Mutex
	// decided caches resolutions by correlation id so a re-sent request is
	// answered without consulting the responder again.
	decided map[string]resolvedPermission
	// grants holds approved_for_session decisions by tool name.
	grants map[string]bool
}

type resolvedPermission struct {
	decision agentpilot.Decision
	optionID string
}

func newPermCoordinator(cfg *resolved, registry *toolRegistry, emit func(agentpilot.Event)) *permCoordinator {
	return &permCoordinator{
		cfg:      cfg,
		registry: registry,
		emit:     emit,
		log:      cfg.Logger,
		decided:  make(map[string]resolvedPermission),
		grants:   make(map[string]bool),
	}
}

// handle is the session/request_permission method handler.
func (p *permCoordinator) handle(raw json.RawMessage) (any, error) {
	var params requestPermissionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("acp: permission params: %w", err)
	}

	id := p.correlationID(params)
	name := p.toolName(id, params)
	input := normalizeToolArgs(params.ToolCall.RawInput)

	// Re-sent request for an already-decided call: answer from cache,
	// provided the cached option still exists on this request.
	if prev, ok := p.cachedDecision(id, params.Options); ok {
		p.emitResponse(id, prev.decision)
		return outcomeFor(prev.decision, prev.optionID), nil
	}

	// A session-wide grant for this tool short-circuits the prompt.
	if p.hasGrant(name) {
		decision := agentpilot.DecisionApprovedForSession
		optID := pickOption(decision, params.Options)
		if optID != "" {
			p.remember(id, decision, optID)
			p.emitResponse(id, decision)
			return outcomeFor(decision, optID), nil
		}
	}

	p.emit(agentpilot.Event{
		Kind: agentpilot.EventPermissionRequest,
		Permission: &agentpilot.PermissionEvent{
			ID:      id,
			Reason:  name,
			Payload: input,
		},
	})

	decision := p.askResponder(agentpilot.PermissionPrompt{
		ID:         id,
		SessionID:  params.SessionID,
		ToolName:   name,
		ToolCallID: params.ToolCall.ToolCallID,
		Input:      input,
		Reason:     params.ToolCall.Title,
		Options:    publicOptions(params.Options),
	})

	optID := pickOption(decision, params.Options)
	if decision.Approves() && optID == "" {
		// Approval with no selectable allow option cannot be honored.
		p.log.Warn("no allow option on permission request, denying", "id", id, "tool", name)
		decision = agentpilot.DecisionDenied
		optID = pickOption(decision, params.Options)
	}

	if decision == agentpilot.DecisionApprovedForSession {
		p.grant(name)
	}
	p.remember(id, decision, optID)
	p.emitResponse(id, decision)
	return outcomeFor(decision, optID), nil
}

// askResponder invokes the configured responder, converting every failure
// mode into a denial.
func (p *permCoordinator) askResponder(prompt agentpilot.PermissionPrompt) (decision agentpilot.Decision) {
	decision = agentpilot.DecisionDenied
	responder := p.cfg.Responder
	if responder == nil {
		p.log.Warn("permission requested with no responder configured, denying", "id", prompt.ID)
		return decision
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("permission responder panicked, denying", "id", prompt.ID, "panic", r)
			decision = agentpilot.DecisionDenied
		}
	}()
	d, err := responder(context.Background(), prompt)
	if err != nil {
		p.log.Warn("permission responder failed, denying", "id", prompt.ID, "err", err)
		return agentpilot.DecisionDenied
	}
	return d
}

func (p *permCoordinator) correlationID(params requestPermissionParams) string {
	if id := params.ToolCall.ToolCallID; id != "" {
		return id
	}
	if params.LegacyToolCallID != "" {
		return params.LegacyToolCallID
	}
	return "perm-" + uuid.NewString()
}

func (p *permCoordinator) toolName(callID string, params requestPermissionParams) string {
	if name := p.registry.lookupName(callID); name != "" {
		return name
	}
	return resolveToolName(p.cfg.Profile, callID, params.ToolCall.Title,
		normalizeToolArgs(params.ToolCall.RawInput))
}

func (p *permCoordinator) cachedDecision(id string, opts []permissionOpt) (resolvedPermission, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.decided[id]
	if !ok {
		return resolvedPermission{}, false
	}
	if prev.optionID != "" && !hasOption(opts, prev.optionID) {
		// The option set changed since the cached decision; re-prompt.
		delete(p.decided, id)
		return resolvedPermission{}, false
	}
	return prev, true
}

// remember caches the resolution for duplicate suppression. A decision
// that selected no option is not worth replaying; clear instead.
func (p *permCoordinator) remember(id string, d agentpilot.Decision, optionID string) {
	p.mu.Lock()
	if optionID == "" {
		delete(p.decided, id)
	} else {
		p.decided[id] = resolvedPermission{decision: d, optionID: optionID}
	}
	p.mu.Unlock()
}

func (p *permCoordinator) grant(name string) {
	p.mu.Lock()
	p.grants[name] = true
	p.mu.Unlock()
}

func (p *permCoordinator) hasGrant(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grants[name]
}

// clear drops cached decisions and grants. Used on dispose.
func (p *permCoordinator) clear() {
	p.mu.Lock()
	p.decided = make(map[string]resolvedPermission)
	p.grants = make(map[string]bool)
	p.mu.Unlock()
}

func (p *permCoordinator) emitResponse(id string, d agentpilot.Decision) {
	p.emit(agentpilot.Event{
		Kind: agentpilot.EventPermissionResponse,
		Permission: &agentpilot.PermissionEvent{
			ID:       id,
			Approved: d.Approves(),
		},
	})
}

// --- Decision to wire mapping ---

// kindPreference orders option kinds per decision. The responder may also
// return an option id verbatim; that always wins.
var kindPreference = map[agentpilot.Decision][]string{
	agentpilot.DecisionApproved:                    {"allow_once", "allow_always"},
	agentpilot.DecisionApprovedForSession:          {"allow_always", "allow_once"},
	agentpilot.DecisionApprovedExecPolicyAmendment: {"allow_always", "allow_once"},
	agentpilot.DecisionDenied:                      {"reject_once", "reject_always"},
}

// pickOption selects the wire option matching a decision. Returns "" when
// the vendor offered nothing compatible.
func pickOption(d agentpilot.Decision, opts []permissionOpt) string {
	if d == agentpilot.DecisionAbort {
		return ""
	}
	// Exact option id from the responder.
	for _, o := range opts {
		if o.OptionID == string(d) {
			return o.OptionID
		}
	}
	if d == agentpilot.DecisionApprovedExecPolicyAmendment {
		for _, o := range opts {
			if strings.Contains(strings.ToLower(o.OptionID), "execpolicy") {
				return o.OptionID
			}
		}
	}
	for _, kind := range kindPreference[d] {
		for _, o := range opts {
			if o.Kind == kind {
				return o.OptionID
			}
		}
	}
	return ""
}

// outcomeFor renders the final wire response. A decision that resolved to
// no option (abort, or a vendor with no reject options) becomes the
// cancelled outcome, which agents treat as a refusal.
func outcomeFor(d agentpilot.Decision, optionID string) requestPermissionResult {
	if d == agentpilot.DecisionAbort || optionID == "" {
		return requestPermissionResult{
			Outcome: requestPermissionOutcome{Outcome: "cancelled"},
		}
	}
	return requestPermissionResult{
		Outcome: requestPermissionOutcome{Outcome: "selected", OptionID: optionID},
	}
}

func hasOption(opts []permissionOpt, id string) bool {
	for _, o := range opts {
		if o.OptionID == id {
			return true
		}
	}
	return false
}

func publicOptions(opts []permissionOpt) []agentpilot.PermissionOption {
	out := make([]agentpilot.PermissionOption, len(opts))
	for i, o := range opts {
		out[i] = agentpilot.PermissionOption{ID: o.OptionID, Name: o.Name, Kind: o.Kind}
	}
	return out
}
