package acp

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/agentpilot/agentpilot"
)

var standardOptions = []permissionOpt{
	{OptionID: "opt-allow", Name: "Allow", Kind: "allow_once"},
	{OptionID: "opt-allow-always", Name: "Always allow", Kind: "allow_always"},
	{OptionID: "opt-reject", Name: "Reject", Kind: "reject_once"},
}

func newTestPerms(t *testing.T, responder agentpilot.PermissionResponder) (*permCoordinator, *eventSink) {
	t.Helper()
	rc := resolveConfig(Config{Profile: testProfile(), Responder: responder})
	sink := &eventSink{}
	reg := newToolRegistry(&rc, sink.emit, nil)
	return newPermCoordinator(&rc, reg, sink.emit), sink
}

func permRequest(t *testing.T, callID string, opts []permissionOpt) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(requestPermissionParams{
		SessionID: "sess-1",
		ToolCall: toolCallUpdate{
			ToolCallID: callID,
			Title:      "bash",
			RawInput:   json.RawMessage(`{"command":"rm -rf build"}`),
		},
		Options: opts,
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func outcome(t *testing.T, res any) requestPermissionOutcome {
	t.Helper()
	r, ok := res.(requestPermissionResult)
	if !ok {
		t.Fatalf("result type %T", res)
	}
	return r.Outcome
}

func TestPermissionApproveSelectsAllowOnce(t *testing.T) {
	perms, sink := newTestPerms(t, func(ctx context.Context, p agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
		if p.ToolName != "bash" {
			t.Errorf("tool name = %q", p.ToolName)
		}
		return agentpilot.DecisionApproved, nil
	})

	res, err := perms.handle(permRequest(t, "call-1", standardOptions))
	if err != nil {
		t.Fatal(err)
	}
	out := outcome(t, res)
	if out.Outcome != "selected" || out.OptionID != "opt-allow" {
		t.Fatalf("outcome = %+v", out)
	}

	var sawReq, sawResp bool
	for _, ev := range sink.all() {
		switch ev.Kind {
		case agentpilot.EventPermissionRequest:
			sawReq = true
		case agentpilot.EventPermissionResponse:
			sawResp = true
			if !ev.Permission.Approved {
				t.Fatal("response event not approved")
			}
		}
	}
	if !sawReq || !sawResp {
		t.Fatalf("missing permission events: req=%v resp=%v", sawReq, sawResp)
	}
}

func TestPermissionSessionApprovalPrefersAlways(t *testing.T) {
	perms, _ := newTestPerms(t, func(ctx context.Context, p agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
		return agentpilot.DecisionApprovedForSession, nil
	})

	res, err := perms.handle(permRequest(t, "call-1", standardOptions))
	if err != nil {
		t.Fatal(err)
	}
	if out := outcome(t, res); out.OptionID != "opt-allow-always" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestPermissionSessionGrantSkipsResponder(t *testing.T) {
	var calls atomic.Int32
	perms, _ := newTestPerms(t, func(ctx context.Context, p agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
		calls.Add(1)
		return agentpilot.DecisionApprovedForSession, nil
	})

	if _, err := perms.handle(permRequest(t, "call-1", standardOptions)); err != nil {
		t.Fatal(err)
	}
	// A later call for the same tool must be auto-approved from the grant.
	res, err := perms.handle(permRequest(t, "call-2", standardOptions))
	if err != nil {
		t.Fatal(err)
	}
	if out := outcome(t, res); out.Outcome != "selected" {
		t.Fatalf("outcome = %+v", out)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("responder called %d times, want 1", n)
	}
}

func TestPermissionDuplicateRequestAnsweredFromCache(t *testing.T) {
	var calls atomic.Int32
	perms, _ := newTestPerms(t, func(ctx context.Context, p agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
		calls.Add(1)
		return agentpilot.DecisionDenied, nil
	})

	first, err := perms.handle(permRequest(t, "call-1", standardOptions))
	if err != nil {
		t.Fatal(err)
	}
	second, err := perms.handle(permRequest(t, "call-1", standardOptions))
	if err != nil {
		t.Fatal(err)
	}
	if outcome(t, first) != outcome(t, second) {
		t.Fatalf("cached answer differs: %+v vs %+v", first, second)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("responder called %d times, want 1", n)
	}
}

func TestPermissionResponderErrorDenies(t *testing.T) {
	perms, _ := newTestPerms(t, func(ctx context.Context, p agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
		return agentpilot.DecisionApproved, errors.New("ui went away")
	})

	res, err := perms.handle(permRequest(t, "call-1", standardOptions))
	if err != nil {
		t.Fatal(err)
	}
	if out := outcome(t, res); out.OptionID != "opt-reject" {
		t.Fatalf("responder error must deny, got %+v", out)
	}
}

func TestPermissionResponderPanicDenies(t *testing.T) {
	perms, _ := newTestPerms(t, func(ctx context.Context, p agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
		panic("responder bug")
	})

	res, err := perms.handle(permRequest(t, "call-1", standardOptions))
	if err != nil {
		t.Fatal(err)
	}
	if out := outcome(t, res); out.OptionID != "opt-reject" {
		t.Fatalf("responder panic must deny, got %+v", out)
	}
}

func TestPermissionNoResponderDenies(t *testing.T) {
	perms, _ := newTestPerms(t, nil)

	res, err := perms.handle(permRequest(t, "call-1", standardOptions))
	if err != nil {
		t.Fatal(err)
	}
	if out := outcome(t, res); out.OptionID != "opt-reject" {
		t.Fatalf("missing responder must deny, got %+v", out)
	}
}

func TestPermissionAbortCancels(t *testing.T) {
	perms, _ := newTestPerms(t, func(ctx context.Context, p agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
		return agentpilot.DecisionAbort, nil
	})

	res, err := perms.handle(permRequest(t, "call-1", standardOptions))
	if err != nil {
		t.Fatal(err)
	}
	if out := outcome(t, res); out.Outcome != "cancelled" || out.OptionID != "" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestPermissionApprovalWithoutAllowOptionDenies(t *testing.T) {
	perms, _ := newTestPerms(t, func(ctx context.Context, p agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
		return agentpilot.DecisionApproved, nil
	})

	rejectOnly := []permissionOpt{{OptionID: "opt-reject", Name: "Reject", Kind: "reject_once"}}
	res, err := perms.handle(permRequest(t, "call-1", rejectOnly))
	if err != nil {
		t.Fatal(err)
	}
	if out := outcome(t, res); out.OptionID != "opt-reject" {
		t.Fatalf("fail-closed violation: %+v", out)
	}
}

func TestPermissionLegacyToolCallID(t *testing.T) {
	perms, _ := newTestPerms(t, func(ctx context.Context, p agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
		if p.ID != "legacy-7" {
			t.Errorf("correlation id = %q", p.ID)
		}
		return agentpilot.DecisionApproved, nil
	})

	raw, _ := json.Marshal(requestPermissionParams{
		SessionID:        "sess-1",
		LegacyToolCallID: "legacy-7",
		Options:          standardOptions,
	})
	if _, err := perms.handle(raw); err != nil {
		t.Fatal(err)
	}
}
