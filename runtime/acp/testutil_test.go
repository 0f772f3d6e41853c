package acp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentpilot/agentpilot"
	"github.com/agentpilot/agentpilot/profile"
)

const testTimeout = 5 * time.Second

// testPeer simulates the agent side of the protocol stream. It reads what
// the session writes and injects raw lines into the session's reader.
type testPeer struct {
	reqCh  chan rpcMessage
	sendFn func([]byte) error
	close  func()
	done   chan struct{}
}

// sendJSON sends one newline-terminated JSON message to the session.
func (p *testPeer) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data = append(data, '\n')
	if err := p.sendFn(data); err != nil {
		t.Fatalf("sendJSON: %v", err)
	}
}

// sendRaw writes raw bytes to the session's reader.
func (p *testPeer) sendRaw(t *testing.T, s string) {
	t.Helper()
	if err := p.sendFn([]byte(s)); err != nil {
		t.Fatalf("sendRaw: %v", err)
	}
}

// readRequest returns the next outbound request or notification.
func (p *testPeer) readRequest(t *testing.T) rpcMessage {
	t.Helper()
	select {
	case msg := <-p.reqCh:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for request from session")
		return rpcMessage{}
	}
}

// expectRequest reads the next request and asserts its method.
func (p *testPeer) expectRequest(t *testing.T, method string) rpcMessage {
	t.Helper()
	msg := p.readRequest(t)
	if msg.Method != method {
		t.Fatalf("expected %s request, got %s", method, msg.Method)
	}
	return msg
}

// respond answers a request by id.
func (p *testPeer) respond(t *testing.T, id int64, result any) {
	t.Helper()
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	p.sendJSON(t, rpcResponse{JSONRPC: "2.0", ID: &id, Result: data})
}

// respondError answers a request with a JSON-RPC error.
func (p *testPeer) respondError(t *testing.T, id int64, code int, message string) {
	t.Helper()
	p.sendJSON(t, rpcResponse{
		JSONRPC: "2.0",
		ID:      &id,
		Error:   &rpcError{Code: code, Message: message},
	})
}

// sendUpdate delivers a session/update notification.
func (p *testPeer) sendUpdate(t *testing.T, sessionID string, update any) {
	t.Helper()
	raw, err := json.Marshal(update)
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	p.sendJSON(t, rpcRequest{
		JSONRPC: "2.0",
		Method:  MethodSessionUpdate,
		Params:  sessionNotification{SessionID: sessionID, Update: raw},
	})
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		Name:    "test",
		Command: profile.Command{Binary: "test-agent"},
		ToolNamePatterns: []profile.ToolNamePattern{
			{Substring: "bash", Name: "bash"},
			{Substring: "grep", Name: "grep"},
		},
		InvestigationTools: []string{"grep"},
		DefaultTool:        "bash",
		StdoutDropPrefixes: []string{"[debug]"},
	}
}

// newTestSession wires a Session to a testPeer over in-memory pipes, no
// subprocess involved.
func newTestSession(t *testing.T, cfg Config) (*Session, *testPeer) {
	t.Helper()

	// Session reads pr1, peer writes pw1. Session writes pw2, peer reads pr2.
	pr1, pw1 := io.Pipe()
	pr2, pw2 := io.Pipe()

	if cfg.Profile == nil {
		cfg.Profile = testProfile()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = RetryPolicy{Attempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Factor: 2}
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = time.Second
	}
	if cfg.IdleWindow == 0 {
		cfg.IdleWindow = 20 * time.Millisecond
	}
	rc := resolveConfig(cfg)

	s := newSession(rc, nil, pr1, pw2, []io.Closer{pw1, pw2})

	peer := &testPeer{
		reqCh:  make(chan rpcMessage, 32),
		sendFn: func(b []byte) error { _, err := pw1.Write(b); return err },
		close:  func() { pw1.Close() },
		done:   make(chan struct{}),
	}
	dec := json.NewDecoder(pr2)
	go func() {
		defer close(peer.done)
		for {
			var msg rpcMessage
			if err := dec.Decode(&msg); err != nil {
				return
			}
			peer.reqCh <- msg
		}
	}()

	t.Cleanup(func() {
		pw1.Close()
		pw2.Close()
		pr1.Close()
		pr2.Close()
	})
	return s, peer
}

// handshake drives a session through initialize and session/new.
func handshake(t *testing.T, s *Session, peer *testPeer, sessionID string) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Initialize(context.Background()) }()
	req := peer.expectRequest(t, MethodInitialize)
	peer.respond(t, *req.ID, initializeResult{
		ProtocolVersion:   protocolVersion,
		AgentCapabilities: &agentCapabilities{LoadSession: true},
	})
	if err := <-errCh; err != nil {
		t.Fatalf("initialize: %v", err)
	}

	idCh := make(chan string, 1)
	go func() {
		id, err := s.NewSession(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		idCh <- id
		errCh <- nil
	}()
	req = peer.expectRequest(t, MethodSessionNew)
	peer.respond(t, *req.ID, newSessionResult{SessionID: sessionID})
	if err := <-errCh; err != nil {
		t.Fatalf("session/new: %v", err)
	}
	if got := <-idCh; got != sessionID {
		t.Fatalf("session id = %q, want %q", got, sessionID)
	}
}

// collectEvents drains the session's event channel into a slice guarded by
// the returned getter.
func collectEvents(s *Session) func() []agentpilot.Event {
	var (
		mu     = make(chan struct{}, 1)
		events []agentpilot.Event
	)
	mu <- struct{}{}
	go func() {
		for ev := range s.Events() {
			<-mu
			events = append(events, ev)
			mu <- struct{}{}
		}
	}()
	return func() []agentpilot.Event {
		<-mu
		out := append([]agentpilot.Event(nil), events...)
		mu <- struct{}{}
		return out
	}
}

// waitFor polls until cond is true or the timeout elapses.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timeout waiting for: " + msg)
}
