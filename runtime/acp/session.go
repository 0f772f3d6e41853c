// Package acp drives an external coding agent over the Agent Client
// Protocol: JSON-RPC 2.0 as newline-delimited JSON on the agent's
// stdin/stdout. A Session owns the subprocess, the protocol handshake,
// prompting, tool call tracking, permission brokering, and replay
// reconciliation when resuming a prior session.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentpilot/agentpilot"
)

type sessionState int32

const (
	stateNew sessionState = iota
	stateInitializing
	stateReady
	stateActive
	stateFailed
	stateDisposed
)

// Session is one connection to one agent process. Construct with Start,
// then Initialize, then NewSession or LoadSession, then Prompt. Methods
// are safe for concurrent use; prompts are serialized.
type Session struct {
	cfg  resolved
	sup  *supervisor
	conn *Conn

	// closers are shut on dispose when there is no supervisor (test
	// sessions speak over plain pipes).
	closers []io.Closer

	events chan agentpilot.Event
	closed chan struct{}

	// sendMu orders emit against the channel close in Dispose. Handler
	// goroutines may outlive the session (a responder can still be blocked
	// when Dispose finishes); their late emits must drop, not panic.
	sendMu       sync.Mutex
	eventsClosed bool

	registry *toolRegistry
	perms    *permCoordinator
	capture  atomic.Pointer[replayCapture]

	mu        sync.Mutex
	state     sessionState
	sessionID string
	status    agentpilot.Status
	prompting bool
	turnDone  chan struct{}
	idleTimer *time.Timer
	agentCaps agentCapabilities

	promptMu    sync.Mutex
	watcherDone chan struct{}
	disposeOnce sync.Once
}

// Start spawns the agent described by cfg.Profile and connects the
// protocol stream. The process is torn down before the error returns on
// any failure path.
func Start(cfg Config) (*Session, error) {
	rc := resolveConfig(cfg)
	if rc.Profile == nil {
		return nil, fmt.Errorf("%w: no profile configured", agentpilot.ErrUnavailable)
	}

	sup, err := spawn(&rc)
	if err != nil {
		return nil, err
	}

	s := newSession(rc, sup, sup.stdout, sup.stdin, nil)
	sup.setStderrStatus(func(line string) {
		s.emit(agentpilot.Event{
			Kind:   agentpilot.EventStatus,
			Status: agentpilot.StatusStarting,
			Detail: line,
		})
	})
	s.emit(agentpilot.Event{Kind: agentpilot.EventStatus, Status: agentpilot.StatusStarting})
	return s, nil
}

// newSession wires a session over an arbitrary read/write pair. The
// supervisor is optional; without one, closers are closed on dispose.
func newSession(rc resolved, sup *supervisor, r io.Reader, w io.Writer, closers []io.Closer) *Session {
	s := &Session{
		cfg:         rc,
		sup:         sup,
		closers:     closers,
		events:      make(chan agentpilot.Event, rc.EventBuffer),
		closed:      make(chan struct{}),
		status:      agentpilot.StatusStarting,
		watcherDone: make(chan struct{}),
	}
	s.registry = newToolRegistry(&s.cfg, s.emit, s.maybeIdle)
	s.perms = newPermCoordinator(&s.cfg, s.registry, s.emit)

	var filter func([]byte) ([]byte, bool)
	if rc.Profile != nil {
		filter = rc.Profile.LineFilter()
	}
	s.conn = newConn(r, w, connConfig{
		maxMessageSize: rc.MaxMessageSize,
		lineFilter:     filter,
		onParseError: func(line []byte, err error) {
			rc.Logger.Debug("dropping unparseable line", "err", err, "line", string(line))
		},
	})
	s.conn.OnNotification(MethodSessionUpdate, s.handleSessionUpdate)
	s.conn.OnMethod(MethodRequestPerm, s.perms.handle)

	go s.conn.ReadLoop()
	go s.watch()
	return s
}

// Events returns the session's event stream. The channel closes after
// Dispose completes.
func (s *Session) Events() <-chan agentpilot.Event {
	return s.events
}

// SessionID returns the negotiated session id, or "".
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Initialize performs the protocol handshake, retrying transient failures
// per the retry policy. Calling it twice is an error.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateDisposed:
		s.mu.Unlock()
		return agentpilot.ErrDisposed
	case stateNew:
	default:
		s.mu.Unlock()
		return agentpilot.ErrAlreadyInitialized
	}
	s.state = stateInitializing
	s.mu.Unlock()

	var res initializeResult
	err := s.withRetry(ctx, MethodInitialize, func(ctx context.Context) error {
		res = initializeResult{}
		return s.conn.Call(ctx, MethodInitialize, initializeParams{
			ProtocolVersion: protocolVersion,
			ClientInfo: &implementation{
				Name:    clientName,
				Version: clientVersion,
			},
			ClientCapabilities: &clientCapabilities{},
		}, &res)
	})

	s.mu.Lock()
	if err != nil {
		s.state = stateFailed
		s.mu.Unlock()
		s.emit(agentpilot.Event{
			Kind:   agentpilot.EventStatus,
			Status: agentpilot.StatusError,
			Detail: "initialize failed: " + err.Error(),
		})
		// A half-initialized agent process must not outlive the failed
		// handshake.
		if s.sup != nil {
			s.sup.kill()
		}
		return fmt.Errorf("acp: initialize: %w", err)
	}
	if res.AgentCapabilities != nil {
		s.agentCaps = *res.AgentCapabilities
	}
	s.state = stateReady
	s.mu.Unlock()
	return nil
}

// NewSession negotiates a fresh session and returns its id.
func (s *Session) NewSession(ctx context.Context) (string, error) {
	if err := s.requireReady(); err != nil {
		return "", err
	}

	var res newSessionResult
	err := s.withRetry(ctx, MethodSessionNew, func(ctx context.Context) error {
		res = newSessionResult{}
		return s.conn.Call(ctx, MethodSessionNew, newSessionParams{
			CWD:        s.cfg.CWD,
			MCPServers: mcpOrEmpty(s.cfg.MCPServers),
		}, &res)
	})
	if err != nil {
		return "", fmt.Errorf("acp: session/new: %w", err)
	}
	if err := validateSessionID(res.SessionID); err != nil {
		return "", fmt.Errorf("acp: session/new: %w", err)
	}

	s.activate(res.SessionID)
	return res.SessionID, nil
}

// LoadSession resumes a previous session by id. The history the agent
// replays during the call is captured, reconciled against the local
// transcript, and imported; it never reaches the live event channel.
func (s *Session) LoadSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if err := validateSessionID(sessionID); err != nil {
		return fmt.Errorf("acp: session/load: %w", err)
	}
	if err := s.requireReady(); err != nil {
		return err
	}
	s.mu.Lock()
	canLoad := s.agentCaps.LoadSession
	s.mu.Unlock()
	if !canLoad {
		return fmt.Errorf("acp: agent does not support session/load: %w", agentpilot.ErrSessionNotFound)
	}

	s.capture.Store(newReplayCapture())
	err := s.withRetry(ctx, MethodSessionLoad, func(ctx context.Context) error {
		return s.conn.Call(ctx, MethodSessionLoad, loadSessionParams{
			SessionID:  sessionID,
			CWD:        s.cfg.CWD,
			MCPServers: mcpOrEmpty(s.cfg.MCPServers),
		}, new(loadSessionResult))
	})

	rc := s.capture.Swap(nil)
	if err != nil {
		if isSessionNotFound(err) {
			return fmt.Errorf("acp: session/load %s: %w", sessionID, agentpilot.ErrSessionNotFound)
		}
		return fmt.Errorf("acp: session/load: %w", err)
	}

	items, events := rc.finish()
	outcome, rerr := reconcileTranscript(ctx, s.cfg.Store, sessionID, items, events, s.cfg.Responder, s.cfg.Logger)
	if rerr != nil {
		s.cfg.Logger.Warn("replay reconciliation failed", "session", sessionID, "err", rerr)
	} else if len(items) > 0 {
		s.cfg.Logger.Info("replay reconciled",
			"session", sessionID,
			"replayed", len(items),
			"matched", outcome.matched,
			"imported", outcome.imported,
			"diverged", outcome.diverged)
	}

	s.activate(sessionID)
	return nil
}

// Prompt sends one user turn and blocks until the agent finishes it.
// Streaming output arrives on Events while the call is in flight.
func (s *Session) Prompt(ctx context.Context, text string) (*PromptResult, error) {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return nil, agentpilot.ErrDisposed
	}
	if s.state != stateActive || s.sessionID == "" {
		s.mu.Unlock()
		return nil, agentpilot.ErrNoSession
	}
	id := s.sessionID
	s.prompting = true
	if s.turnDone == nil {
		s.turnDone = make(chan struct{})
	}
	emitRunning := s.status != agentpilot.StatusRunning
	s.status = agentpilot.StatusRunning
	s.mu.Unlock()

	if emitRunning {
		s.emit(agentpilot.Event{Kind: agentpilot.EventStatus, Status: agentpilot.StatusRunning})
	}

	var res PromptResult
	err := s.conn.Call(ctx, MethodSessionPrompt, promptParams{
		SessionID: id,
		Prompt:    []contentBlock{{Type: "text", Text: text}},
	}, &res)

	s.mu.Lock()
	s.prompting = false
	s.mu.Unlock()
	s.maybeIdle()

	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			detail := rpcDetail(rpcErr)
			s.emit(agentpilot.Event{
				Kind:   agentpilot.EventStatus,
				Status: agentpilot.StatusError,
				Detail: detail,
			})
			return nil, fmt.Errorf("acp: prompt: %s: %w", detail, rpcErr)
		}
		return nil, fmt.Errorf("acp: prompt: %w", err)
	}
	return &res, nil
}

// Cancel asks the agent to stop the current turn. Best effort: delivery
// failures are logged, never returned, because the agent may already be
// gone.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	id := s.sessionID
	disposed := s.state == stateDisposed
	s.mu.Unlock()
	if disposed {
		return agentpilot.ErrDisposed
	}
	if id == "" {
		return agentpilot.ErrNoSession
	}
	if err := s.conn.Notify(MethodSessionCancel, cancelParams{SessionID: id}); err != nil {
		s.cfg.Logger.Warn("session/cancel delivery failed", "session", id, "err", err)
	}
	return nil
}

// WaitForResponseComplete blocks until the current turn finishes (prompt
// returned, tool calls drained, output quiet) or the timeout elapses.
func (s *Session) WaitForResponseComplete(timeout time.Duration) error {
	s.mu.Lock()
	ch := s.turnDone
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-s.closed:
		return agentpilot.ErrDisposed
	case <-time.After(timeout):
		return fmt.Errorf("acp: response not complete after %s", timeout)
	}
}

// Dispose tears the session down: a best-effort graceful cancel bounded
// by CancelGrace, then process termination with kill escalation. Safe to
// call more than once and safe when startup never completed.
func (s *Session) Dispose(ctx context.Context) error {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		alreadyDead := s.state == stateFailed
		busy := s.turnDone != nil
		id := s.sessionID
		s.state = stateDisposed
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.mu.Unlock()

		if id != "" && busy && !alreadyDead {
			_ = s.conn.Notify(MethodSessionCancel, cancelParams{SessionID: id})
			grace := s.cfg.CancelGrace
			if deadline, ok := ctx.Deadline(); ok {
				if remaining := time.Until(deadline); remaining < grace {
					grace = remaining
				}
			}
			if grace > 0 {
				_ = s.WaitForResponseComplete(grace)
			}
		}

		s.registry.clear()
		s.perms.clear()

		if s.sup != nil {
			s.sup.shutdown(s.cfg.KillEscalation)
		}
		for _, c := range s.closers {
			_ = c.Close()
		}
		<-s.watcherDone

		// Closing s.closed first unblocks any emit stuck on a full channel;
		// only then is it safe to take sendMu and close the stream.
		close(s.closed)
		s.sendMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.sendMu.Unlock()
	})
	return nil
}

// --- Internal machinery ---

func (s *Session) requireReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateDisposed:
		return agentpilot.ErrDisposed
	case stateReady:
		return nil
	case stateActive:
		return agentpilot.ErrAlreadyInitialized
	default:
		return fmt.Errorf("acp: not initialized")
	}
}

// activate records the negotiated session id and reports idle.
func (s *Session) activate(sessionID string) {
	s.mu.Lock()
	s.sessionID = sessionID
	s.state = stateActive
	s.status = agentpilot.StatusIdle
	s.mu.Unlock()
	s.emit(agentpilot.Event{Kind: agentpilot.EventStatus, Status: agentpilot.StatusIdle})
}

// withRetry runs fn under the per-attempt request timeout, backing off
// between attempts. A timed-out attempt counts as a failed one.
func (s *Session) withRetry(ctx context.Context, method string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.Retry.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.Retry.backoffDelay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if !retryable(err) {
			return err
		}
		s.cfg.Logger.Warn("request failed, retrying",
			"method", method, "attempt", attempt+1, "err", err)
	}
	return lastErr
}

// retryable reports whether a handshake error is worth another attempt.
// Protocol-level rejections are deterministic; timeouts and transport
// failures are not.
func retryable(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	return true
}

// sessionIDPattern matches safe session identifiers. Ids flow back into
// later requests and into transcript store keys, so anything outside this
// shape is rejected whether the caller or the agent produced it.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,256}$`)

func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("empty session id")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session id %q does not match allowed pattern", id)
	}
	return nil
}

// isSessionNotFound detects an agent rejecting session/load for an
// unknown id.
func isSessionNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	if rpcErr.Code == -32602 {
		return true
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "unknown session")
}

// rpcDetail extracts the most specific human-readable message from an RPC
// error, preferring the structured data payload vendors attach.
func rpcDetail(e *RPCError) string {
	if len(e.Data) > 0 {
		var d struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(e.Data, &d) == nil && d.Message != "" {
			if d.Code != 0 {
				return fmt.Sprintf("%d: %s", d.Code, d.Message)
			}
			return d.Message
		}
	}
	return e.Message
}

// loadCapture returns the active replay capture, or nil outside
// session/load.
func (s *Session) loadCapture() *replayCapture {
	return s.capture.Load()
}

// noteActivity marks the session busy and re-arms the idle window.
func (s *Session) noteActivity() {
	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return
	}
	if s.turnDone == nil {
		s.turnDone = make(chan struct{})
	}
	emitRunning := s.status != agentpilot.StatusRunning
	s.status = agentpilot.StatusRunning
	if s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(s.cfg.IdleWindow, s.maybeIdle)
	} else {
		s.idleTimer.Reset(s.cfg.IdleWindow)
	}
	s.mu.Unlock()

	if emitRunning {
		s.emit(agentpilot.Event{Kind: agentpilot.EventStatus, Status: agentpilot.StatusRunning})
	}
}

// maybeIdle completes the current turn once nothing is outstanding: no
// prompt in flight and no active tool calls.
func (s *Session) maybeIdle() {
	if s.registry.activeCount() > 0 {
		return
	}

	s.mu.Lock()
	if s.prompting || s.state == stateDisposed {
		s.mu.Unlock()
		return
	}
	var done chan struct{}
	if s.turnDone != nil {
		done = s.turnDone
		s.turnDone = nil
	}
	emitIdle := s.status == agentpilot.StatusRunning
	if emitIdle {
		s.status = agentpilot.StatusIdle
	}
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if emitIdle {
		s.emit(agentpilot.Event{Kind: agentpilot.EventStatus, Status: agentpilot.StatusIdle})
	}
}

// watch observes the connection and the process, translating their end
// into a terminal status event. During dispose the teardown is expected
// and reported by Dispose itself.
func (s *Session) watch() {
	defer close(s.watcherDone)
	<-s.conn.Done()

	var exitErr error
	if s.sup != nil {
		exitErr = s.sup.exitError(s.sup.wait())
	}

	s.registry.clear()

	s.mu.Lock()
	disposed := s.state == stateDisposed
	var done chan struct{}
	if s.turnDone != nil {
		done = s.turnDone
		s.turnDone = nil
	}
	if !disposed {
		s.state = stateFailed
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if disposed {
		return
	}

	switch {
	case s.conn.Err() != nil:
		s.emit(agentpilot.Event{
			Kind:   agentpilot.EventStatus,
			Status: agentpilot.StatusError,
			Detail: "protocol stream failed: " + s.conn.Err().Error(),
		})
	case exitErr != nil && !errors.Is(exitErr, agentpilot.ErrTerminated):
		// A process exit, even a failing one, is a stop, not a protocol
		// fault; the detail carries the exit status.
		s.emit(agentpilot.Event{
			Kind:   agentpilot.EventStatus,
			Status: agentpilot.StatusStopped,
			Detail: "agent exited: " + exitErr.Error(),
		})
	default:
		s.emit(agentpilot.Event{
			Kind:   agentpilot.EventStatus,
			Status: agentpilot.StatusStopped,
		})
	}
}

// emit delivers an event, giving up silently once the session is closed.
func (s *Session) emit(ev agentpilot.Event) {
	ev.Timestamp = time.Now()
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case <-s.closed:
	case s.events <- ev:
	}
}

func mcpOrEmpty(servers []MCPServer) []MCPServer {
	if servers == nil {
		return []MCPServer{}
	}
	return servers
}
