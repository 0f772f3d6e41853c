package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Conn is a bidirectional JSON-RPC 2.0 multiplexer over newline-delimited
// JSON, bridging the agent process's stdin/stdout pipes.
//
// Outbound messages (Call, Notify, responses) are serialized through a
// mutex-protected encoder: a write returns only once the pipe accepted the
// bytes, and a write error always surfaces to the caller. Inbound messages
// are dispatched by ReadLoop; all handlers must be registered before
// ReadLoop starts.
//
// A pluggable line filter runs on every inbound line before JSON parsing,
// so agents that print diagnostics on their data channel do not break the
// protocol stream. On ReadLoop exit, all pending Call channels are closed,
// preventing goroutine leaks.
type Conn struct {
	mu  sync.Mutex
	enc *json.Encoder

	nextID  atomic.Int64
	pending map[int64]chan *rpcResponse

	notifyHandlers map[string]func(json.RawMessage)
	methodHandlers map[string]func(json.RawMessage) (any, error)

	lineFilter   func(line []byte) ([]byte, bool)
	onParseError func(line []byte, err error)

	scanner *bufio.Scanner

	done    chan struct{}
	readErr atomic.Value // stores error (nil = clean EOF)

	maxMessageSize int
}

// connConfig holds optional configuration for a Conn.
type connConfig struct {
	maxMessageSize int
	lineFilter     func(line []byte) ([]byte, bool)
	onParseError   func(line []byte, err error)
}

// newConn creates a JSON-RPC 2.0 connection reading from r and writing to w.
// Call ReadLoop in a goroutine to start processing inbound messages.
func newConn(r io.Reader, w io.Writer, cfg connConfig) *Conn {
	maxSize := cfg.maxMessageSize
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	c := &Conn{
		enc:            json.NewEncoder(w),
		pending:        make(map[int64]chan *rpcResponse),
		notifyHandlers: make(map[string]func(json.RawMessage)),
		methodHandlers: make(map[string]func(json.RawMessage) (any, error)),
		lineFilter:     cfg.lineFilter,
		onParseError:   cfg.onParseError,
		done:           make(chan struct{}),
		maxMessageSize: maxSize,
	}
	c.scanner = bufio.NewScanner(r)
	c.scanner.Buffer(make([]byte, 0, min(4096, maxSize)), maxSize)
	return c
}

// OnNotification registers a handler for JSON-RPC notifications (no id).
// Must be called before ReadLoop starts.
func (c *Conn) OnNotification(method string, h func(json.RawMessage)) {
	c.notifyHandlers[method] = h
}

// OnMethod registers a handler for inbound JSON-RPC method calls (with id).
// The handler runs in a dedicated goroutine so a slow handler (e.g. a
// permission prompt) never blocks ReadLoop. Must be called before ReadLoop
// starts.
func (c *Conn) OnMethod(method string, h func(json.RawMessage) (any, error)) {
	c.methodHandlers[method] = h
}

// Call sends a JSON-RPC request and blocks until the response arrives or
// ctx expires.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)

	ch := make(chan *rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := &rpcRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	}
	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("acp: send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		return c.decodeResponse(resp, ok, method, result)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		// The response may have raced ctx cancellation; drain ch so a
		// successful result is not discarded.
		select {
		case resp, ok := <-ch:
			return c.decodeResponse(resp, ok, method, result)
		default:
			return ctx.Err()
		}
	}
}

// decodeResponse processes a response delivered to a pending Call channel.
func (c *Conn) decodeResponse(resp *rpcResponse, ok bool, method string, result any) error {
	if !ok {
		return fmt.Errorf("acp: %s: connection closed", method)
	}
	if resp.Error != nil {
		return &RPCError{
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		}
	}
	if result != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("acp: unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// Notify sends a JSON-RPC notification (no id, no response expected).
func (c *Conn) Notify(method string, params any) error {
	return c.write(&rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// ReadLoop reads and dispatches inbound JSON-RPC messages until the reader
// closes or an unrecoverable error occurs. Notifications are processed in
// delivery order; no parallel dispatch. Must be called exactly once.
func (c *Conn) ReadLoop() {
	defer close(c.done)
	defer c.drainPending()

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if c.lineFilter != nil {
			var keep bool
			line, keep = c.lineFilter(line)
			if !keep {
				continue
			}
		}
		if len(line) == 0 || line[0] != '{' {
			continue // blank lines and non-JSON startup banners
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			if c.onParseError != nil {
				c.onParseError(append([]byte(nil), line...), err)
			}
			continue
		}
		c.dispatch(&msg)
	}

	if err := c.scanner.Err(); err != nil {
		c.readErr.Store(err)
	}
}

// Err returns the ReadLoop error after it exits, or nil for a clean close.
func (c *Conn) Err() error {
	if v := c.readErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Done returns a channel closed when ReadLoop exits.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Standard JSON-RPC 2.0 error codes used on the wire.
const (
	rpcMethodNotFound   = -32601
	rpcInternalError    = -32603
	rpcApplicationError = -32000
)

// write serializes and sends one JSON-RPC message. Thread-safe.
func (c *Conn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(v)
}

// dispatch routes an inbound message to the appropriate handler.
func (c *Conn) dispatch(msg *rpcMessage) {
	switch {
	case msg.ID != nil && msg.Method == "":
		c.handleResponse(msg)
	case msg.ID != nil:
		c.handleMethodCall(msg)
	case msg.Method != "":
		c.handleNotification(msg)
	}
}

func (c *Conn) handleResponse(msg *rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		return // duplicate or unsolicited response
	}
	ch <- &rpcResponse{Result: msg.Result, Error: msg.Error}
}

func (c *Conn) handleMethodCall(msg *rpcMessage) {
	h, ok := c.methodHandlers[msg.Method]
	if !ok {
		c.replyError(*msg.ID, rpcMethodNotFound, "method not found: "+msg.Method)
		return
	}

	id := *msg.ID
	params := msg.Params
	go func() {
		result, err := h(params)
		if err != nil {
			c.replyError(id, rpcApplicationError, err.Error())
			return
		}
		c.replyResult(id, result)
	}()
}

func (c *Conn) handleNotification(msg *rpcMessage) {
	if h, ok := c.notifyHandlers[msg.Method]; ok {
		h(msg.Params)
	}
}

// replyResult sends a JSON-RPC success response. Send errors are ignored:
// the connection may already be closing, and the agent times out on its own.
func (c *Conn) replyResult(id int64, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		c.replyError(id, rpcInternalError, "marshal result: "+err.Error())
		return
	}
	_ = c.write(&rpcResponse{JSONRPC: "2.0", ID: &id, Result: data})
}

// replyError sends a JSON-RPC error response, best-effort.
func (c *Conn) replyError(id int64, code int, message string) {
	_ = c.write(&rpcResponse{
		JSONRPC: "2.0",
		ID:      &id,
		Error:   &rpcError{Code: code, Message: message},
	})
}

// drainPending closes all pending Call channels so blocked callers unblock.
func (c *Conn) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// --- Wire envelope ---

// rpcRequest is an outbound JSON-RPC 2.0 request or notification.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcMessage is a generic inbound JSON-RPC 2.0 message.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcResponse is an outbound JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is the wire-level JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RPCError is the exported error type for JSON-RPC errors returned by Call.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
