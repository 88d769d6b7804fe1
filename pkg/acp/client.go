package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrConnClosed is returned for calls made on a connection whose read loop
// has exited.
var ErrConnClosed = errors.New("acp: connection closed")

// Client answers agent-initiated calls. Implementations may block (permission
// arbitration, exit waits); each inbound request is dispatched on its own
// goroutine so a slow handler never stalls the protocol stream.
type Client interface {
	RequestPermission(ctx context.Context, params *RequestPermissionParams) (*RequestPermissionResult, error)
	ReadTextFile(ctx context.Context, params *ReadTextFileParams) (*ReadTextFileResult, error)
	WriteTextFile(ctx context.Context, params *WriteTextFileParams) (*WriteTextFileResult, error)
	CreateTerminal(ctx context.Context, params *CreateTerminalParams) (*CreateTerminalResult, error)
	TerminalOutput(ctx context.Context, params *TerminalOutputParams) (*TerminalOutputResult, error)
	WaitForTerminalExit(ctx context.Context, params *WaitForTerminalExitParams) (*WaitForTerminalExitResult, error)
	KillTerminal(ctx context.Context, params *KillTerminalParams) (*KillTerminalResult, error)
	ReleaseTerminal(ctx context.Context, params *ReleaseTerminalParams) (*ReleaseTerminalResult, error)

	// SessionUpdate receives session/update notifications. Best-effort; the
	// connection ignores its outcome.
	SessionUpdate(ctx context.Context, note *SessionUpdateNotification)
}

// message is the inbound wire shape: a request, notification, or response,
// distinguished by which fields are set.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ClientConn drives one agent over its stdio pipes. Outbound requests carry
// monotonically increasing ids and park on per-id reply channels; inbound
// requests dispatch to the Client. The connection object itself must stay
// confined to the supervisor's connection goroutine for outbound calls.
type ClientConn struct {
	transport *Transport
	client    Client

	pendingMu sync.Mutex
	pending   map[uint64]chan *message
	nextID    atomic.Uint64
	closed    atomic.Bool
}

// NewClientConn creates a connection over the agent's stdout (reader) and
// stdin (writer).
func NewClientConn(client Client, agentStdout io.Reader, agentStdin io.Writer) *ClientConn {
	return &ClientConn{
		transport: NewTransport(agentStdout, agentStdin),
		client:    client,
		pending:   make(map[uint64]chan *message),
	}
}

// Run reads messages until the stream ends or the context is cancelled.
// A clean EOF (agent exited) returns nil. On exit every pending outbound
// call fails with ErrConnClosed.
func (c *ClientConn) Run(ctx context.Context) error {
	defer c.failPending()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := c.transport.ReadMessage()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = c.transport.SendError(nil, &Error{Code: ErrCodeParse, Message: "Parse error", Data: err.Error()})
			continue
		}

		switch {
		case msg.Method != "" && msg.ID != nil:
			go c.handleRequest(ctx, &msg)
		case msg.Method != "":
			go c.handleNotification(ctx, &msg)
		default:
			c.routeResponse(&msg)
		}
	}
}

func (c *ClientConn) failPending() {
	c.closed.Store(true)
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *ClientConn) routeResponse(msg *message) {
	id, err := strconv.ParseUint(string(msg.ID), 10, 64)
	if err != nil {
		// Not an id we issued; nothing to correlate.
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- msg
	}
}

// call issues an outbound request and waits for its response. result may be
// nil for calls whose result payload is ignored.
func (c *ClientConn) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	id := c.nextID.Add(1)
	ch := make(chan *message, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := &Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}
	if err := c.transport.WriteMessage(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return ErrConnClosed
		}
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil && msg.Result != nil {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("parse %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	}
}

// Initialize performs the capability handshake.
func (c *ClientConn) Initialize(ctx context.Context, params *InitializeParams) (*InitializeResult, error) {
	var result InitializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// NewSession asks the agent to create a conversation session.
func (c *ClientConn) NewSession(ctx context.Context, params *NewSessionParams) (*NewSessionResult, error) {
	if params.McpServers == nil {
		params.McpServers = []json.RawMessage{}
	}
	var result NewSessionResult
	if err := c.call(ctx, MethodSessionNew, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Prompt sends prompt content and blocks until the agent reports a stop
// reason.
func (c *ClientConn) Prompt(ctx context.Context, params *PromptParams) (*PromptResult, error) {
	var result PromptResult
	if err := c.call(ctx, MethodSessionPrompt, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel notifies the agent that a session's current prompt should stop.
func (c *ClientConn) Cancel(sessionID string) error {
	return c.transport.SendNotification(MethodSessionCancel, &CancelParams{SessionID: sessionID})
}

func (c *ClientConn) handleNotification(ctx context.Context, msg *message) {
	if msg.Method != MethodSessionUpdate {
		return
	}
	note, err := ParseParams[SessionUpdateNotification](msg.Params)
	if err != nil {
		return
	}
	c.client.SessionUpdate(ctx, note)
}

func (c *ClientConn) handleRequest(ctx context.Context, msg *message) {
	result, err := c.invoke(ctx, msg)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = NewInternalError(err.Error())
		}
		_ = c.transport.SendError(msg.ID, rpcErr)
		return
	}
	_ = c.transport.SendResponse(msg.ID, result)
}

func (c *ClientConn) invoke(ctx context.Context, msg *message) (interface{}, error) {
	switch msg.Method {
	case MethodRequestPermission:
		params, err := ParseParams[RequestPermissionParams](msg.Params)
		if err != nil {
			return nil, NewInvalidParams(err.Error())
		}
		return c.client.RequestPermission(ctx, params)
	case MethodReadTextFile:
		params, err := ParseParams[ReadTextFileParams](msg.Params)
		if err != nil {
			return nil, NewInvalidParams(err.Error())
		}
		return c.client.ReadTextFile(ctx, params)
	case MethodWriteTextFile:
		params, err := ParseParams[WriteTextFileParams](msg.Params)
		if err != nil {
			return nil, NewInvalidParams(err.Error())
		}
		return c.client.WriteTextFile(ctx, params)
	case MethodCreateTerminal:
		params, err := ParseParams[CreateTerminalParams](msg.Params)
		if err != nil {
			return nil, NewInvalidParams(err.Error())
		}
		return c.client.CreateTerminal(ctx, params)
	case MethodTerminalOutput:
		params, err := ParseParams[TerminalOutputParams](msg.Params)
		if err != nil {
			return nil, NewInvalidParams(err.Error())
		}
		return c.client.TerminalOutput(ctx, params)
	case MethodWaitForTerminalExit:
		params, err := ParseParams[WaitForTerminalExitParams](msg.Params)
		if err != nil {
			return nil, NewInvalidParams(err.Error())
		}
		return c.client.WaitForTerminalExit(ctx, params)
	case MethodKillTerminal:
		params, err := ParseParams[KillTerminalParams](msg.Params)
		if err != nil {
			return nil, NewInvalidParams(err.Error())
		}
		return c.client.KillTerminal(ctx, params)
	case MethodReleaseTerminal:
		params, err := ParseParams[ReleaseTerminalParams](msg.Params)
		if err != nil {
			return nil, NewInvalidParams(err.Error())
		}
		return c.client.ReleaseTerminal(ctx, params)
	default:
		return nil, NewMethodNotFound(msg.Method)
	}
}
