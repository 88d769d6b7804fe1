package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

// stubClient records callback invocations and returns canned results.
type stubClient struct {
	readResult  *ReadTextFileResult
	readErr     error
	permResult  *RequestPermissionResult
	updates     chan *SessionUpdateNotification
	terminalErr error
}

func newStubClient() *stubClient {
	return &stubClient{
		readResult: &ReadTextFileResult{Content: "package main"},
		permResult: &RequestPermissionResult{Outcome: SelectedOutcome("allow")},
		updates:    make(chan *SessionUpdateNotification, 4),
	}
}

func (s *stubClient) RequestPermission(ctx context.Context, params *RequestPermissionParams) (*RequestPermissionResult, error) {
	return s.permResult, nil
}

func (s *stubClient) ReadTextFile(ctx context.Context, params *ReadTextFileParams) (*ReadTextFileResult, error) {
	return s.readResult, s.readErr
}

func (s *stubClient) WriteTextFile(ctx context.Context, params *WriteTextFileParams) (*WriteTextFileResult, error) {
	return &WriteTextFileResult{}, nil
}

func (s *stubClient) CreateTerminal(ctx context.Context, params *CreateTerminalParams) (*CreateTerminalResult, error) {
	if s.terminalErr != nil {
		return nil, s.terminalErr
	}
	return &CreateTerminalResult{TerminalID: "tmux-1"}, nil
}

func (s *stubClient) TerminalOutput(ctx context.Context, params *TerminalOutputParams) (*TerminalOutputResult, error) {
	return &TerminalOutputResult{Output: "ok"}, nil
}

func (s *stubClient) WaitForTerminalExit(ctx context.Context, params *WaitForTerminalExitParams) (*WaitForTerminalExitResult, error) {
	return &WaitForTerminalExitResult{}, nil
}

func (s *stubClient) KillTerminal(ctx context.Context, params *KillTerminalParams) (*KillTerminalResult, error) {
	return &KillTerminalResult{}, nil
}

func (s *stubClient) ReleaseTerminal(ctx context.Context, params *ReleaseTerminalParams) (*ReleaseTerminalResult, error) {
	return &ReleaseTerminalResult{}, nil
}

func (s *stubClient) SessionUpdate(ctx context.Context, note *SessionUpdateNotification) {
	s.updates <- note
}

// fakeAgent is the far side of the pipes: it reads frames the host wrote and
// can inject frames for the host to read.
type fakeAgent struct {
	in  *bufio.Reader // frames written by the host
	out io.Writer     // frames delivered to the host
}

func startConn(t *testing.T, client Client) (*ClientConn, *fakeAgent, func()) {
	t.Helper()

	hostReader, agentOut := io.Pipe()
	agentIn, hostWriter := io.Pipe()

	conn := NewClientConn(client, hostReader, hostWriter)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Run(ctx)
	}()

	agent := &fakeAgent{in: bufio.NewReader(agentIn), out: agentOut}
	cleanup := func() {
		cancel()
		agentOut.Close()
		hostWriter.Close()
		<-done
	}
	return conn, agent, cleanup
}

func (a *fakeAgent) readFrame(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	line, err := a.in.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(line, &frame); err != nil {
		t.Fatalf("parse frame %q: %v", line, err)
	}
	return frame
}

func (a *fakeAgent) writeFrame(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if _, err := a.out.Write(append(data, '\n')); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestClientConnInitializeRoundTrip(t *testing.T) {
	conn, agent, cleanup := startConn(t, newStubClient())
	defer cleanup()

	type initResp struct {
		result *InitializeResult
		err    error
	}
	got := make(chan initResp, 1)
	go func() {
		result, err := conn.Initialize(context.Background(), &InitializeParams{
			ProtocolVersion: ProtocolVersion,
			ClientInfo:      &Implementation{Name: "tide", Version: "0.1.0"},
		})
		got <- initResp{result, err}
	}()

	frame := agent.readFrame(t)
	if string(frame["method"]) != `"initialize"` {
		t.Fatalf("expected initialize, got %s", frame["method"])
	}
	agent.writeFrame(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(frame["id"]),
		"result": InitializeResult{
			ProtocolVersion: ProtocolVersion,
			AgentInfo:       &Implementation{Name: "codex-acp", Version: "0.9.2"},
		},
	})

	select {
	case resp := <-got:
		if resp.err != nil {
			t.Fatalf("Initialize failed: %v", resp.err)
		}
		if resp.result.AgentInfo == nil || resp.result.AgentInfo.Name != "codex-acp" {
			t.Errorf("unexpected agent info: %+v", resp.result.AgentInfo)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initialize result")
	}
}

func TestClientConnDispatchesAgentRequest(t *testing.T) {
	client := newStubClient()
	_, agent, cleanup := startConn(t, client)
	defer cleanup()

	agent.writeFrame(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  MethodReadTextFile,
		"params":  ReadTextFileParams{SessionID: "s1", Path: "/tmp/main.go"},
	})

	frame := agent.readFrame(t)
	if string(frame["id"]) != "7" {
		t.Fatalf("response id mismatch: %s", frame["id"])
	}
	var result ReadTextFileResult
	if err := json.Unmarshal(frame["result"], &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if result.Content != "package main" {
		t.Errorf("unexpected content %q", result.Content)
	}
}

func TestClientConnMapsHandlerErrors(t *testing.T) {
	client := newStubClient()
	client.terminalErr = NewMethodNotFound(map[string]string{"reason": "tmux unavailable"})
	_, agent, cleanup := startConn(t, client)
	defer cleanup()

	agent.writeFrame(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      8,
		"method":  MethodCreateTerminal,
		"params":  CreateTerminalParams{SessionID: "s1", Command: "ls"},
	})

	frame := agent.readFrame(t)
	var rpcErr Error
	if err := json.Unmarshal(frame["error"], &rpcErr); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if rpcErr.Code != ErrCodeMethodNotFound {
		t.Errorf("expected method-not-found code, got %d", rpcErr.Code)
	}
}

func TestClientConnWrapsPlainHandlerErrors(t *testing.T) {
	client := newStubClient()
	client.readErr = errors.New("editor bridge down")
	client.readResult = nil
	_, agent, cleanup := startConn(t, client)
	defer cleanup()

	agent.writeFrame(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      9,
		"method":  MethodReadTextFile,
		"params":  ReadTextFileParams{SessionID: "s1", Path: "/tmp/x"},
	})

	frame := agent.readFrame(t)
	var rpcErr Error
	if err := json.Unmarshal(frame["error"], &rpcErr); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if rpcErr.Code != ErrCodeInternal {
		t.Errorf("expected internal error code, got %d", rpcErr.Code)
	}
	if rpcErr.Data != "editor bridge down" {
		t.Errorf("expected diagnostic data, got %v", rpcErr.Data)
	}
}

func TestClientConnDeliversSessionUpdates(t *testing.T) {
	client := newStubClient()
	_, agent, cleanup := startConn(t, client)
	defer cleanup()

	content := NewTextContent("hello from the agent")
	agent.writeFrame(t, map[string]any{
		"jsonrpc": "2.0",
		"method":  MethodSessionUpdate,
		"params": SessionUpdateNotification{
			SessionID: "s1",
			Update:    SessionUpdate{SessionUpdate: SessionUpdateAgentMessageChunk, Content: &content},
		},
	})

	select {
	case note := <-client.updates:
		if note.SessionID != "s1" {
			t.Errorf("unexpected session id %q", note.SessionID)
		}
		if note.Update.Content == nil || note.Update.Content.Text != "hello from the agent" {
			t.Errorf("unexpected update content: %+v", note.Update.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session update")
	}
}

func TestClientConnFailsPendingCallsOnClose(t *testing.T) {
	conn, agent, cleanup := startConn(t, newStubClient())

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.NewSession(context.Background(), &NewSessionParams{Cwd: "/tmp/x"})
		errCh <- err
	}()

	// Consume the outbound request, then tear the connection down without
	// ever answering.
	agent.readFrame(t)
	cleanup()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnClosed) {
			t.Fatalf("expected ErrConnClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pending call failure")
	}
}
