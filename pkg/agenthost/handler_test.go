package agenthost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/tidecode/tide/pkg/acp"
	"github.com/tidecode/tide/pkg/config"
	"github.com/tidecode/tide/pkg/editor"
	"github.com/tidecode/tide/pkg/logging"
	"github.com/tidecode/tide/pkg/telemetry"
	"github.com/tidecode/tide/pkg/tmux"
)

// fakeMux simulates the tmux adapter without spawning processes.
type fakeMux struct {
	mu sync.Mutex

	detectErr    error
	liveSessions map[string]bool
	ensured      []string

	paneSeq     int
	paneOutput  map[string]string
	paneStates  map[string]tmux.PaneState
	created     []tmux.CommandSpec
	createModes []tmux.CommandMode

	interrupted    []string
	killedPanes    []string
	killedSessions []string
	killPaneErr    error
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		liveSessions: make(map[string]bool),
		paneOutput:   make(map[string]string),
		paneStates:   make(map[string]tmux.PaneState),
	}
}

func (f *fakeMux) Detect(ctx context.Context) error { return f.detectErr }

func (f *fakeMux) FindAvailableName(ctx context.Context, base string, reserved map[string]bool) (string, error) {
	return tmux.FindAvailableName(ctx, base, reserved, func(ctx context.Context, name string) (bool, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.liveSessions[name], nil
	})
}

func (f *fakeMux) EnsureSession(ctx context.Context, name, cwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, name)
	f.liveSessions[name] = true
	return nil
}

func (f *fakeMux) CreatePane(ctx context.Context, session string, mode tmux.CommandMode, spec tmux.CommandSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paneSeq++
	paneID := fmt.Sprintf("%%%d", f.paneSeq)
	f.created = append(f.created, spec)
	f.createModes = append(f.createModes, mode)
	f.paneStates[paneID] = tmux.PaneState{}
	return paneID, nil
}

func (f *fakeMux) CapturePane(ctx context.Context, paneID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paneOutput[paneID], nil
}

func (f *fakeMux) PaneState(ctx context.Context, paneID string) (tmux.PaneState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paneStates[paneID], nil
}

func (f *fakeMux) setPaneState(paneID string, state tmux.PaneState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paneStates[paneID] = state
}

func (f *fakeMux) InterruptPane(ctx context.Context, paneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = append(f.interrupted, paneID)
	return nil
}

func (f *fakeMux) KillPane(ctx context.Context, paneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedPanes = append(f.killedPanes, paneID)
	return f.killPaneErr
}

func (f *fakeMux) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedSessions = append(f.killedSessions, name)
	return nil
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter("test", slog.LevelError, io.Discard)
}

func newTestHandler() (*Handler, *fakeMux, *telemetry.Hub) {
	mux := newFakeMux()
	hub := telemetry.NewHub()
	h := NewHandler(testLogger(), hub, config.DefaultConfig(), mux, tmux.NewRegistry(), editor.NewLocalBridge())
	return h, mux, hub
}

func invalidParamsCode(t *testing.T, err error) {
	t.Helper()
	var rpcErr *acp.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if rpcErr.Code != acp.ErrCodeInvalidParams {
		t.Errorf("expected invalid-params code, got %d", rpcErr.Code)
	}
}

func methodNotFoundCode(t *testing.T, err error) {
	t.Helper()
	var rpcErr *acp.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if rpcErr.Code != acp.ErrCodeMethodNotFound {
		t.Errorf("expected method-not-found code, got %d", rpcErr.Code)
	}
}

func TestRequestPermissionSelected(t *testing.T) {
	h, _, hub := newTestHandler()
	defer hub.Close()
	h.BindSession("sess-1", "terminal-1")

	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	type permResp struct {
		result *acp.RequestPermissionResult
		err    error
	}
	got := make(chan permResp, 1)
	go func() {
		result, err := h.RequestPermission(context.Background(), &acp.RequestPermissionParams{
			SessionID: "sess-1",
			ToolCall:  acp.ToolCallRef{ToolCallID: "tool-1", Title: "Run tests"},
			Options: []acp.PermissionOption{
				{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
			},
		})
		got <- permResp{result, err}
	}()

	var requestID string
	select {
	case event := <-events:
		if event.Type != telemetry.EventPermissionRequest {
			t.Fatalf("unexpected event type %q", event.Type)
		}
		if event.TerminalID != "terminal-1" {
			t.Errorf("expected bound terminal in event, got %q", event.TerminalID)
		}
		requestID = event.Data["requestId"].(string)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for permission event")
	}

	optionID := "allow"
	if err := h.RespondPermission(requestID, &optionID); err != nil {
		t.Fatalf("RespondPermission failed: %v", err)
	}

	select {
	case resp := <-got:
		if resp.err != nil {
			t.Fatalf("RequestPermission failed: %v", resp.err)
		}
		if resp.result.Outcome.Outcome != acp.PermissionOutcomeSelected {
			t.Errorf("expected selected outcome, got %q", resp.result.Outcome.Outcome)
		}
		if resp.result.Outcome.OptionID != "allow" {
			t.Errorf("expected option 'allow', got %q", resp.result.Outcome.OptionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for permission result")
	}
}

func TestRequestPermissionTimesOutAsCancelled(t *testing.T) {
	h, _, hub := newTestHandler()
	defer hub.Close()
	h.permTimeout = 50 * time.Millisecond

	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	result, err := h.RequestPermission(context.Background(), &acp.RequestPermissionParams{
		SessionID: "sess-unbound",
		ToolCall:  acp.ToolCallRef{ToolCallID: "tool-1"},
	})
	if err != nil {
		t.Fatalf("RequestPermission failed: %v", err)
	}
	if result.Outcome.Outcome != acp.PermissionOutcomeCancelled {
		t.Errorf("expected cancelled outcome, got %q", result.Outcome.Outcome)
	}

	// A decision after timeout is a no-op surfaced as unknown request.
	event := <-events
	requestID := event.Data["requestId"].(string)
	optionID := "allow"
	if err := h.RespondPermission(requestID, &optionID); err == nil {
		t.Error("expected error for late permission decision")
	}
}

func TestCancelPendingPermissions(t *testing.T) {
	h, _, hub := newTestHandler()
	defer hub.Close()

	got := make(chan *acp.RequestPermissionResult, 1)
	go func() {
		result, _ := h.RequestPermission(context.Background(), &acp.RequestPermissionParams{
			SessionID: "sess-1",
			ToolCall:  acp.ToolCallRef{ToolCallID: "tool-1"},
		})
		got <- result
	}()

	// Wait for registration.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.permMu.Lock()
		n := len(h.pending)
		h.permMu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("permission request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.CancelPendingPermissions()

	select {
	case result := <-got:
		if result.Outcome.Outcome != acp.PermissionOutcomeCancelled {
			t.Errorf("expected cancelled outcome, got %q", result.Outcome.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for cancelled permission")
	}
}

func TestBindSessionIsInjectivePerTerminal(t *testing.T) {
	h, _, hub := newTestHandler()
	defer hub.Close()

	h.BindSession("sess-1", "terminal-1")
	h.BindSession("sess-2", "terminal-1")

	if _, ok := h.boundTerminal("sess-1"); ok {
		t.Error("expected sess-1 to be unbound after rebinding terminal")
	}
	if tid, ok := h.boundTerminal("sess-2"); !ok || tid != "terminal-1" {
		t.Errorf("expected sess-2 bound to terminal-1, got %q ok=%v", tid, ok)
	}
}

func TestReadTextFileValidation(t *testing.T) {
	h, _, hub := newTestHandler()
	defer hub.Close()
	ctx := context.Background()

	_, err := h.ReadTextFile(ctx, &acp.ReadTextFileParams{SessionID: "sess-1", Path: "relative/path.go"})
	invalidParamsCode(t, err)

	_, err = h.ReadTextFile(ctx, &acp.ReadTextFileParams{SessionID: "sess-1", Path: "/tmp/file.go"})
	invalidParamsCode(t, err)
}

func TestReadWriteTextFileRoundTrip(t *testing.T) {
	h, _, hub := newTestHandler()
	defer hub.Close()
	ctx := context.Background()
	h.BindSession("sess-1", "terminal-1")

	path := filepath.Join(t.TempDir(), "main.go")

	if _, err := h.WriteTextFile(ctx, &acp.WriteTextFileParams{
		SessionID: "sess-1",
		Path:      path,
		Content:   "package main\n",
	}); err != nil {
		t.Fatalf("WriteTextFile failed: %v", err)
	}

	result, err := h.ReadTextFile(ctx, &acp.ReadTextFileParams{SessionID: "sess-1", Path: path})
	if err != nil {
		t.Fatalf("ReadTextFile failed: %v", err)
	}
	if result.Content != "package main\n" {
		t.Errorf("unexpected content %q", result.Content)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "package main\n" {
		t.Errorf("unexpected file contents %q", string(data))
	}
}

func TestCreateTerminalRequiresBinding(t *testing.T) {
	h, _, hub := newTestHandler()
	defer hub.Close()

	_, err := h.CreateTerminal(context.Background(), &acp.CreateTerminalParams{SessionID: "sess-1", Command: "ls"})
	invalidParamsCode(t, err)
}

func TestCreateTerminalSignalsNonSupport(t *testing.T) {
	h, mux, hub := newTestHandler()
	defer hub.Close()
	ctx := context.Background()
	h.BindSession("sess-1", "terminal-1")

	mux.detectErr = errors.New("tmux: command not found")
	_, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{SessionID: "sess-1", Command: "ls"})
	methodNotFoundCode(t, err)

	mux.detectErr = nil
	h.registry.SetTerminalEnabled("terminal-1", false)
	_, err = h.CreateTerminal(ctx, &acp.CreateTerminalParams{SessionID: "sess-1", Command: "ls"})
	methodNotFoundCode(t, err)
}

func TestCreateTerminalFullFlow(t *testing.T) {
	h, mux, hub := newTestHandler()
	defer hub.Close()
	ctx := context.Background()
	h.BindSession("sess-1", "terminal-1")

	result, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{
		SessionID: "sess-1",
		Command:   "cargo",
		Args:      []string{"test"},
		Env:       []acp.EnvVariable{{Name: "RUST_LOG", Value: "debug"}},
		Cwd:       "/home/dev/myproj",
	})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}
	if result.TerminalID != "tmux-1" {
		t.Errorf("expected terminal id tmux-1, got %q", result.TerminalID)
	}

	sessionName, ok := h.registry.SessionName("terminal-1")
	if !ok || sessionName != "tide-myproj" {
		t.Errorf("expected session tide-myproj, got %q ok=%v", sessionName, ok)
	}
	if len(mux.ensured) != 1 || mux.ensured[0] != "tide-myproj" {
		t.Errorf("expected session ensured once, got %v", mux.ensured)
	}
	if len(mux.created) != 1 || mux.created[0].Command != "cargo" {
		t.Fatalf("unexpected created specs %v", mux.created)
	}
	// Default config places commands in a window.
	if mux.createModes[0] != tmux.ModeWindow {
		t.Errorf("expected window mode, got %q", mux.createModes[0])
	}

	// The assigned session name is reused for the terminal's lifetime.
	second, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{
		SessionID: "sess-1",
		Command:   "ls",
		Cwd:       "/home/dev/otherdir",
	})
	if err != nil {
		t.Fatalf("second CreateTerminal failed: %v", err)
	}
	if second.TerminalID != "tmux-2" {
		t.Errorf("expected terminal id tmux-2, got %q", second.TerminalID)
	}
	if name, _ := h.registry.SessionName("terminal-1"); name != "tide-myproj" {
		t.Errorf("expected session name reuse, got %q", name)
	}
}

func TestCreateTerminalModeOverride(t *testing.T) {
	h, mux, hub := newTestHandler()
	defer hub.Close()
	ctx := context.Background()
	h.BindSession("sess-1", "terminal-1")

	if _, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{
		SessionID: "sess-1",
		Command:   "ls",
		Meta:      map[string]any{modeMetaKey: "hidden"},
	}); err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}
	if mux.createModes[0] != tmux.ModeHidden {
		t.Errorf("expected hidden mode from metadata, got %q", mux.createModes[0])
	}

	// Disallowed overrides fall back to the configured default.
	h.cfg.AllowModeOverride = false
	if _, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{
		SessionID: "sess-1",
		Command:   "ls",
		Meta:      map[string]any{modeMetaKey: "hidden"},
	}); err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}
	if mux.createModes[1] != tmux.ModeWindow {
		t.Errorf("expected fallback to window mode, got %q", mux.createModes[1])
	}
}

func TestTerminalOutputTruncatesAndReportsExit(t *testing.T) {
	h, mux, hub := newTestHandler()
	defer hub.Close()
	ctx := context.Background()
	h.BindSession("sess-1", "terminal-1")

	limit := uint64(8)
	created, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{
		SessionID:       "sess-1",
		Command:         "ls",
		OutputByteLimit: &limit,
	})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}

	command, _ := h.registry.Command(created.TerminalID)
	mux.paneOutput[command.PaneID] = "0123456789abcdef"

	output, err := h.TerminalOutput(ctx, &acp.TerminalOutputParams{TerminalID: created.TerminalID})
	if err != nil {
		t.Fatalf("TerminalOutput failed: %v", err)
	}
	if output.Output != "89abcdef" {
		t.Errorf("expected tail truncation, got %q", output.Output)
	}
	if !output.Truncated {
		t.Error("expected truncated flag")
	}
	if output.ExitStatus != nil {
		t.Error("expected no exit status for a live pane")
	}

	exitCode := uint32(2)
	mux.setPaneState(command.PaneID, tmux.PaneState{Dead: true, ExitCode: &exitCode})

	output, err = h.TerminalOutput(ctx, &acp.TerminalOutputParams{TerminalID: created.TerminalID})
	if err != nil {
		t.Fatalf("TerminalOutput failed: %v", err)
	}
	if output.ExitStatus == nil || output.ExitStatus.ExitCode == nil || *output.ExitStatus.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %+v", output.ExitStatus)
	}
}

func TestTerminalOutputUnknownID(t *testing.T) {
	h, _, hub := newTestHandler()
	defer hub.Close()

	_, err := h.TerminalOutput(context.Background(), &acp.TerminalOutputParams{TerminalID: "tmux-404"})
	invalidParamsCode(t, err)
}

func TestWaitForTerminalExitPolls(t *testing.T) {
	h, mux, hub := newTestHandler()
	defer hub.Close()
	h.pollInterval = 10 * time.Millisecond
	ctx := context.Background()
	h.BindSession("sess-1", "terminal-1")

	created, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{SessionID: "sess-1", Command: "sleep"})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}
	command, _ := h.registry.Command(created.TerminalID)

	go func() {
		time.Sleep(30 * time.Millisecond)
		exitCode := uint32(0)
		mux.setPaneState(command.PaneID, tmux.PaneState{Dead: true, ExitCode: &exitCode})
	}()

	result, err := h.WaitForTerminalExit(ctx, &acp.WaitForTerminalExitParams{TerminalID: created.TerminalID})
	if err != nil {
		t.Fatalf("WaitForTerminalExit failed: %v", err)
	}
	if result.ExitStatus.ExitCode == nil || *result.ExitStatus.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %+v", result.ExitStatus)
	}
}

func TestKillTerminalInterrupts(t *testing.T) {
	h, mux, hub := newTestHandler()
	defer hub.Close()
	ctx := context.Background()
	h.BindSession("sess-1", "terminal-1")

	created, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{SessionID: "sess-1", Command: "sleep"})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}
	command, _ := h.registry.Command(created.TerminalID)

	if _, err := h.KillTerminal(ctx, &acp.KillTerminalParams{TerminalID: created.TerminalID}); err != nil {
		t.Fatalf("KillTerminal failed: %v", err)
	}
	if len(mux.interrupted) != 1 || mux.interrupted[0] != command.PaneID {
		t.Errorf("expected interrupt of %q, got %v", command.PaneID, mux.interrupted)
	}
	if len(mux.killedPanes) != 0 {
		t.Errorf("kill must interrupt, not destroy the pane: %v", mux.killedPanes)
	}

	// The handle stays valid after a kill so output and exit status remain
	// inspectable.
	if _, err := h.TerminalOutput(ctx, &acp.TerminalOutputParams{TerminalID: created.TerminalID}); err != nil {
		t.Errorf("TerminalOutput after kill failed: %v", err)
	}
}

func TestReleaseTerminalRemovesAndKills(t *testing.T) {
	h, mux, hub := newTestHandler()
	defer hub.Close()
	ctx := context.Background()
	h.BindSession("sess-1", "terminal-1")

	created, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{SessionID: "sess-1", Command: "ls"})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}
	command, _ := h.registry.Command(created.TerminalID)

	if _, err := h.ReleaseTerminal(ctx, &acp.ReleaseTerminalParams{TerminalID: created.TerminalID}); err != nil {
		t.Fatalf("ReleaseTerminal failed: %v", err)
	}
	if len(mux.killedPanes) != 1 || mux.killedPanes[0] != command.PaneID {
		t.Errorf("expected pane kill, got %v", mux.killedPanes)
	}

	// Released handles are gone for good.
	_, err = h.TerminalOutput(ctx, &acp.TerminalOutputParams{TerminalID: created.TerminalID})
	invalidParamsCode(t, err)
	_, err = h.ReleaseTerminal(ctx, &acp.ReleaseTerminalParams{TerminalID: created.TerminalID})
	invalidParamsCode(t, err)
}

func TestReleaseTerminalToleratesKillFailure(t *testing.T) {
	h, mux, hub := newTestHandler()
	defer hub.Close()
	ctx := context.Background()
	h.BindSession("sess-1", "terminal-1")

	created, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{SessionID: "sess-1", Command: "ls"})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}

	mux.killPaneErr = errors.New("pane already gone")
	if _, err := h.ReleaseTerminal(ctx, &acp.ReleaseTerminalParams{TerminalID: created.TerminalID}); err != nil {
		t.Errorf("release must succeed despite kill failure, got %v", err)
	}
}

func TestCleanupTerminalCascades(t *testing.T) {
	h, mux, hub := newTestHandler()
	defer hub.Close()
	ctx := context.Background()
	h.BindSession("sess-1", "terminal-1")

	first, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{SessionID: "sess-1", Command: "ls", Cwd: "/home/dev/proj"})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}
	second, err := h.CreateTerminal(ctx, &acp.CreateTerminalParams{SessionID: "sess-1", Command: "ls"})
	if err != nil {
		t.Fatalf("CreateTerminal failed: %v", err)
	}

	h.CleanupTerminal(ctx, "terminal-1")

	if len(mux.killedPanes) != 2 {
		t.Errorf("expected both panes killed, got %v", mux.killedPanes)
	}
	if len(mux.killedSessions) != 1 || mux.killedSessions[0] != "tide-proj" {
		t.Errorf("expected session kill, got %v", mux.killedSessions)
	}
	if _, ok := h.boundTerminal("sess-1"); ok {
		t.Error("expected session unbound after cleanup")
	}
	for _, id := range []string{first.TerminalID, second.TerminalID} {
		if _, ok := h.registry.Command(id); ok {
			t.Errorf("expected command %q removed", id)
		}
	}
}

func TestSessionUpdateForwardsToTelemetry(t *testing.T) {
	h, _, hub := newTestHandler()
	defer hub.Close()

	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	content := acp.NewTextContent("hello")
	h.SessionUpdate(context.Background(), &acp.SessionUpdateNotification{
		SessionID: "sess-1",
		Update:    acp.SessionUpdate{SessionUpdate: acp.SessionUpdateAgentMessageChunk, Content: &content},
	})

	select {
	case event := <-events:
		if event.Type != telemetry.EventSessionContent {
			t.Errorf("unexpected event type %q", event.Type)
		}
		if event.Data["text"] != "hello" {
			t.Errorf("unexpected event data %v", event.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for session event")
	}
}
