package agenthost

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/tidecode/tide/pkg/acp"
	"github.com/tidecode/tide/pkg/config"
	"github.com/tidecode/tide/pkg/editor"
	"github.com/tidecode/tide/pkg/logging"
	"github.com/tidecode/tide/pkg/telemetry"
	"github.com/tidecode/tide/pkg/tmux"
)

const (
	// permissionTimeout bounds how long the agent waits for a permission
	// decision before the request self-resolves as cancelled.
	permissionTimeout = 300 * time.Second

	// exitPollInterval paces the cooperative wait-for-exit loop.
	exitPollInterval = 200 * time.Millisecond

	// modeMetaKey carries an agent-requested tmux placement mode in
	// terminal/create metadata.
	modeMetaKey = "tide_tmux_mode"
)

// Multiplexer is the slice of tmux.Runner the handler depends on. Tests
// substitute a fake; production passes *tmux.Runner.
type Multiplexer interface {
	Detect(ctx context.Context) error
	FindAvailableName(ctx context.Context, base string, reserved map[string]bool) (string, error)
	EnsureSession(ctx context.Context, name, cwd string) error
	CreatePane(ctx context.Context, session string, mode tmux.CommandMode, spec tmux.CommandSpec) (string, error)
	CapturePane(ctx context.Context, paneID string) (string, error)
	PaneState(ctx context.Context, paneID string) (tmux.PaneState, error)
	InterruptPane(ctx context.Context, paneID string) error
	KillPane(ctx context.Context, paneID string) error
	KillSession(ctx context.Context, name string) error
}

// Handler answers agent-initiated protocol callbacks: permission arbitration,
// file access proxying, and terminal lifecycle. It outlives individual agent
// runs; bindings and pending permissions are cleared on every start and stop.
type Handler struct {
	log      *logging.Logger
	hub      *telemetry.Hub
	cfg      *config.Config
	runner   Multiplexer
	registry *tmux.Registry
	files    editor.FileBridge

	permTimeout  time.Duration
	pollInterval time.Duration

	bindMu   sync.Mutex
	bindings map[string]string // session id -> host terminal id

	permMu      sync.Mutex
	pending     map[string]chan acp.PermissionOutcome
	permCounter atomic.Uint64
}

// NewHandler wires the callback handler to its collaborators.
func NewHandler(log *logging.Logger, hub *telemetry.Hub, cfg *config.Config, runner Multiplexer, registry *tmux.Registry, files editor.FileBridge) *Handler {
	if log == nil {
		log = logging.New("agenthost", slog.LevelInfo)
	}
	return &Handler{
		log:          log,
		hub:          hub,
		cfg:          cfg,
		runner:       runner,
		registry:     registry,
		files:        files,
		permTimeout:  permissionTimeout,
		pollInterval: exitPollInterval,
		bindings:     make(map[string]string),
		pending:      make(map[string]chan acp.PermissionOutcome),
	}
}

// Registry exposes the terminal registry for host-side policy toggles.
func (h *Handler) Registry() *tmux.Registry {
	return h.registry
}

// BindSession maps a session to the host terminal it was opened from. The
// binding is injective: any session previously bound to the same terminal is
// unbound first.
func (h *Handler) BindSession(sessionID, terminalID string) {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()
	for sid, tid := range h.bindings {
		if tid == terminalID {
			delete(h.bindings, sid)
		}
	}
	h.bindings[sessionID] = terminalID
}

// UnbindTerminal clears every session binding pointing at the terminal.
func (h *Handler) UnbindTerminal(terminalID string) {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()
	for sid, tid := range h.bindings {
		if tid == terminalID {
			delete(h.bindings, sid)
		}
	}
}

// ClearBindings drops all session bindings. Called on start and shutdown.
func (h *Handler) ClearBindings() {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()
	h.bindings = make(map[string]string)
}

func (h *Handler) boundTerminal(sessionID string) (string, bool) {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()
	tid, ok := h.bindings[sessionID]
	return tid, ok
}

// RespondPermission delivers the application's decision for a pending
// permission request. A nil optionID means the user dismissed the request.
// A decision for an already-resolved request is an error to the caller but a
// no-op for the agent.
func (h *Handler) RespondPermission(requestID string, optionID *string) error {
	h.permMu.Lock()
	ch, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.permMu.Unlock()

	if !ok {
		return fmt.Errorf("unknown permission request: %s", requestID)
	}

	if optionID != nil {
		ch <- acp.SelectedOutcome(*optionID)
	} else {
		ch <- acp.CancelledOutcome()
	}
	return nil
}

// CancelPendingPermissions resolves every pending request as cancelled.
// Called on shutdown so no agent callback is left hanging.
func (h *Handler) CancelPendingPermissions() {
	h.permMu.Lock()
	pending := h.pending
	h.pending = make(map[string]chan acp.PermissionOutcome)
	h.permMu.Unlock()

	for _, ch := range pending {
		ch <- acp.CancelledOutcome()
	}
}

// RequestPermission registers a pending request, surfaces it to the
// application through telemetry, and waits for a decision. Timeout or a lost
// decision channel resolves to cancelled.
func (h *Handler) RequestPermission(ctx context.Context, params *acp.RequestPermissionParams) (*acp.RequestPermissionResult, error) {
	requestID := fmt.Sprintf("perm-%d", h.permCounter.Add(1))
	terminalID, _ := h.boundTerminal(params.SessionID)

	ch := make(chan acp.PermissionOutcome, 1)
	h.permMu.Lock()
	h.pending[requestID] = ch
	h.permMu.Unlock()

	h.hub.Publish(telemetry.Event{
		Type:       telemetry.EventPermissionRequest,
		SessionID:  params.SessionID,
		TerminalID: terminalID,
		Data: map[string]any{
			"requestId":  requestID,
			"toolCallId": params.ToolCall.ToolCallID,
			"title":      params.ToolCall.Title,
			"kind":       params.ToolCall.Kind,
			"options":    params.Options,
		},
	})

	timer := time.NewTimer(h.permTimeout)
	defer timer.Stop()

	var outcome acp.PermissionOutcome
	select {
	case outcome = <-ch:
	case <-timer.C:
		h.abandonPermission(requestID)
		outcome = acp.CancelledOutcome()
	case <-ctx.Done():
		h.abandonPermission(requestID)
		outcome = acp.CancelledOutcome()
	}

	metricPermissionOutcomes.WithLabelValues(outcome.Outcome).Inc()
	return &acp.RequestPermissionResult{Outcome: outcome}, nil
}

// abandonPermission deregisters a request so a late decision is a no-op.
func (h *Handler) abandonPermission(requestID string) {
	h.permMu.Lock()
	delete(h.pending, requestID)
	h.permMu.Unlock()
}

func (h *Handler) SessionUpdate(ctx context.Context, note *acp.SessionUpdateNotification) {
	update := note.Update
	switch update.SessionUpdate {
	case acp.SessionUpdateAgentMessageChunk:
		if update.Content != nil && update.Content.Type == "text" {
			h.publishSession(telemetry.EventSessionContent, note.SessionID, map[string]any{"text": update.Content.Text})
		}
	case acp.SessionUpdateAgentThoughtChunk:
		if update.Content != nil && update.Content.Type == "text" {
			h.publishSession(telemetry.EventSessionThought, note.SessionID, map[string]any{"text": update.Content.Text})
		}
	case acp.SessionUpdateToolCall:
		h.publishSession(telemetry.EventSessionToolCall, note.SessionID, map[string]any{
			"id":    update.ToolCallID,
			"title": update.Title,
			"kind":  update.Kind,
		})
	case acp.SessionUpdateToolCallUpdate:
		h.publishSession(telemetry.EventSessionToolUpdate, note.SessionID, map[string]any{
			"id":     update.ToolCallID,
			"status": update.Status,
		})
	}
}

func (h *Handler) publishSession(eventType telemetry.EventType, sessionID string, data map[string]any) {
	h.hub.Publish(telemetry.Event{Type: eventType, SessionID: sessionID, Data: data})
}

func (h *Handler) ReadTextFile(ctx context.Context, params *acp.ReadTextFileParams) (*acp.ReadTextFileResult, error) {
	terminalID, err := h.fileRequestTerminal(params.SessionID, params.Path)
	if err != nil {
		return nil, err
	}

	content, readErr := h.files.ReadRegion(ctx, terminalID, params.Path, uint32Ptr(params.Line), uint32Ptr(params.Limit))
	if readErr != nil {
		metricCallbackErrors.WithLabelValues(acp.MethodReadTextFile).Inc()
		return nil, acp.NewInternalError(readErr.Error())
	}
	return &acp.ReadTextFileResult{Content: content}, nil
}

func (h *Handler) WriteTextFile(ctx context.Context, params *acp.WriteTextFileParams) (*acp.WriteTextFileResult, error) {
	terminalID, err := h.fileRequestTerminal(params.SessionID, params.Path)
	if err != nil {
		return nil, err
	}

	if writeErr := h.files.WriteText(ctx, terminalID, params.Path, params.Content); writeErr != nil {
		metricCallbackErrors.WithLabelValues(acp.MethodWriteTextFile).Inc()
		return nil, acp.NewInternalError(writeErr.Error())
	}
	return &acp.WriteTextFileResult{}, nil
}

// fileRequestTerminal validates the shared preconditions of fs callbacks:
// an absolute path and a session bound to a host terminal.
func (h *Handler) fileRequestTerminal(sessionID, path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", acp.NewInvalidParams(map[string]any{
			"reason": "path must be absolute",
			"path":   path,
		})
	}
	terminalID, ok := h.boundTerminal(sessionID)
	if !ok {
		return "", acp.NewInvalidParams(map[string]any{
			"reason":    "session is not bound to a terminal",
			"sessionId": sessionID,
		})
	}
	return terminalID, nil
}

func (h *Handler) CreateTerminal(ctx context.Context, params *acp.CreateTerminalParams) (*acp.CreateTerminalResult, error) {
	hostTerminalID, ok := h.boundTerminal(params.SessionID)
	if !ok {
		return nil, acp.NewInvalidParams(map[string]any{
			"reason":    "session is not bound to a terminal",
			"sessionId": params.SessionID,
		})
	}

	if err := h.runner.Detect(ctx); err != nil {
		return nil, acp.NewMethodNotFound(map[string]any{
			"reason": "tmux unavailable",
			"detail": err.Error(),
		})
	}
	if !h.registry.TerminalEnabled(hostTerminalID) {
		return nil, acp.NewMethodNotFound(map[string]any{
			"reason":     "tmux disabled for this terminal",
			"terminalId": hostTerminalID,
		})
	}

	requested := requestedMode(params.Meta)
	mode, source := h.cfg.ResolveCommandMode(requested)
	h.log.WithTerminal(hostTerminalID).Info("tmux mode resolved",
		slog.String("requested", requestedModeString(requested)),
		slog.String("applied", string(mode)),
		slog.String("source", string(source)))

	sessionName, assigned := h.registry.SessionName(hostTerminalID)
	if !assigned {
		base := tmux.SessionBaseName(params.Cwd, hostTerminalID)
		chosen, err := h.runner.FindAvailableName(ctx, base, h.registry.AssignedSessionNames())
		if err != nil {
			return nil, acp.NewInternalError(err.Error())
		}
		h.registry.SetSessionName(hostTerminalID, chosen)
		sessionName = chosen
	}

	if err := h.runner.EnsureSession(ctx, sessionName, params.Cwd); err != nil {
		return nil, acp.NewInternalError(err.Error())
	}

	spec := tmux.CommandSpec{
		Command: params.Command,
		Args:    params.Args,
		Env:     commandEnv(params.Env),
		Cwd:     params.Cwd,
	}
	paneID, err := h.runner.CreatePane(ctx, sessionName, mode, spec)
	if err != nil {
		metricCallbackErrors.WithLabelValues(acp.MethodCreateTerminal).Inc()
		return nil, acp.NewInternalError(err.Error())
	}

	commandID := h.registry.RegisterCommand(hostTerminalID, paneID, params.OutputByteLimit)
	metricTerminalsCreated.Inc()
	metricActiveCommands.Inc()

	return &acp.CreateTerminalResult{TerminalID: commandID}, nil
}

func (h *Handler) TerminalOutput(ctx context.Context, params *acp.TerminalOutputParams) (*acp.TerminalOutputResult, error) {
	command, err := h.lookupCommand(params.TerminalID)
	if err != nil {
		return nil, err
	}

	output, captureErr := h.runner.CapturePane(ctx, command.PaneID)
	if captureErr != nil {
		return nil, acp.NewInternalError(captureErr.Error())
	}
	state, stateErr := h.runner.PaneState(ctx, command.PaneID)
	if stateErr != nil {
		return nil, acp.NewInternalError(stateErr.Error())
	}

	truncated, wasTruncated := tmux.TruncateOutput(output, command.OutputByteLimit)
	result := &acp.TerminalOutputResult{Output: truncated, Truncated: wasTruncated}
	if state.Dead {
		result.ExitStatus = &acp.TerminalExitStatus{ExitCode: state.ExitCode}
	}
	return result, nil
}

func (h *Handler) WaitForTerminalExit(ctx context.Context, params *acp.WaitForTerminalExitParams) (*acp.WaitForTerminalExitResult, error) {
	command, err := h.lookupCommand(params.TerminalID)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		state, stateErr := h.runner.PaneState(ctx, command.PaneID)
		if stateErr != nil {
			return nil, acp.NewInternalError(stateErr.Error())
		}
		if state.Dead {
			return &acp.WaitForTerminalExitResult{
				ExitStatus: acp.TerminalExitStatus{ExitCode: state.ExitCode},
			}, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *Handler) KillTerminal(ctx context.Context, params *acp.KillTerminalParams) (*acp.KillTerminalResult, error) {
	command, err := h.lookupCommand(params.TerminalID)
	if err != nil {
		return nil, err
	}

	if killErr := h.runner.InterruptPane(ctx, command.PaneID); killErr != nil {
		return nil, acp.NewInternalError(killErr.Error())
	}
	return &acp.KillTerminalResult{}, nil
}

func (h *Handler) ReleaseTerminal(ctx context.Context, params *acp.ReleaseTerminalParams) (*acp.ReleaseTerminalResult, error) {
	command, ok := h.registry.RemoveCommand(params.TerminalID)
	if !ok {
		return nil, acp.NewInvalidParams(map[string]any{
			"reason":     "unknown tmux terminal id",
			"terminalId": params.TerminalID,
		})
	}
	metricActiveCommands.Dec()

	// Pane kill failures never fail the release.
	if killErr := h.runner.KillPane(ctx, command.PaneID); killErr != nil {
		h.log.WithPane(command.PaneID).Warn("failed to kill pane while releasing terminal",
			slog.String("command_id", params.TerminalID),
			slog.String("error", killErr.Error()))
	}
	return &acp.ReleaseTerminalResult{}, nil
}

// CleanupTerminal tears down everything owned by a closed host terminal: all
// session bindings, every managed pane, and the assigned tmux session. Kill
// failures are logged, not surfaced.
func (h *Handler) CleanupTerminal(ctx context.Context, terminalID string) {
	h.UnbindTerminal(terminalID)

	sessionName, paneIDs := h.registry.RemoveTerminal(terminalID)
	for _, paneID := range paneIDs {
		metricActiveCommands.Dec()
		if err := h.runner.KillPane(ctx, paneID); err != nil {
			h.log.WithPane(paneID).Warn("failed to kill pane during terminal cleanup",
				slog.String("error", err.Error()))
		}
	}
	if sessionName != "" {
		if err := h.runner.KillSession(ctx, sessionName); err != nil {
			h.log.WithTerminal(terminalID).Warn("failed to kill session during terminal cleanup",
				slog.String("session", sessionName),
				slog.String("error", err.Error()))
		}
	}
}

func (h *Handler) lookupCommand(commandID string) (tmux.ManagedCommand, error) {
	command, ok := h.registry.Command(commandID)
	if !ok {
		return tmux.ManagedCommand{}, acp.NewInvalidParams(map[string]any{
			"reason":     "unknown tmux terminal id",
			"terminalId": commandID,
		})
	}
	return command, nil
}

func requestedMode(meta map[string]any) *tmux.CommandMode {
	if meta == nil {
		return nil
	}
	value, ok := meta[modeMetaKey].(string)
	if !ok {
		return nil
	}
	mode, ok := tmux.ParseCommandMode(value)
	if !ok {
		return nil
	}
	return &mode
}

func requestedModeString(mode *tmux.CommandMode) string {
	if mode == nil {
		return "none"
	}
	return string(*mode)
}

func commandEnv(env []acp.EnvVariable) []tmux.EnvVar {
	out := make([]tmux.EnvVar, 0, len(env))
	for _, v := range env {
		out = append(out, tmux.EnvVar{Name: v.Name, Value: v.Value})
	}
	return out
}

func uint32Ptr(v *int) *uint32 {
	if v == nil || *v < 0 {
		return nil
	}
	u := uint32(*v)
	return &u
}
