// Package agenthost supervises the external ACP agent process and answers
// its protocol callbacks. The connection object is confined to one worker
// goroutine; host threads reach it only through a bounded command channel
// with per-call reply channels.
package agenthost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"log/slog"

	"github.com/tidecode/tide/pkg/acp"
	"github.com/tidecode/tide/pkg/install"
	"github.com/tidecode/tide/pkg/logging"
	"github.com/tidecode/tide/pkg/telemetry"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
)

// commandChannelCap bounds how many host commands can queue for the
// connection worker before senders block.
const commandChannelCap = 32

// ErrNotRunning is returned for session and prompt calls without a running
// agent.
var ErrNotRunning = errors.New("no agent running")

// errWorkerDied reports a connection worker that exited with work queued.
var errWorkerDied = errors.New("agent worker died")

type sessionReply struct {
	sessionID string
	err       error
}

type promptReply struct {
	stopReason string
	err        error
}

type newSessionCommand struct {
	cwd        string
	terminalID string
	reply      chan sessionReply
}

type promptCommand struct {
	sessionID string
	prompt    []acp.ContentBlock
	reply     chan promptReply
}

type cancelCommand struct {
	sessionID string
}

type shutdownCommand struct{}

// Supervisor owns the agent process lifecycle: spawn (with a one-shot managed
// install retry), handshake, command dispatch, and teardown. One agent at a
// time; Start fails while a previous run is active.
type Supervisor struct {
	log       *logging.Logger
	hub       *telemetry.Hub
	handler   *Handler
	installer *install.Installer
	spawn     func(path string) (*agentProcess, error)

	mu          sync.Mutex
	state       State
	stateDetail string
	cmds        chan interface{}
	done        chan struct{}
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithInstaller overrides the managed binary installer.
func WithInstaller(inst *install.Installer) SupervisorOption {
	return func(s *Supervisor) { s.installer = inst }
}

// NewSupervisor creates a stopped supervisor.
func NewSupervisor(log *logging.Logger, hub *telemetry.Hub, handler *Handler, opts ...SupervisorOption) *Supervisor {
	if log == nil {
		log = logging.New("supervisor", slog.LevelInfo)
	}
	s := &Supervisor{
		log:     log,
		hub:     hub,
		handler: handler,
		spawn:   spawnAgent,
		state:   StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.installer == nil {
		s.installer = install.New(install.WithStatus(s.installStatus))
	}
	return s
}

// Handler returns the callback handler, for host-side operations like
// permission decisions and terminal cleanup.
func (s *Supervisor) Handler() *Handler {
	return s.handler
}

// Status reports the lifecycle state and, for StateError, its message.
func (s *Supervisor) Status() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.stateDetail
}

func (s *Supervisor) setState(state State, detail string) {
	s.mu.Lock()
	s.state = state
	s.stateDetail = detail
	s.mu.Unlock()

	data := map[string]any{"state": string(state)}
	if detail != "" {
		data["detail"] = detail
	}
	s.hub.Publish(telemetry.Event{Type: telemetry.EventAgentStatus, Data: data})
}

func (s *Supervisor) installStatus(phase install.Phase, message string) {
	s.hub.Publish(telemetry.Event{
		Type: telemetry.EventInstallStatus,
		Data: map[string]any{
			"phase":   string(phase),
			"message": message,
			"version": install.Version,
		},
	})
}

// Start spawns the agent and performs the protocol handshake. It blocks
// until the connection is ready or setup failed; the connection itself runs
// on a dedicated worker goroutine. Spawning the default unqualified agent
// command that is not on PATH triggers a managed install and one respawn.
func (s *Supervisor) Start(ctx context.Context, agentPath string) error {
	s.mu.Lock()
	if s.cmds != nil || s.state == StateStarting {
		s.mu.Unlock()
		return errors.New("agent already running, stop it first")
	}
	s.state = StateStarting
	s.stateDetail = ""
	s.mu.Unlock()
	s.hub.Publish(telemetry.Event{Type: telemetry.EventAgentStatus, Data: map[string]any{"state": string(StateStarting)}})

	s.handler.CancelPendingPermissions()
	s.handler.ClearBindings()

	cmds := make(chan interface{}, commandChannelCap)
	ready := make(chan error, 1)
	done := make(chan struct{})

	go s.worker(agentPath, cmds, ready, done)

	var err error
	select {
	case err = <-ready:
	case <-ctx.Done():
		err = ctx.Err()
		// The worker may still come up; make sure it winds down.
		select {
		case cmds <- shutdownCommand{}:
		default:
		}
	}
	if err != nil {
		metricAgentStarts.WithLabelValues("error").Inc()
		s.setState(StateError, err.Error())
		return err
	}

	s.mu.Lock()
	s.cmds = cmds
	s.done = done
	s.mu.Unlock()
	metricAgentStarts.WithLabelValues("ok").Inc()
	s.setState(StateRunning, "")
	return nil
}

// Stop shuts the worker down and joins it. Unconditional: even if the worker
// is already gone, pending permissions are cancelled, bindings cleared, and
// the state ends at Stopped.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmds, done := s.cmds, s.done
	s.cmds, s.done = nil, nil
	s.mu.Unlock()

	s.handler.CancelPendingPermissions()
	s.handler.ClearBindings()

	if cmds != nil {
		select {
		case cmds <- shutdownCommand{}:
		case <-done:
		}
	}
	if done != nil {
		<-done
	}

	s.setState(StateStopped, "")
	return nil
}

// NewSession asks the agent for a session rooted at workingDir and binds it
// to the host terminal it was opened from.
func (s *Supervisor) NewSession(ctx context.Context, workingDir, terminalID string) (string, error) {
	cmds, done, err := s.channel()
	if err != nil {
		return "", err
	}

	reply := make(chan sessionReply, 1)
	select {
	case cmds <- newSessionCommand{cwd: workingDir, terminalID: terminalID, reply: reply}:
	case <-done:
		return "", errWorkerDied
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-reply:
		return r.sessionID, r.err
	case <-done:
		return "", errWorkerDied
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Prompt sends user messages (optionally preceded by a context block) and
// blocks until the agent reports a stop reason.
func (s *Supervisor) Prompt(ctx context.Context, sessionID string, messages []string, contextText string) (string, error) {
	cmds, done, err := s.channel()
	if err != nil {
		return "", err
	}

	blocks := make([]acp.ContentBlock, 0, len(messages)+1)
	if contextText != "" {
		blocks = append(blocks, acp.NewTextContent(contextText))
	}
	for _, msg := range messages {
		blocks = append(blocks, acp.NewTextContent(msg))
	}

	reply := make(chan promptReply, 1)
	select {
	case cmds <- promptCommand{sessionID: sessionID, prompt: blocks, reply: reply}:
	case <-done:
		return "", errWorkerDied
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-reply:
		return r.stopReason, r.err
	case <-done:
		return "", errWorkerDied
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CancelPrompt tells the agent to stop the session's current prompt.
// Best-effort; dropped if the worker is gone or its queue is full.
func (s *Supervisor) CancelPrompt(sessionID string) {
	cmds, done, err := s.channel()
	if err != nil {
		return
	}
	select {
	case cmds <- cancelCommand{sessionID: sessionID}:
	case <-done:
	default:
	}
}

// RespondPermission forwards the application's permission decision.
func (s *Supervisor) RespondPermission(requestID string, optionID *string) error {
	return s.handler.RespondPermission(requestID, optionID)
}

func (s *Supervisor) channel() (chan interface{}, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmds == nil {
		return nil, nil, ErrNotRunning
	}
	return s.cmds, s.done, nil
}

type agentProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// kill tears the child down. Guaranteed on worker exit so the process never
// outlives its supervisor.
func (p *agentProcess) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
}

func spawnAgent(path string) (*agentProcess, error) {
	cmd := exec.Command(path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &agentProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// worker owns the agent process and connection for one run. It spawns,
// handshakes, reports readiness, then serializes host commands until
// shutdown. Teardown always cancels pending permissions, clears bindings,
// and kills the child.
func (s *Supervisor) worker(agentPath string, cmds chan interface{}, ready chan<- error, done chan struct{}) {
	defer close(done)

	s.installStatus(install.PhaseStarting, "Starting agent...")

	proc, err := s.spawn(agentPath)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) && install.IsDefaultAgentPath(agentPath) {
			proc, err = s.installAndRespawn()
			if err != nil {
				ready <- err
				return
			}
		} else {
			ready <- fmt.Errorf("failed to spawn agent %q: %w", agentPath, err)
			return
		}
	}

	defer func() {
		s.handler.CancelPendingPermissions()
		s.handler.ClearBindings()
		proc.kill()
	}()

	go s.drainStderr(proc.stderr)

	conn := acp.NewClientConn(s.handler, proc.stdout, proc.stdin)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		if runErr := conn.Run(runCtx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			s.log.Warn("connection loop ended", slog.String("error", runErr.Error()))
		}
	}()

	tmuxAvailable := s.handler.runner.Detect(runCtx) == nil
	title := "Tide IDE"
	initResult, err := conn.Initialize(runCtx, &acp.InitializeParams{
		ProtocolVersion: acp.ProtocolVersion,
		ClientInfo:      &acp.Implementation{Name: "tide", Version: "0.1.0", Title: &title},
		ClientCapabilities: &acp.ClientCapabilities{
			FS:       acp.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
			Terminal: tmuxAvailable,
			Meta:     map[string]any{"terminal_output": tmuxAvailable},
		},
	})
	if err != nil {
		msg := fmt.Sprintf("agent initialize failed: %v", err)
		s.installStatus(install.PhaseError, msg)
		ready <- errors.New(msg)
		return
	}

	agentName := ""
	if initResult.AgentInfo != nil {
		agentName = initResult.AgentInfo.Name
	}
	s.log.Info("agent initialized",
		slog.String("agent", agentName),
		slog.Bool("terminal_capability", tmuxAvailable))
	s.installStatus(install.PhaseDone, "Agent is ready.")
	ready <- nil

	for raw := range cmds {
		switch cmd := raw.(type) {
		case newSessionCommand:
			result, sessErr := conn.NewSession(runCtx, &acp.NewSessionParams{Cwd: cmd.cwd})
			if sessErr != nil {
				cmd.reply <- sessionReply{err: fmt.Errorf("failed to create session: %w", sessErr)}
				continue
			}
			s.handler.BindSession(result.SessionID, cmd.terminalID)
			cmd.reply <- sessionReply{sessionID: result.SessionID}

		case promptCommand:
			result, promptErr := conn.Prompt(runCtx, &acp.PromptParams{SessionID: cmd.sessionID, Prompt: cmd.prompt})
			if promptErr != nil {
				s.hub.Publish(telemetry.Event{
					Type:      telemetry.EventSessionError,
					SessionID: cmd.sessionID,
					Data:      map[string]any{"error": promptErr.Error()},
				})
				cmd.reply <- promptReply{err: fmt.Errorf("prompt failed: %w", promptErr)}
				continue
			}
			s.hub.Publish(telemetry.Event{
				Type:      telemetry.EventSessionDone,
				SessionID: cmd.sessionID,
				Data:      map[string]any{"stopReason": result.StopReason},
			})
			cmd.reply <- promptReply{stopReason: result.StopReason}

		case cancelCommand:
			if cancelErr := conn.Cancel(cmd.sessionID); cancelErr != nil {
				s.log.Warn("cancel notification failed",
					slog.String("session_id", cmd.sessionID),
					slog.String("error", cancelErr.Error()))
			}

		case shutdownCommand:
			return
		}
	}
}

// installAndRespawn materializes the managed agent binary and retries the
// spawn once. Any failure here is terminal to the start attempt.
func (s *Supervisor) installAndRespawn() (*agentProcess, error) {
	resolved, installErr := s.installer.EnsureInstalled(context.Background())
	if installErr != nil {
		msg := fmt.Sprintf("failed to prepare managed codex-acp: %v. Install manually from %s", installErr, install.ReleasesURL)
		s.installStatus(install.PhaseError, msg)
		return nil, errors.New(msg)
	}

	proc, err := s.spawn(resolved)
	if err != nil {
		msg := fmt.Sprintf("installed codex-acp at %q but failed to spawn it: %v. Install manually from %s", resolved, err, install.ReleasesURL)
		s.installStatus(install.PhaseError, msg)
		return nil, errors.New(msg)
	}
	return proc, nil
}

// drainStderr relays agent diagnostics into our log until the pipe closes.
func (s *Supervisor) drainStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			s.log.Debug("agent stderr", slog.String("output", string(buf[:n])))
		}
		if err != nil {
			return
		}
	}
}
