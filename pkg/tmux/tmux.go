// Package tmux translates abstract terminal operations into tmux session,
// window, and pane commands. It has no protocol knowledge: callers hand it
// commands to place and it hands back pane ids and pane state.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tidecode/tide/pkg/logging"
)

const (
	// primaryWindow is the window split-mode panes attach to. The host's
	// editor lives there; when it is missing we fall back to the session
	// root.
	primaryWindow = "tide-main"

	commandWindowName = "tide-cmd"
	hiddenWindowName  = "tide-cmd-bg"
)

// CommandMode selects how a command pane is placed in a session.
type CommandMode string

const (
	ModeSplit  CommandMode = "split"
	ModeWindow CommandMode = "window"
	ModeHidden CommandMode = "hidden"
)

// ParseCommandMode parses a configured or agent-requested mode string.
func ParseCommandMode(value string) (CommandMode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "split":
		return ModeSplit, true
	case "window":
		return ModeWindow, true
	case "hidden":
		return ModeHidden, true
	default:
		return "", false
	}
}

// EnvVar is an environment assignment prefixed onto the command line.
type EnvVar struct {
	Name  string
	Value string
}

// CommandSpec describes a command to run in a new pane.
type CommandSpec struct {
	Command string
	Args    []string
	Env     []EnvVar
	Cwd     string
}

// PaneState reports pane liveness as tmux sees it.
type PaneState struct {
	Dead     bool
	ExitCode *uint32
}

// Runner executes tmux commands. All operations are out-of-process calls and
// hold no state; pane/session bookkeeping lives in Registry.
type Runner struct {
	log *logging.Logger
}

// NewRunner creates a tmux runner.
func NewRunner(log *logging.Logger) *Runner {
	if log == nil {
		log = logging.New("tmux", slog.LevelInfo)
	}
	return &Runner{log: log}
}

// Detect probes tmux availability via its version command. Any spawn failure
// or non-zero exit means unavailable, with the captured diagnostic.
func (r *Runner) Detect(ctx context.Context) error {
	output, err := exec.CommandContext(ctx, "tmux", "-V").CombinedOutput()
	if err == nil {
		return nil
	}
	diagnostic := strings.TrimSpace(string(output))
	if diagnostic == "" {
		diagnostic = err.Error()
	}
	return fmt.Errorf("tmux unavailable: %s", diagnostic)
}

// HasSession reports whether a session with the given name exists.
func (r *Runner) HasSession(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", name)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("tmux has-session failed: %s", preferredError(output, err))
}

// EnsureSession creates the session detached in the given working directory
// if it does not already exist. Idempotent.
func (r *Runner) EnsureSession(ctx context.Context, name, cwd string) error {
	exists, err := r.HasSession(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	_, err = r.run(ctx, args...)
	return err
}

// CreatePane places a pane per the given mode and types the command into it.
// The pane is marked remain-on-exit so the exit status stays inspectable.
// Returns the tmux pane id.
func (r *Runner) CreatePane(ctx context.Context, session string, mode CommandMode, spec CommandSpec) (string, error) {
	paneID, err := r.createPaneTarget(ctx, session, mode, spec.Cwd)
	if err != nil {
		return "", err
	}
	paneID = strings.TrimSpace(paneID)
	if paneID == "" {
		return "", fmt.Errorf("tmux did not return a pane id")
	}

	if _, err := r.run(ctx, "set-option", "-t", paneID, "remain-on-exit", "on"); err != nil {
		return "", err
	}

	// Two discrete sends: literal command line, then Enter. This mirrors
	// interactive typing and keeps tmux from interpreting the command text.
	shellCommand := buildShellCommand(spec.Command, spec.Args, spec.Env)
	if _, err := r.run(ctx, "send-keys", "-t", paneID, "-l", shellCommand); err != nil {
		return "", err
	}
	if _, err := r.run(ctx, "send-keys", "-t", paneID, "Enter"); err != nil {
		return "", err
	}

	return paneID, nil
}

func (r *Runner) createPaneTarget(ctx context.Context, session string, mode CommandMode, cwd string) (string, error) {
	switch mode {
	case ModeWindow:
		return r.newWindowPane(ctx, session, commandWindowName, cwd)
	case ModeHidden:
		return r.newWindowPane(ctx, session, hiddenWindowName, cwd)
	default:
		return r.splitWindowPane(ctx, session, cwd)
	}
}

func (r *Runner) newWindowPane(ctx context.Context, session, windowName, cwd string) (string, error) {
	args := []string{
		"new-window", "-d",
		"-P", "-F", "#{pane_id}",
		"-n", windowName,
		"-t", session,
	}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	return r.run(ctx, args...)
}

func (r *Runner) splitWindowPane(ctx context.Context, session, cwd string) (string, error) {
	args := []string{
		"split-window", "-d",
		"-P", "-F", "#{pane_id}",
		"-t", session + ":" + primaryWindow,
	}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}

	paneID, err := r.run(ctx, args...)
	if err == nil {
		return paneID, nil
	}

	r.log.Warn("split target unavailable, falling back to session root",
		slog.String("session", session),
		slog.String("error", err.Error()))

	fallback := []string{
		"split-window", "-d",
		"-P", "-F", "#{pane_id}",
		"-t", session,
	}
	if cwd != "" {
		fallback = append(fallback, "-c", cwd)
	}
	return r.run(ctx, fallback...)
}

// CapturePane returns the pane's visible text.
func (r *Runner) CapturePane(ctx context.Context, paneID string) (string, error) {
	return r.run(ctx, "capture-pane", "-p", "-t", paneID)
}

// PaneState queries pane liveness and exit status in one formatted call.
func (r *Runner) PaneState(ctx context.Context, paneID string) (PaneState, error) {
	status, err := r.run(ctx, "display-message", "-p", "-t", paneID, "#{pane_dead}:#{pane_exit_status}")
	if err != nil {
		return PaneState{}, err
	}
	return parsePaneState(status), nil
}

// InterruptPane sends an interrupt key sequence to the pane.
func (r *Runner) InterruptPane(ctx context.Context, paneID string) error {
	_, err := r.run(ctx, "send-keys", "-t", paneID, "C-c")
	return err
}

// KillPane kills the pane. Best-effort; callers may log-and-continue.
func (r *Runner) KillPane(ctx context.Context, paneID string) error {
	_, err := r.run(ctx, "kill-pane", "-t", paneID)
	return err
}

// KillSession kills the whole session. Best-effort.
func (r *Runner) KillSession(ctx context.Context, name string) error {
	_, err := r.run(ctx, "kill-session", "-t", name)
	return err
}

func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("tmux %s failed: %s", strings.Join(args, " "), detail)
	}
	return stdout.String(), nil
}

func preferredError(combined []byte, err error) string {
	if detail := strings.TrimSpace(string(combined)); detail != "" {
		return detail
	}
	return err.Error()
}

// parsePaneState parses "#{pane_dead}:#{pane_exit_status}" leniently: a
// malformed exit code yields no exit code rather than an error or a guess.
func parsePaneState(raw string) PaneState {
	value := strings.TrimSpace(raw)
	dead, rest, found := strings.Cut(value, ":")
	if !found {
		rest = ""
	}

	state := PaneState{Dead: dead == "1"}
	if code, err := strconv.ParseInt(rest, 10, 32); err == nil && code >= 0 {
		exitCode := uint32(code)
		state.ExitCode = &exitCode
	}
	return state
}

// buildShellCommand assembles env assignments plus argv into a single
// shell-quoted command line. Invalid-looking env names are silently dropped.
func buildShellCommand(command string, args []string, env []EnvVar) string {
	parts := make([]string, 0, len(env)+len(args)+1)
	for _, v := range env {
		if validEnvName(v.Name) {
			parts = append(parts, v.Name+"="+shellQuote(v.Value))
		}
	}
	parts = append(parts, shellQuote(command))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, ch := range name {
		switch {
		case ch == '_':
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
