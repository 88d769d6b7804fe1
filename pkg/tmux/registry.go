package tmux

import (
	"strconv"
	"sync"
)

// ManagedCommand binds a protocol terminal handle to a tmux pane.
type ManagedCommand struct {
	HostTerminalID  string
	PaneID          string
	OutputByteLimit *uint64
}

type terminalPolicy struct {
	enabled     bool
	sessionName string
}

// Registry tracks per-terminal tmux policy and managed command panes. It is
// shared between the connection goroutine and host threads; the mutex is held
// only for map access, never across tmux calls.
type Registry struct {
	mu        sync.Mutex
	terminals map[string]*terminalPolicy
	commands  map[string]ManagedCommand
	nextID    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		terminals: make(map[string]*terminalPolicy),
		commands:  make(map[string]ManagedCommand),
		nextID:    1,
	}
}

// policy entries are created lazily on first query, enabled by default.
func (r *Registry) entry(terminalID string) *terminalPolicy {
	p, ok := r.terminals[terminalID]
	if !ok {
		p = &terminalPolicy{enabled: true}
		r.terminals[terminalID] = p
	}
	return p
}

// TerminalEnabled reports whether multiplexing is enabled for the terminal.
func (r *Registry) TerminalEnabled(terminalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry(terminalID).enabled
}

// SetTerminalEnabled toggles multiplexing for the terminal.
func (r *Registry) SetTerminalEnabled(terminalID string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(terminalID).enabled = enabled
}

// SessionName returns the session name assigned to the terminal, if any.
func (r *Registry) SessionName(terminalID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := r.entry(terminalID).sessionName
	return name, name != ""
}

// SetSessionName assigns a session name to the terminal. Assigned once and
// reused for the terminal's lifetime.
func (r *Registry) SetSessionName(terminalID, sessionName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(terminalID).sessionName = sessionName
}

// AssignedSessionNames returns every session name currently reserved in
// memory, for collision avoidance during naming.
func (r *Registry) AssignedSessionNames() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make(map[string]bool, len(r.terminals))
	for _, p := range r.terminals {
		if p.sessionName != "" {
			names[p.sessionName] = true
		}
	}
	return names
}

// RegisterCommand records a new managed command pane and returns its id,
// which becomes the protocol terminal handle.
func (r *Registry) RegisterCommand(hostTerminalID, paneID string, outputByteLimit *uint64) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	commandID := "tmux-" + strconv.FormatUint(r.nextID, 10)
	r.nextID++

	r.commands[commandID] = ManagedCommand{
		HostTerminalID:  hostTerminalID,
		PaneID:          paneID,
		OutputByteLimit: outputByteLimit,
	}
	return commandID
}

// Command looks up a managed command by id.
func (r *Registry) Command(commandID string) (ManagedCommand, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[commandID]
	return cmd, ok
}

// RemoveCommand removes and returns the managed command. After removal the
// id is gone for good; lookups report not-found.
func (r *Registry) RemoveCommand(commandID string) (ManagedCommand, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[commandID]
	if ok {
		delete(r.commands, commandID)
	}
	return cmd, ok
}

// RemoveTerminal tears down the terminal's bookkeeping: its policy entry and
// every managed command it owns. Returns the assigned session name (if any)
// and the owned pane ids so the caller can cascade the kills.
func (r *Registry) RemoveTerminal(terminalID string) (string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sessionName string
	if p, ok := r.terminals[terminalID]; ok {
		sessionName = p.sessionName
		delete(r.terminals, terminalID)
	}

	var paneIDs []string
	for id, cmd := range r.commands {
		if cmd.HostTerminalID == terminalID {
			paneIDs = append(paneIDs, cmd.PaneID)
			delete(r.commands, id)
		}
	}
	return sessionName, paneIDs
}
