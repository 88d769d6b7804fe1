// Package acp implements the host side of the Agent Client Protocol (ACP),
// a JSON-RPC 2.0 protocol over stdio between an editor host (Tide) and an
// external AI coding agent. Tide is the client: it spawns the agent process,
// initiates sessions and prompts, and answers agent-initiated callbacks for
// permissions, file access, and terminals.
//
// See: https://agentclientprotocol.com
package acp

import "encoding/json"

// ProtocolVersion is the ACP protocol version we speak.
const ProtocolVersion uint16 = 1

// JSON-RPC 2.0 Message Types

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It doubles as a Go error so callback
// handlers can return protocol-shaped failures directly.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// NewInvalidParams builds an invalid-params error carrying structured data.
func NewInvalidParams(data interface{}) *Error {
	return &Error{Code: ErrCodeInvalidParams, Message: "Invalid params", Data: data}
}

// NewMethodNotFound builds a method-not-found error. ACP uses this to signal
// that a capability (e.g. terminals) is not offered, not just unknown methods.
func NewMethodNotFound(data interface{}) *Error {
	return &Error{Code: ErrCodeMethodNotFound, Message: "Method not found", Data: data}
}

// NewInternalError wraps a collaborator failure as a protocol internal error.
func NewInternalError(data interface{}) *Error {
	return &Error{Code: ErrCodeInternal, Message: "Internal error", Data: data}
}

// Method names.
const (
	MethodInitialize          = "initialize"
	MethodSessionNew          = "session/new"
	MethodSessionPrompt       = "session/prompt"
	MethodSessionCancel       = "session/cancel"
	MethodSessionUpdate       = "session/update"
	MethodRequestPermission   = "session/request_permission"
	MethodReadTextFile        = "fs/read_text_file"
	MethodWriteTextFile       = "fs/write_text_file"
	MethodCreateTerminal      = "terminal/create"
	MethodTerminalOutput      = "terminal/output"
	MethodWaitForTerminalExit = "terminal/wait_for_exit"
	MethodKillTerminal        = "terminal/kill"
	MethodReleaseTerminal     = "terminal/release"
)

// Initialization Types

type InitializeParams struct {
	ProtocolVersion    uint16              `json:"protocolVersion"`
	ClientInfo         *Implementation     `json:"clientInfo,omitempty"`
	ClientCapabilities *ClientCapabilities `json:"clientCapabilities,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion   uint16            `json:"protocolVersion"`
	AgentInfo         *Implementation   `json:"agentInfo,omitempty"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities,omitempty"`
}

// Implementation describes a client or agent implementation.
type Implementation struct {
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Title   *string `json:"title,omitempty"`
}

// ClientCapabilities declares what the host offers the agent.
type ClientCapabilities struct {
	FS       FileSystemCapability `json:"fs,omitempty"`
	Terminal bool                 `json:"terminal,omitempty"`
	Meta     map[string]any       `json:"_meta,omitempty"`
}

// FileSystemCapability describes filesystem proxy support.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// AgentCapabilities describes what the agent supports.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession,omitempty"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities,omitempty"`
}

type PromptCapabilities struct {
	Audio           bool `json:"audio,omitempty"`
	EmbeddedContext bool `json:"embeddedContext,omitempty"`
	Image           bool `json:"image,omitempty"`
}

// Session Types

type NewSessionParams struct {
	Cwd        string            `json:"cwd"`
	McpServers []json.RawMessage `json:"mcpServers"`
}

type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// Prompt Types

type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type PromptResult struct {
	StopReason string `json:"stopReason"`
}

type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock represents a piece of prompt or response content.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	URI      string          `json:"uri,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NewTextContent creates a text content block.
func NewTextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// Session Update Types (notifications from agent to client)

type SessionUpdateNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is the update payload for a session/update notification.
type SessionUpdate struct {
	SessionUpdate string        `json:"sessionUpdate"`
	Content       *ContentBlock `json:"content,omitempty"`

	ToolCallID string `json:"toolCallId,omitempty"`
	Title      string `json:"title,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Status     string `json:"status,omitempty"`
}

const (
	SessionUpdateUserMessageChunk  = "user_message_chunk"
	SessionUpdateAgentMessageChunk = "agent_message_chunk"
	SessionUpdateAgentThoughtChunk = "agent_thought_chunk"
	SessionUpdateToolCall          = "tool_call"
	SessionUpdateToolCallUpdate    = "tool_call_update"
)

// Permission Types (agent -> client)

type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// ToolCallRef identifies the tool call a permission request is about.
type ToolCallRef struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PermissionOutcome is either a selected option or a cancellation.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

const (
	PermissionOutcomeSelected  = "selected"
	PermissionOutcomeCancelled = "cancelled"
)

// SelectedOutcome builds an outcome for a chosen option.
func SelectedOutcome(optionID string) PermissionOutcome {
	return PermissionOutcome{Outcome: PermissionOutcomeSelected, OptionID: optionID}
}

// CancelledOutcome builds a cancelled outcome.
func CancelledOutcome() PermissionOutcome {
	return PermissionOutcome{Outcome: PermissionOutcomeCancelled}
}

type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// File System Types (agent -> client)

type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

type ReadTextFileResult struct {
	Content string `json:"content"`
}

type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

type WriteTextFileResult struct{}

// Terminal Types (agent -> client)

// EnvVariable is a name/value pair for the command environment.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type CreateTerminalParams struct {
	SessionID       string         `json:"sessionId"`
	Command         string         `json:"command"`
	Args            []string       `json:"args,omitempty"`
	Env             []EnvVariable  `json:"env,omitempty"`
	Cwd             string         `json:"cwd,omitempty"`
	OutputByteLimit *uint64        `json:"outputByteLimit,omitempty"`
	Meta            map[string]any `json:"_meta,omitempty"`
}

type CreateTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

type TerminalOutputParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

type TerminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// TerminalExitStatus reports how a terminal command ended.
type TerminalExitStatus struct {
	ExitCode *uint32 `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

type WaitForTerminalExitParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

type WaitForTerminalExitResult struct {
	ExitStatus TerminalExitStatus `json:"exitStatus"`
}

type KillTerminalParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

type KillTerminalResult struct{}

type ReleaseTerminalParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

type ReleaseTerminalResult struct{}
