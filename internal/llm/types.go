package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Part represents a single content part.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolCall is a model-requested tool invocation, reassembled from
// streamed deltas. Index is the provider-assigned position used to
// route deltas while the call was being accumulated.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	Index     int
}

// ToolResult is the output from executing a tool call.
type ToolResult struct {
	ID      string
	Name    string
	Content string
	IsError bool
}

// ToolExecution records the outcome of one executed tool call,
// in the original fragment order.
type ToolExecution struct {
	Name    string
	RawArgs string
	ID      string
	Index   int
	Content string
	Err     string
}

// IsError reports whether this execution failed (parse or tool error).
func (e ToolExecution) IsError() bool {
	return e.Err != ""
}

// ToolSpec describes a callable tool as sent to the provider.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolDescription is the name/description pair rendered into the
// system prompt.
type ToolDescription struct {
	Name        string
	Description string
}

// ContentPart is one element of a tool's structured output.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolOutput is the structured result returned by the tool manager.
type ToolOutput struct {
	Content []ContentPart `json:"content"`
}

// Text flattens all text content parts into a single string.
func (o ToolOutput) Text() string {
	var out string
	for _, part := range o.Content {
		if part.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += part.Text
	}
	return out
}

// AuthContext carries the caller's identity through to tool execution.
// The engine never interprets Extra; it is passed through unchanged.
type AuthContext struct {
	UserID       string
	DisplayName  string
	Elevated     bool
	Personalized bool
	Extra        map[string]any
}

// ToolManager is the external collaborator that owns tool lookup,
// schema retrieval, and execution.
type ToolManager interface {
	// ValidateSelected reports whether every requested name is known,
	// returning the names that were not found.
	ValidateSelected(names []string) (bool, []string)
	// SelectedSpecs returns provider-ready specs for exactly the
	// requested, known tool names.
	SelectedSpecs(names []string) []ToolSpec
	// Describe returns name/description pairs for prompt rendering.
	Describe(names []string) []ToolDescription
	// Names lists every registered tool name.
	Names() []string
	// Execute runs a tool with already-parsed arguments.
	Execute(ctx context.Context, name string, args map[string]any, auth *AuthContext) (ToolOutput, error)
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Add accumulates another usage report into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// EventType describes streaming events.
type EventType string

const (
	EventInit           EventType = "init"
	EventText           EventType = "text"
	EventToolCallsStart EventType = "tool_calls_start"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallResult EventType = "tool_call_result"
	EventToolCallError  EventType = "tool_call_error"
	EventToolCallsEnd   EventType = "tool_calls_end"
	EventRetry          EventType = "retry"
	EventWarning        EventType = "warning"
	EventUsage          EventType = "usage"
	EventError          EventType = "error"
	// eventToolCall is internal: the wire codec emits one per
	// accumulated fragment and the engine consumes them before they
	// reach the caller.
	eventToolCall EventType = "tool_call"
)

// Event represents a streamed output update. The stream ends with
// io.EOF from Recv; there is no explicit completion event.
type Event struct {
	Type     EventType
	Text     string
	Provider string // For EventInit: provider identity in use
	Model    string // For EventInit
	Source   string // For EventInit: "system" or "caller" configuration
	Tool     *ToolCall
	Result   *ToolExecution
	Use      *Usage
	Err      error
	// Retry fields (for EventRetry)
	RetryAttempt     int
	RetryMaxAttempts int
	RetryWaitSecs    float64
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single provider call, streaming or not.
type Request struct {
	Model          string
	Messages       []Message
	Tools          []ToolSpec
	ToolChoice     string // "auto" when tools are attached
	Temperature    float64
	MaxTokens      int
	ResponseFormat string // "json" requests a JSON response object
	Stream         bool
	// MaxChunks caps how many streamed chunks are processed before the
	// turn is force-terminated. Zero means the default first-turn cap.
	MaxChunks int
}

// Completion is a non-streaming provider response.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Use       *Usage
}

// Client is a provider-bound chat client. Built from the effective
// configuration; rebuilt only when provider identity, credentials,
// endpoint, or custom headers change.
type Client interface {
	Provider() string
	Model() string
	// Source reports whether the client was built from system or
	// caller-provided configuration.
	Source() string
	// Timeout is the per-call deadline the client enforces; zero
	// means no deadline. Providers may raise it above the configured
	// value (self-hosted inference gets a floor).
	Timeout() time.Duration
	Stream(ctx context.Context, req Request) (Stream, error)
	Complete(ctx context.Context, req Request) (*Completion, error)
}

func SystemText(text string) Message {
	return Message{
		Role:  RoleSystem,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func UserText(text string) Message {
	return Message{
		Role:  RoleUser,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func AssistantText(text string) Message {
	return Message{
		Role:  RoleAssistant,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

// AssistantToolCalls creates the follow-up assistant message whose only
// content is the original tool-call requests.
func AssistantToolCalls(calls []ToolCall) Message {
	parts := make([]Part, 0, len(calls))
	for i := range calls {
		call := calls[i]
		parts = append(parts, Part{Type: PartToolCall, ToolCall: &call})
	}
	return Message{Role: RoleAssistant, Parts: parts}
}

func ToolResultMessage(id, name, content string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type: PartToolResult,
			ToolResult: &ToolResult{
				ID:      id,
				Name:    name,
				Content: content,
			},
		}},
	}
}

// ToolErrorMessage creates a tool result message that indicates an error.
// The error text is forwarded to the model so it can react instead of
// the turn failing outright.
func ToolErrorMessage(id, name, errorText string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type: PartToolResult,
			ToolResult: &ToolResult{
				ID:      id,
				Name:    name,
				Content: errorText,
				IsError: true,
			},
		}},
	}
}
