package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	// firstTurnChunkCap bounds how many streamed chunks one turn may
	// deliver before the stream is force-terminated. A provider that
	// never signals completion must not be able to run away.
	firstTurnChunkCap = 2000
	// followUpChunkCap is the tighter bound for the follow-up turn.
	followUpChunkCap = 500
)

// OpenAI-compatible request/response structures.
type wireRequest struct {
	Model          string              `json:"model"`
	Messages       []wireMessage       `json:"messages"`
	Tools          []wireTool          `json:"tools,omitempty"`
	ToolChoice     string              `json:"tool_choice,omitempty"`
	Temperature    *float64            `json:"temperature,omitempty"`
	MaxTokens      *int                `json:"max_tokens,omitempty"`
	Stream         bool                `json:"stream,omitempty"`
	ResponseFormat *wireResponseFormat `json:"response_format,omitempty"`
}

type wireResponseFormat struct {
	Type string `json:"type"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type wireResponse struct {
	ID      string        `json:"id"`
	Choices []wireChoice  `json:"choices"`
	Usage   *wireUsage    `json:"usage,omitempty"`
	Error   *wireAPIError `json:"error,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *wireUsage) usage() *Usage {
	return &Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

type wireAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *chatClient) buildRequest(req Request) ([]byte, error) {
	messages := buildWireMessages(req.Messages)
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	tools, err := buildWireTools(req.Tools)
	if err != nil {
		return nil, err
	}

	wireReq := wireRequest{
		Model:    chooseModel(req.Model, c.model),
		Messages: messages,
		Tools:    tools,
		Stream:   req.Stream,
	}
	if len(tools) > 0 {
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		wireReq.ToolChoice = choice
	}
	if req.Temperature > 0 {
		v := req.Temperature
		wireReq.Temperature = &v
	}
	if req.MaxTokens > 0 {
		v := req.MaxTokens
		wireReq.MaxTokens = &v
	}
	if req.ResponseFormat == "json" {
		wireReq.ResponseFormat = &wireResponseFormat{Type: "json_object"}
	}
	return json.Marshal(wireReq)
}

// Complete issues a single blocking chat call and returns the first
// choice's message.
func (c *chatClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	req.Stream = false
	body, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("%s API request failed: %w", c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("%s API error (status %d): %s", c.provider, resp.StatusCode, readError(resp))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read response: %w", c.provider, err)
	}
	var wireResp wireResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, fmt.Errorf("%s parse response: %w", c.provider, err)
	}
	if wireResp.Error != nil {
		return nil, fmt.Errorf("%s API error: %s", c.provider, wireResp.Error.Message)
	}
	if len(wireResp.Choices) == 0 || wireResp.Choices[0].Message == nil {
		return nil, fmt.Errorf("%s response contained no choices", c.provider)
	}

	msg := wireResp.Choices[0].Message
	completion := &Completion{Text: msg.Content}
	for i, call := range msg.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
			Index:     i,
		})
	}
	if wireResp.Usage != nil {
		completion.Use = wireResp.Usage.usage()
	}
	return completion, nil
}

// Stream issues a streaming chat call. Each SSE chunk is a suspension
// point; tool-call deltas are accumulated by index and flushed as
// complete fragments once the stream ends or signals tool_calls.
func (c *chatClient) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		req.Stream = true
		body, err := c.buildRequest(req)
		if err != nil {
			return err
		}

		resp, err := c.post(ctx, body)
		if err != nil {
			return fmt.Errorf("%s API request failed: %w", c.provider, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			return fmt.Errorf("%s API error (status %d): %s", c.provider, resp.StatusCode, readError(resp))
		}

		maxChunks := req.MaxChunks
		if maxChunks <= 0 {
			maxChunks = firstTurnChunkCap
		}

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		toolState := newToolCallState()
		var lastUsage *Usage
		var chunkCount int
		capped := false

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			chunkCount++
			if chunkCount > maxChunks {
				events <- Event{
					Type: EventWarning,
					Text: fmt.Sprintf("stream terminated after %d chunks: safety cap reached", maxChunks),
				}
				capped = true
				break
			}

			var chunk wireResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				return fmt.Errorf("%s API error: %s", c.provider, chunk.Error.Message)
			}
			if chunk.Usage != nil {
				lastUsage = chunk.Usage.usage()
			}

			stop := false
			for _, choice := range chunk.Choices {
				if choice.Delta != nil {
					if choice.Delta.Content != "" {
						events <- Event{Type: EventText, Text: choice.Delta.Content}
					}
					if len(choice.Delta.ToolCalls) > 0 {
						toolState.add(choice.Delta.ToolCalls)
					}
				}
				switch choice.FinishReason {
				case "stop", "tool_calls":
					stop = true
				case "length":
					events <- Event{Type: EventWarning, Text: "response truncated at token limit"}
					stop = true
				}
			}
			if stop {
				break
			}
		}

		if err := scanner.Err(); err != nil && !capped {
			return fmt.Errorf("%s streaming error: %w", c.provider, err)
		}

		// A capped stream never signaled completion, so any
		// accumulated fragments may be truncated mid-argument.
		// Dropping them ends the turn instead of executing them.
		if !capped {
			for _, call := range toolState.calls() {
				call := call
				events <- Event{Type: eventToolCall, Tool: &call}
			}
		}
		if lastUsage != nil {
			events <- Event{Type: EventUsage, Use: lastUsage}
		}
		return nil
	}), nil
}

func buildWireMessages(messages []Message) []wireMessage {
	var result []wireMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
			text, toolCalls := splitParts(msg.Parts)
			if msg.Role == RoleAssistant && len(toolCalls) > 0 {
				result = append(result, wireMessage{
					Role:      "assistant",
					Content:   text,
					ToolCalls: toolCalls,
				})
				continue
			}
			if text == "" {
				continue
			}
			result = append(result, wireMessage{Role: string(msg.Role), Content: text})
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				result = append(result, wireMessage{
					Role:       "tool",
					Content:    part.ToolResult.Content,
					ToolCallID: part.ToolResult.ID,
				})
			}
		}
	}
	return result
}

func splitParts(parts []Part) (string, []wireToolCall) {
	var textParts []string
	var toolCalls []wireToolCall
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				textParts = append(textParts, part.Text)
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			call := wireToolCall{ID: part.ToolCall.ID, Type: "function"}
			call.Function.Name = part.ToolCall.Name
			call.Function.Arguments = string(part.ToolCall.Arguments)
			toolCalls = append(toolCalls, call)
		}
	}
	return strings.Join(textParts, ""), toolCalls
}

func buildWireTools(specs []ToolSpec) ([]wireTool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]wireTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools, nil
}

func chooseModel(requested, configured string) string {
	if requested != "" {
		return requested
	}
	return configured
}

// toolCallState reassembles tool calls from streamed deltas. Deltas are
// routed by position index: the first delta at an index creates the
// fragment, later ones append name and argument text, and the payload
// identifier is adopted if the fragment has none yet.
type toolCallState struct {
	byIndex map[int]*toolCallFragment
	order   []int
}

type toolCallFragment struct {
	id   string
	name strings.Builder
	args strings.Builder
}

func newToolCallState() *toolCallState {
	return &toolCallState{byIndex: make(map[int]*toolCallFragment)}
}

func (s *toolCallState) add(calls []wireToolCall) {
	for _, call := range calls {
		idx := call.Index
		fragment, ok := s.byIndex[idx]
		if !ok {
			fragment = &toolCallFragment{}
			s.byIndex[idx] = fragment
			s.order = append(s.order, idx)
		}
		if call.ID != "" && fragment.id == "" {
			fragment.id = call.ID
		}
		if call.Function.Name != "" {
			fragment.name.WriteString(call.Function.Name)
		}
		if call.Function.Arguments != "" {
			fragment.args.WriteString(call.Function.Arguments)
		}
	}
}

func (s *toolCallState) calls() []ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	sort.Ints(s.order)
	calls := make([]ToolCall, 0, len(s.order))
	for _, idx := range s.order {
		fragment := s.byIndex[idx]
		if fragment == nil {
			continue
		}
		calls = append(calls, ToolCall{
			ID:        fragment.id,
			Name:      fragment.name.String(),
			Arguments: json.RawMessage(fragment.args.String()),
			Index:     idx,
		})
	}
	return calls
}
