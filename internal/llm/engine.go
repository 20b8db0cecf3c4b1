package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offbeam/conductor/internal/config"
	"github.com/offbeam/conductor/internal/usage"
)

const noAnswerFallback = "I was unable to produce an answer for this request. Please try again or rephrase the question."

// Engine orchestrates provider calls, tool execution, and the
// follow-up turn. One engine serves many concurrent callers; the
// effective configuration and the provider client are swapped
// atomically under the mutex so in-flight turns keep the versions
// they started with.
type Engine struct {
	store   *config.Store
	tools   ToolManager
	metrics *Metrics
	usage   usage.Logger
	log     *logrus.Logger

	mu        sync.RWMutex
	client    Client
	clientErr error
}

// Result is the non-streaming outcome of one conversation turn.
type Result struct {
	Text        string          `json:"text"`
	ToolResults []ToolExecution `json:"tool_results,omitempty"`
	Use         *Usage          `json:"usage,omitempty"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Source      string          `json:"config_source"`
	Attempts    int             `json:"attempts"`
	DurationMS  int64           `json:"duration_ms"`
}

func NewEngine(store *config.Store, tools ToolManager, usageLog usage.Logger, log *logrus.Logger) *Engine {
	if usageLog == nil {
		usageLog = usage.Noop{}
	}
	if log == nil {
		log = logrus.New()
	}
	e := &Engine{
		store:   store,
		tools:   tools,
		metrics: NewMetrics(),
		usage:   usageLog,
		log:     log,
	}
	e.rebuildClient()
	return e
}

// rebuildClient constructs a provider client from the current
// configuration. On failure the engine stays uninitialized and every
// conversation request fails fast with the configuration error.
func (e *Engine) rebuildClient() {
	cfg := e.store.Current()
	client, err := BuildClient(cfg)

	e.mu.Lock()
	e.client = client
	e.clientErr = err
	e.mu.Unlock()

	if err != nil {
		e.log.WithFields(logrus.Fields{
			"provider": cfg.Provider,
		}).WithError(err).Warn("provider client unavailable")
	} else {
		e.log.WithFields(logrus.Fields{
			"provider": client.Provider(),
			"model":    client.Model(),
		}).Info("provider client ready")
	}
}

func (e *Engine) currentClient() (Client, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.client == nil {
		if e.clientErr != nil {
			return nil, e.clientErr
		}
		return nil, &ConfigurationError{Reason: "no provider client configured"}
	}
	return e.client, nil
}

// UpdateConfig merges caller overrides into the effective
// configuration and rebuilds the provider client when the change
// touches provider identity, credentials, endpoints, or headers.
func (e *Engine) UpdateConfig(o config.Overrides) (config.Effective, config.Effective, bool, []string) {
	old, updated, reinit, warnings := e.store.Apply(o)
	for _, w := range warnings {
		e.log.WithField("detail", w).Warn("configuration override ignored")
	}
	if reinit {
		e.rebuildClient()
	}
	return old, updated, reinit, warnings
}

// Statistics returns a snapshot of the engine counters.
func (e *Engine) Statistics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// HealthStatus is the health check result.
type HealthStatus struct {
	Status   string          `json:"status"`
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Source   string          `json:"config_source"`
	Tools    int             `json:"tools"`
	Metrics  MetricsSnapshot `json:"metrics"`
	Detail   string          `json:"detail,omitempty"`
}

func (e *Engine) HealthCheck() HealthStatus {
	cfg := e.store.Current()
	client, err := e.currentClient()
	if err != nil {
		return HealthStatus{
			Status:   "unhealthy",
			Provider: cfg.Provider,
			Source:   cfg.Source,
			Tools:    len(e.tools.Names()),
			Metrics:  e.metrics.Snapshot(),
			Detail:   err.Error(),
		}
	}
	return HealthStatus{
		Status:   "healthy",
		Provider: client.Provider(),
		Model:    client.Model(),
		Source:   client.Source(),
		Tools:    len(e.tools.Names()),
		Metrics:  e.metrics.Snapshot(),
	}
}

// ProcessQuery runs one streaming conversation turn. The returned
// stream must be consumed until io.EOF or closed; closing it cancels
// any in-flight provider call, retry wait, or follow-up work.
func (e *Engine) ProcessQuery(ctx context.Context, query string, opts Options) (Stream, error) {
	client, err := e.currentClient()
	if err != nil {
		return nil, err
	}
	cfg := e.store.Current()

	if len(opts.Tools) > 0 {
		if ok, notFound := e.tools.ValidateSelected(opts.Tools); !ok {
			return nil, fmt.Errorf("unknown tools requested: %s", strings.Join(notFound, ", "))
		}
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		started := time.Now()
		use, toolCalls, err := e.runStreaming(ctx, client, cfg, query, opts, events)
		e.record(ctx, client, cfg, started, use, toolCalls, err)
		return err
	}), nil
}

func (e *Engine) runStreaming(ctx context.Context, client Client, cfg config.Effective, query string, opts Options, events chan<- Event) (*Usage, int, error) {
	events <- Event{
		Type:     EventInit,
		Provider: client.Provider(),
		Model:    opts.model(cfg),
		Source:   client.Source(),
	}

	specs := e.tools.SelectedSpecs(opts.Tools)
	messages := buildMessages(query, cfg, opts, e.tools.Describe(opts.Tools))

	req := Request{
		Model:       opts.model(cfg),
		Messages:    messages,
		Tools:       specs,
		Temperature: opts.temperature(cfg),
		MaxTokens:   opts.maxTokens(cfg),
		MaxChunks:   firstTurnChunkCap,
	}
	if opts.responseFormat(cfg) == "json" {
		req.ResponseFormat = "json"
	}

	policy := retryPolicy{maxAttempts: opts.maxRetries(cfg), baseDelay: cfg.RetryBaseDelay}

	turn, err := e.streamTurn(ctx, client, req, policy, events)
	if err != nil {
		return nil, 0, err
	}
	total := turn.use

	if len(turn.fragments) == 0 {
		if !turn.textSeen {
			events <- Event{Type: EventText, Text: noAnswerFallback}
		}
		emitUsage(events, total)
		return usagePtr(total), 0, nil
	}

	events <- Event{Type: EventToolCallsStart}
	results := e.executeFragments(ctx, turn.fragments, opts, events)
	events <- Event{Type: EventToolCallsEnd}

	if !anySucceeded(results) {
		if !turn.textSeen {
			events <- Event{Type: EventText, Text: "All requested tool calls failed; no answer could be produced."}
		}
		emitUsage(events, total)
		return usagePtr(total), len(results), nil
	}

	followReq := Request{
		Model:       req.Model,
		Messages:    e.buildFollowUpMessages(messages, turn.fragments, results),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		MaxChunks:   followUpChunkCap,
	}
	followTurn, err := e.streamTurn(ctx, client, followReq, policy, events)
	if err != nil {
		if ctx.Err() != nil {
			return usagePtr(total), len(results), ctx.Err()
		}
		// Tool results are already in hand; degrade instead of failing.
		events <- Event{
			Type: EventText,
			Text: fmt.Sprintf("\n\n(Tool calls completed, but the follow-up request failed: %v)", err),
		}
		emitUsage(events, total)
		return usagePtr(total), len(results), nil
	}
	total.Add(followTurn.use)

	if !turn.textSeen && !followTurn.textSeen {
		events <- Event{Type: EventText, Text: noAnswerFallback}
	}
	emitUsage(events, total)
	return usagePtr(total), len(results), nil
}

// turnState is what one streamed provider turn produced.
type turnState struct {
	textSeen  bool
	fragments []ToolCall
	use       Usage
}

// streamTurn runs one provider call with retries, forwarding text and
// warning events to the caller and collecting reassembled tool-call
// fragments. Usage events are swallowed here and aggregated by the
// caller so a single usage total is emitted per conversation turn.
func (e *Engine) streamTurn(ctx context.Context, client Client, req Request, policy retryPolicy, events chan<- Event) (turnState, error) {
	var turn turnState

	_, err := withRetry(ctx, client.Provider(), policy, events, func(ctx context.Context) error {
		turn = turnState{}

		// The deadline comes from the client, not the raw config:
		// the provider may have raised the configured timeout (the
		// self-hosted floor) and the call context must not undercut
		// the client's own limit.
		callCtx := ctx
		if timeout := client.Timeout(); timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		stream, err := client.Stream(callCtx, req)
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			event, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			switch event.Type {
			case EventText:
				turn.textSeen = true
				events <- event
			case eventToolCall:
				if event.Tool != nil {
					turn.fragments = append(turn.fragments, *event.Tool)
				}
			case EventUsage:
				if event.Use != nil {
					turn.use.Add(*event.Use)
				}
			case EventError:
				if event.Err != nil {
					return event.Err
				}
			default:
				events <- event
			}
		}
	})
	return turn, err
}

// executeFragments runs every tool-call fragment in original order.
// A failure in one fragment never aborts its siblings; fragments with
// no function name are skipped outright.
func (e *Engine) executeFragments(ctx context.Context, fragments []ToolCall, opts Options, events chan<- Event) []ToolExecution {
	var results []ToolExecution
	for i := range fragments {
		frag := fragments[i]
		if strings.TrimSpace(frag.Name) == "" {
			continue
		}
		if events != nil {
			events <- Event{Type: EventToolCallStart, Tool: &frag}
		}

		exec := ToolExecution{
			Name:    frag.Name,
			RawArgs: string(frag.Arguments),
			ID:      frag.ID,
			Index:   frag.Index,
		}

		args, parseErr := parseToolArgs(frag.Arguments)
		if parseErr != nil {
			exec.Err = fmt.Sprintf("invalid tool arguments for %s: %v", frag.Name, parseErr)
		} else {
			output, err := e.tools.Execute(ctx, frag.Name, args, opts.Auth)
			if err != nil {
				exec.Err = err.Error()
			} else {
				exec.Content = output.Text()
			}
		}

		if events != nil {
			result := exec
			if exec.IsError() {
				events <- Event{Type: EventToolCallError, Result: &result}
			} else {
				events <- Event{Type: EventToolCallResult, Result: &result}
			}
		}
		results = append(results, exec)
	}
	return results
}

func parseToolArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// buildFollowUpMessages constructs the second-turn message list: the
// original system and user messages, one assistant message carrying
// only the tool-call requests, and one tool message per result. Every
// tool message identifier must match its assistant-side counterpart,
// and identifiers must be unique within the turn, so duplicates are
// rewritten with a deterministic suffix.
func (e *Engine) buildFollowUpMessages(base []Message, fragments []ToolCall, results []ToolExecution) []Message {
	calls := make([]ToolCall, 0, len(results))
	seen := make(map[string]int, len(results))

	for i := range results {
		result := results[i]
		id := e.resolveCallID(result, fragments)
		if n, dup := seen[id]; dup {
			seen[id] = n + 1
			id = fmt.Sprintf("%s_duplicate_%d", id, n)
		} else {
			seen[id] = 1
		}
		results[i].ID = id

		args := json.RawMessage(result.RawArgs)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      result.Name,
			Arguments: args,
			Index:     result.Index,
		})
	}

	messages := make([]Message, 0, len(base)+1+len(results))
	messages = append(messages, base...)
	messages = append(messages, AssistantToolCalls(calls))
	for _, result := range results {
		if result.IsError() {
			messages = append(messages, ToolErrorMessage(result.ID, result.Name, "Error: "+result.Err))
		} else {
			messages = append(messages, ToolResultMessage(result.ID, result.Name, result.Content))
		}
	}
	return messages
}

// resolveCallID picks the identifier for a tool result: the result's
// own, else the fragment's at the same index, else a name match
// against the fragments, else a synthesized one.
func (e *Engine) resolveCallID(result ToolExecution, fragments []ToolCall) string {
	if result.ID != "" {
		return result.ID
	}
	for _, frag := range fragments {
		if frag.Index == result.Index && frag.ID != "" {
			return frag.ID
		}
	}
	for _, frag := range fragments {
		if frag.Name == result.Name && frag.ID != "" {
			e.log.WithFields(logrus.Fields{
				"tool":  result.Name,
				"index": result.Index,
			}).Warn("resolved tool call id by name lookup")
			return frag.ID
		}
	}
	return fmt.Sprintf("toolcall-%d", result.Index+1)
}

// Ask runs one non-streaming conversation turn: a single blocking
// provider call, sequential tool execution, and a blocking follow-up
// call when any tool produced a usable result.
func (e *Engine) Ask(ctx context.Context, query string, opts Options) (*Result, error) {
	client, err := e.currentClient()
	if err != nil {
		return nil, err
	}
	cfg := e.store.Current()

	if len(opts.Tools) > 0 {
		if ok, notFound := e.tools.ValidateSelected(opts.Tools); !ok {
			return nil, fmt.Errorf("unknown tools requested: %s", strings.Join(notFound, ", "))
		}
	}

	started := time.Now()
	result, err := e.runBlocking(ctx, client, cfg, query, opts)

	var use *Usage
	toolCalls := 0
	if result != nil {
		result.DurationMS = time.Since(started).Milliseconds()
		use = result.Use
		toolCalls = len(result.ToolResults)
	}
	e.record(ctx, client, cfg, started, use, toolCalls, err)
	return result, err
}

func (e *Engine) runBlocking(ctx context.Context, client Client, cfg config.Effective, query string, opts Options) (*Result, error) {
	specs := e.tools.SelectedSpecs(opts.Tools)
	messages := buildMessages(query, cfg, opts, e.tools.Describe(opts.Tools))

	req := Request{
		Model:       opts.model(cfg),
		Messages:    messages,
		Tools:       specs,
		Temperature: opts.temperature(cfg),
		MaxTokens:   opts.maxTokens(cfg),
	}
	if opts.responseFormat(cfg) == "json" {
		req.ResponseFormat = "json"
	}

	policy := retryPolicy{maxAttempts: opts.maxRetries(cfg), baseDelay: cfg.RetryBaseDelay}

	completion, attempts, err := e.completeTurn(ctx, client, req, policy)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Text:     completion.Text,
		Provider: client.Provider(),
		Model:    req.Model,
		Source:   client.Source(),
		Attempts: attempts,
	}
	total := Usage{}
	if completion.Use != nil {
		total.Add(*completion.Use)
	}

	if len(completion.ToolCalls) == 0 {
		if result.Text == "" {
			result.Text = noAnswerFallback
		}
		result.Use = usagePtr(total)
		return result, nil
	}

	result.ToolResults = e.executeFragments(ctx, completion.ToolCalls, opts, nil)

	if anySucceeded(result.ToolResults) {
		followReq := Request{
			Model:       req.Model,
			Messages:    e.buildFollowUpMessages(messages, completion.ToolCalls, result.ToolResults),
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}
		follow, followAttempts, err := e.completeTurn(ctx, client, followReq, policy)
		result.Attempts += followAttempts
		switch {
		case err != nil && ctx.Err() != nil:
			return result, ctx.Err()
		case err != nil:
			result.Text += fmt.Sprintf("\n\n(Tool calls completed, but the follow-up request failed: %v)", err)
		default:
			if follow.Text != "" {
				result.Text = follow.Text
			}
			if follow.Use != nil {
				total.Add(*follow.Use)
			}
		}
	}

	if result.Text == "" {
		result.Text = noAnswerFallback
	}
	result.Use = usagePtr(total)
	return result, nil
}

func (e *Engine) completeTurn(ctx context.Context, client Client, req Request, policy retryPolicy) (*Completion, int, error) {
	var completion *Completion
	attempts, err := withRetry(ctx, client.Provider(), policy, nil, func(ctx context.Context) error {
		callCtx := ctx
		if timeout := client.Timeout(); timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var err error
		completion, err = client.Complete(callCtx, req)
		return err
	})
	if err != nil {
		return nil, attempts, err
	}
	return completion, attempts, nil
}

func (e *Engine) record(ctx context.Context, client Client, cfg config.Effective, started time.Time, use *Usage, toolCalls int, err error) {
	duration := time.Since(started)
	e.metrics.Record(duration, use, err)

	rec := usage.Record{
		Provider:   client.Provider(),
		Model:      client.Model(),
		Source:     cfg.Source,
		ToolCalls:  toolCalls,
		DurationMS: duration.Milliseconds(),
		Failed:     err != nil,
	}
	if use != nil {
		rec.InputTokens = use.InputTokens
		rec.OutputTokens = use.OutputTokens
		rec.TotalTokens = use.TotalTokens
	}
	logCtx := ctx
	if logCtx.Err() != nil {
		logCtx = context.Background()
	}
	if logErr := e.usage.Log(logCtx, rec); logErr != nil {
		e.log.WithError(logErr).Warn("usage logging failed")
	}
}

func anySucceeded(results []ToolExecution) bool {
	for _, r := range results {
		if !r.IsError() {
			return true
		}
	}
	return false
}

func emitUsage(events chan<- Event, use Usage) {
	if use == (Usage{}) {
		return
	}
	u := use
	events <- Event{Type: EventUsage, Use: &u}
}

func usagePtr(use Usage) *Usage {
	if use == (Usage{}) {
		return nil
	}
	u := use
	return &u
}
