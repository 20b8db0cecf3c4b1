// Package tools provides the tool registry consumed by the
// conversation engine. Each tool declares its argument schema from a
// Go struct; incoming arguments are validated against that schema
// before the handler runs.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/sirupsen/logrus"

	"github.com/offbeam/conductor/internal/llm"
)

// Handler executes a tool with decoded arguments.
type Handler func(ctx context.Context, args map[string]any, auth *llm.AuthContext) (string, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any

	resolved *jsonschema.Resolved
	handler  Handler
}

// New builds a tool whose argument schema is derived from the Args
// struct type. The schema is generated and compiled once, at
// registration.
func New[Args any](name, description string, handler func(ctx context.Context, args Args, auth *llm.AuthContext) (string, error)) (*Tool, error) {
	schema, err := jsonschema.For[Args](nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s: derive schema: %w", name, err)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: marshal schema: %w", name, err)
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(data, &schemaMap); err != nil {
		return nil, fmt.Errorf("tool %s: decode schema: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s: resolve schema: %w", name, err)
	}

	return &Tool{
		Name:        name,
		Description: description,
		Schema:      schemaMap,
		resolved:    resolved,
		handler: func(ctx context.Context, raw map[string]any, auth *llm.AuthContext) (string, error) {
			data, err := json.Marshal(raw)
			if err != nil {
				return "", fmt.Errorf("encode arguments: %w", err)
			}
			var args Args
			if err := json.Unmarshal(data, &args); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
			return handler(ctx, args, auth)
		},
	}, nil
}

// MustNew panics on schema derivation failure. Intended for builtin
// tools registered at startup.
func MustNew[Args any](name, description string, handler func(ctx context.Context, args Args, auth *llm.AuthContext) (string, error)) *Tool {
	tool, err := New(name, description, handler)
	if err != nil {
		panic(err)
	}
	return tool
}

// Manager holds registered tools and implements the engine's tool
// manager contract.
type Manager struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	log   *logrus.Logger
}

func NewManager(log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		tools: make(map[string]*Tool),
		log:   log,
	}
}

func (m *Manager) Register(tool *Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[tool.Name] = tool
}

// Names returns every registered tool name, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateSelected reports whether every requested name is registered.
func (m *Manager) ValidateSelected(names []string) (bool, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var notFound []string
	for _, name := range names {
		if _, ok := m.tools[name]; !ok {
			notFound = append(notFound, name)
		}
	}
	return len(notFound) == 0, notFound
}

// SelectedSpecs returns provider-ready specs for exactly the
// requested, known tool names, in request order.
func (m *Manager) SelectedSpecs(names []string) []llm.ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var specs []llm.ToolSpec
	for _, name := range names {
		tool, ok := m.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
		})
	}
	return specs
}

// Describe returns name/description pairs for prompt rendering.
func (m *Manager) Describe(names []string) []llm.ToolDescription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var descs []llm.ToolDescription
	for _, name := range names {
		tool, ok := m.tools[name]
		if !ok {
			continue
		}
		descs = append(descs, llm.ToolDescription{
			Name:        tool.Name,
			Description: tool.Description,
		})
	}
	return descs
}

// Execute validates args against the tool's schema, then runs the
// handler. The authorization context is passed through unchanged.
func (m *Manager) Execute(ctx context.Context, name string, args map[string]any, auth *llm.AuthContext) (llm.ToolOutput, error) {
	m.mu.RLock()
	tool, ok := m.tools[name]
	m.mu.RUnlock()
	if !ok {
		return llm.ToolOutput{}, fmt.Errorf("tool not found: %s", name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := tool.resolved.Validate(args); err != nil {
		return llm.ToolOutput{}, fmt.Errorf("arguments rejected by schema: %w", err)
	}

	m.log.WithFields(logrus.Fields{"tool": name}).Debug("executing tool")
	text, err := tool.handler(ctx, args, auth)
	if err != nil {
		return llm.ToolOutput{}, err
	}
	return llm.ToolOutput{
		Content: []llm.ContentPart{{Type: "text", Text: text}},
	}, nil
}
