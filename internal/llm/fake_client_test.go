package llm

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

// sliceStream replays a fixed event list, then io.EOF.
type sliceStream struct {
	events []Event
	pos    int
	err    error
}

func (s *sliceStream) Recv() (Event, error) {
	if s.pos >= len(s.events) {
		if s.err != nil {
			err := s.err
			s.err = nil
			return Event{}, err
		}
		return Event{}, io.EOF
	}
	event := s.events[s.pos]
	s.pos++
	return event, nil
}

func (s *sliceStream) Close() error { return nil }

// scriptedTurn is one provider call's outcome.
type scriptedTurn struct {
	events     []Event
	completion *Completion
	err        error
}

// fakeClient replays scripted turns and records every request it saw.
type fakeClient struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	requests []Request
	calls    int
}

func (f *fakeClient) Provider() string       { return "fake" }
func (f *fakeClient) Model() string          { return "fake-model" }
func (f *fakeClient) Source() string         { return "system" }
func (f *fakeClient) Timeout() time.Duration { return 0 }

func (f *fakeClient) next(req Request) (scriptedTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.calls++
	if len(f.turns) == 0 {
		return scriptedTurn{}, io.ErrUnexpectedEOF
	}
	turn := f.turns[0]
	if len(f.turns) > 1 {
		f.turns = f.turns[1:]
	}
	return turn, nil
}

func (f *fakeClient) Stream(ctx context.Context, req Request) (Stream, error) {
	turn, err := f.next(req)
	if err != nil {
		return nil, err
	}
	if turn.err != nil {
		return nil, turn.err
	}
	return &sliceStream{events: turn.events}, nil
}

func (f *fakeClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	turn, err := f.next(req)
	if err != nil {
		return nil, err
	}
	if turn.err != nil {
		return nil, turn.err
	}
	return turn.completion, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) request(i int) Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// fakeToolManager resolves every listed tool and delegates execution
// to a single func.
type fakeToolManager struct {
	known map[string]string // name -> description
	exec  func(ctx context.Context, name string, args map[string]any, auth *AuthContext) (ToolOutput, error)

	mu       sync.Mutex
	executed []string
}

func newFakeToolManager() *fakeToolManager {
	return &fakeToolManager{known: map[string]string{}}
}

func (m *fakeToolManager) addTool(name, description string) {
	m.known[name] = description
}

func (m *fakeToolManager) ValidateSelected(names []string) (bool, []string) {
	var notFound []string
	for _, name := range names {
		if _, ok := m.known[name]; !ok {
			notFound = append(notFound, name)
		}
	}
	return len(notFound) == 0, notFound
}

func (m *fakeToolManager) SelectedSpecs(names []string) []ToolSpec {
	var specs []ToolSpec
	for _, name := range names {
		if desc, ok := m.known[name]; ok {
			specs = append(specs, ToolSpec{Name: name, Description: desc, Schema: map[string]any{"type": "object"}})
		}
	}
	return specs
}

func (m *fakeToolManager) Describe(names []string) []ToolDescription {
	var descs []ToolDescription
	for _, name := range names {
		if desc, ok := m.known[name]; ok {
			descs = append(descs, ToolDescription{Name: name, Description: desc})
		}
	}
	return descs
}

func (m *fakeToolManager) Names() []string {
	names := make([]string, 0, len(m.known))
	for name := range m.known {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *fakeToolManager) Execute(ctx context.Context, name string, args map[string]any, auth *AuthContext) (ToolOutput, error) {
	m.mu.Lock()
	m.executed = append(m.executed, name)
	m.mu.Unlock()
	if m.exec != nil {
		return m.exec(ctx, name, args, auth)
	}
	return ToolOutput{Content: []ContentPart{{Type: "text", Text: "ok"}}}, nil
}

func (m *fakeToolManager) executedTools() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.executed))
	copy(out, m.executed)
	return out
}
