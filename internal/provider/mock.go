package provider

import (
	"context"
	"sync"
)

// Mock is a scripted backend for tests. Results are returned in registration
// order per run type; an exhausted script repeats its last entry.
type Mock struct {
	name string

	mu      sync.Mutex
	scripts map[string][]mockStep
	cursor  map[string]int
	calls   []Request
}

type mockStep struct {
	result *Result
	err    error
}

// NewMock creates a mock provider.
func NewMock(name string) *Mock {
	return &Mock{
		name:    name,
		scripts: make(map[string][]mockStep),
		cursor:  make(map[string]int),
	}
}

func (m *Mock) Name() string { return m.name }

// Script appends a successful result for a run type.
func (m *Mock) Script(runType string, result Result) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[runType] = append(m.scripts[runType], mockStep{result: &result})
	return m
}

// ScriptError appends a failure for a run type.
func (m *Mock) ScriptError(runType string, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[runType] = append(m.scripts[runType], mockStep{err: err})
	return m
}

// Generate replays the next scripted step for the request's run type.
func (m *Mock) Generate(_ context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	steps := m.scripts[req.RunType]
	if len(steps) == 0 {
		return &Result{ContentJSON: `{"mock":true}`}, nil
	}
	idx := m.cursor[req.RunType]
	if idx >= len(steps) {
		idx = len(steps) - 1
	} else {
		m.cursor[req.RunType]++
	}
	step := steps[idx]
	if step.err != nil {
		return nil, step.err
	}
	out := *step.result
	return &out, nil
}

// Calls returns a copy of every request the mock received.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
