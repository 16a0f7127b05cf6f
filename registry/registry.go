// Package registry maps (taskType, provider) pairs to the runFn
// collaborators register, the core's only point of contact with concrete
// AI providers or other external execution backends.
package registry

import (
	"context"
	"sync"

	"github.com/smallnest/taskgraph/errkind"
	"github.com/smallnest/taskgraph/task"
)

// RunFunc is the collaborator-provided execution function, identical in
// shape to task.Task.Execute so a plain function can satisfy the Task
// interface via FuncTask.
type RunFunc func(ctx context.Context, input any, tc *task.Context) (any, error)

type entry struct {
	runFn   RunFunc
	input   task.Schema
	output  task.Schema
	stream  *task.StreamDescriptor
}

// Registry looks up runFns by (taskType, provider). The zero value is not
// usable; construct with New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: map[string]map[string]entry{}}
}

// Register associates a runFn with (taskType, provider). A later call
// with the same pair replaces the earlier registration.
func (r *Registry) Register(taskType, provider string, runFn RunFunc, opts ...Option) {
	e := entry{runFn: runFn}
	for _, opt := range opts {
		opt(&e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[taskType] == nil {
		r.entries[taskType] = map[string]entry{}
	}
	r.entries[taskType][provider] = e
}

// Option configures an optional schema/streaming descriptor alongside a
// Register call.
type Option func(*entry)

// WithSchemas attaches input/output schemas to a registration, used for
// compile-time edge compatibility checking.
func WithSchemas(input, output task.Schema) Option {
	return func(e *entry) {
		e.input = input
		e.output = output
	}
}

// WithStreaming attaches a streaming descriptor to a registration.
func WithStreaming(sd *task.StreamDescriptor) Option {
	return func(e *entry) { e.stream = sd }
}

// Lookup returns the runFn registered for (taskType, provider), or
// *errkind.MissingRunFnError if none was registered.
func (r *Registry) Lookup(taskType, provider string) (RunFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byProvider, ok := r.entries[taskType]
	if !ok {
		return nil, &errkind.MissingRunFnError{TaskType: taskType, Provider: provider}
	}
	e, ok := byProvider[provider]
	if !ok {
		return nil, &errkind.MissingRunFnError{TaskType: taskType, Provider: provider}
	}
	return e.runFn, nil
}

// Schemas returns the schemas attached to a registration via WithSchemas,
// if any, and whether an entry exists at all.
func (r *Registry) Schemas(taskType, provider string) (input, output task.Schema, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byProvider, ok := r.entries[taskType]
	if !ok {
		return nil, nil, false
	}
	e, ok := byProvider[provider]
	return e.input, e.output, ok
}

// Streaming returns the streaming descriptor attached via WithStreaming,
// if any, and whether an entry exists at all.
func (r *Registry) Streaming(taskType, provider string) (*task.StreamDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byProvider, ok := r.entries[taskType]
	if !ok {
		return nil, false
	}
	e, ok := byProvider[provider]
	return e.stream, ok
}

// FuncTask adapts a bare RunFunc plus its declared schemas into a
// task.Task, for collaborators that don't need a dedicated struct type.
type FuncTask struct {
	Input    task.Schema
	Output   task.Schema
	Stream   *task.StreamDescriptor
	Fn       RunFunc
}

var _ task.Task = FuncTask{}

func (f FuncTask) InputSchema() task.Schema            { return f.Input }
func (f FuncTask) OutputSchema() task.Schema           { return f.Output }
func (f FuncTask) Streaming() *task.StreamDescriptor   { return f.Stream }
func (f FuncTask) Execute(ctx context.Context, input any, tc *task.Context) (any, error) {
	return f.Fn(ctx, input, tc)
}
