// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Task is one step of a Pipeline. A task has at most one upstream dependency
// whose result it receives.
type Task interface {
	Name() string
	// DependsOn returns the upstream task, or nil for the first task.
	DependsOn() Task
	Execute(ctx context.Context, prev any) (any, error)
}

// TaskError reports the task that stopped a pipeline.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string { return fmt.Sprintf("task %s failed: %v", e.Task, e.Err) }

func (e *TaskError) Unwrap() error { return e.Err }

// ErrTaskCycle is returned by NewPipeline when a dependency chain loops.
var ErrTaskCycle = errors.New("task dependency cycle")

// Pipeline executes a linear chain of tasks upstream-first and stops at the
// first failure.
type Pipeline struct {
	tasks  []Task
	logger *slog.Logger
}

// NewPipeline resolves the chain ending at last. Task names identify tasks and
// must be unique within the chain; a repeated name is reported as a cycle.
func NewPipeline(last Task, logger *slog.Logger) (*Pipeline, error) {
	if last == nil {
		return nil, errors.New("pipeline needs a task")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var chain []Task
	seen := make(map[string]struct{})
	for t := last; t != nil; t = t.DependsOn() {
		if _, ok := seen[t.Name()]; ok {
			return nil, fmt.Errorf("%w at %s", ErrTaskCycle, t.Name())
		}
		seen[t.Name()] = struct{}{}
		chain = append(chain, t)
	}
	slices.Reverse(chain)
	return &Pipeline{tasks: chain, logger: logger}, nil
}

// Names returns the task names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.tasks))
	for i, t := range p.tasks {
		names[i] = t.Name()
	}
	return names
}

// Run executes every task, passing each result downstream, and returns the
// result of the last task. A failure is returned as *TaskError and no later
// task runs.
func (p *Pipeline) Run(ctx context.Context) (any, error) {
	var prev any
	for _, t := range p.tasks {
		if err := ctx.Err(); err != nil {
			return nil, &TaskError{Task: t.Name(), Err: err}
		}
		p.logger.Debug("Running task", "task", t.Name())
		out, err := t.Execute(ctx, prev)
		if err != nil {
			p.logger.Error("Task failed", "task", t.Name(), "error", err)
			return nil, &TaskError{Task: t.Name(), Err: err}
		}
		prev = out
	}
	return prev, nil
}

// TaskFunc adapts a function to a Task.
type TaskFunc struct {
	TaskName string
	Upstream Task
	Fn       func(ctx context.Context, prev any) (any, error)
}

func (t *TaskFunc) Name() string { return t.TaskName }

func (t *TaskFunc) DependsOn() Task {
	if t.Upstream == nil {
		return nil
	}
	return t.Upstream
}

func (t *TaskFunc) Execute(ctx context.Context, prev any) (any, error) { return t.Fn(ctx, prev) }
