package engine

import (
	"context"
	"sync"
)

// RunCommand runs a nested command list in a child engine that shares the
// parent's environment and notifications. The parent does not advance until
// the child has exhausted its list. A failed child fails the parent.
type RunCommand struct {
	Base
	name     string
	commands []Command

	mu    sync.Mutex
	child *Engine
}

// NewRun creates a run command over commands.
func NewRun(name string, commands []Command) *RunCommand {
	return &RunCommand{
		name:     name,
		commands: append([]Command(nil), commands...),
	}
}

// Kind implements Command.
func (c *RunCommand) Kind() Kind { return KindRun }

// Name returns the nested script name.
func (c *RunCommand) Name() string { return c.name }

// Commands returns a copy of the nested command list.
func (c *RunCommand) Commands() []Command {
	return append([]Command(nil), c.commands...)
}

// Child returns the child engine of the latest execution, if any.
func (c *RunCommand) Child() *Engine {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.child
}

// Execute implements Command.
func (c *RunCommand) Execute(ctx context.Context) {
	parent := c.Engine()
	if parent == nil {
		c.Complete()
		return
	}

	child := parent.spawn(ctx, c.name, c.commands)
	child.SetCompletionHandler(c.Complete)
	child.SetFailureHandler(func(err error) {
		parent.Fail(NewScriptError("sub-script failed", err).
			WithCode(ErrCodeSubScript).
			WithLabel(c.name))
	})

	c.mu.Lock()
	c.child = child
	c.mu.Unlock()

	child.Run(c.Queue())
}

// Cancel cancels the live child engine.
func (c *RunCommand) Cancel() {
	c.mu.Lock()
	child := c.child
	c.mu.Unlock()

	if child != nil {
		child.Cancel()
	}
}

// ResetCancel drops the previous child before a new execution.
func (c *RunCommand) ResetCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.child = nil
}
