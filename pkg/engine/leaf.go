package engine

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/env"
)

var referencePattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// Expand replaces ${name} in text with environment values. Missing variables
// expand to the empty string. A bare $ is copied as is.
func Expand(text string, e *env.Environment) string {
	return referencePattern.ReplaceAllStringFunc(text, func(ref string) string {
		v, ok := e.Get(ref[2 : len(ref)-1])
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// CallCommand runs a synchronous function and completes. A returned error
// fails the run.
type CallCommand struct {
	Base
	fn func(ctx context.Context) error
}

// NewCall creates a call command.
func NewCall(fn func(ctx context.Context) error) *CallCommand {
	return &CallCommand{fn: fn}
}

// Kind implements Command.
func (c *CallCommand) Kind() Kind { return KindCall }

// Execute implements Command.
func (c *CallCommand) Execute(ctx context.Context) {
	if c.fn != nil {
		if err := c.fn(ctx); err != nil {
			if e := c.Engine(); e != nil {
				e.Fail(NewCommandError("call failed", err).
					WithCode(ErrCodeCommand).
					WithIndex(e.InstructionPointer() - 1))
			}
		}
	}
	c.Complete()
}

// AsyncCommand hands its completion to a function that may finish later,
// from any goroutine.
type AsyncCommand struct {
	Base
	fn func(ctx context.Context, done func())
}

// NewAsync creates an async command. fn must call done exactly once.
func NewAsync(fn func(ctx context.Context, done func())) *AsyncCommand {
	return &AsyncCommand{fn: fn}
}

// Kind implements Command.
func (c *AsyncCommand) Kind() Kind { return KindAsync }

// Execute implements Command.
func (c *AsyncCommand) Execute(ctx context.Context) {
	if c.fn == nil {
		c.Complete()
		return
	}
	c.fn(ctx, c.Complete)
}

// WaitCommand completes after a delay. A cancelled wait never completes.
type WaitCommand struct {
	Base
	d     time.Duration
	state cancelState
}

// NewWait creates a wait command.
func NewWait(d time.Duration) *WaitCommand {
	return &WaitCommand{d: d}
}

// Kind implements Command.
func (c *WaitCommand) Kind() Kind { return KindWait }

// Duration returns the delay.
func (c *WaitCommand) Duration() time.Duration { return c.d }

// Execute implements Command.
func (c *WaitCommand) Execute(ctx context.Context) {
	timer := time.NewTimer(c.d)
	stop := make(chan struct{})

	if !c.state.onCancel(func() { close(stop) }) {
		timer.Stop()
		return
	}

	go func() {
		defer timer.Stop()

		select {
		case <-timer.C:
			if !c.state.isCancelled() {
				c.Complete()
			}
		case <-stop:
		case <-ctx.Done():
		}
	}()
}

// Cancel implements Cancellable.
func (c *WaitCommand) Cancel() {
	c.state.cancel()
}

// ResetCancel implements Cancellable.
func (c *WaitCommand) ResetCancel() {
	c.state.reset()
}

// ValueFunc computes a value from the environment.
type ValueFunc func(e *env.Environment) (any, error)

// SetCommand stores a computed value in the environment. A value error fails
// the run.
type SetCommand struct {
	Base
	key   string
	value ValueFunc
}

// NewSet creates a set command computing its value when executed.
func NewSet(key string, value ValueFunc) *SetCommand {
	return &SetCommand{key: key, value: value}
}

// NewSetValue creates a set command storing a constant.
func NewSetValue(key string, value any) *SetCommand {
	return NewSet(key, func(*env.Environment) (any, error) {
		return value, nil
	})
}

// Kind implements Command.
func (c *SetCommand) Kind() Kind { return KindSet }

// Key returns the variable name.
func (c *SetCommand) Key() string { return c.key }

// Execute implements Command.
func (c *SetCommand) Execute(context.Context) {
	defer c.Complete()

	e := c.Engine()
	if e == nil {
		return
	}

	var (
		v   any
		err error
	)
	if c.value != nil {
		v, err = c.value(e.Environment())
	}
	if err != nil {
		e.Fail(NewCommandError(fmt.Sprintf("cannot compute %q", c.key), err).
			WithCode(ErrCodeCommand).
			WithIndex(e.InstructionPointer() - 1))
		return
	}
	e.Environment().Set(c.key, v)
}

// UnsetCommand removes a variable from the environment.
type UnsetCommand struct {
	Base
	key string
}

// NewUnset creates an unset command.
func NewUnset(key string) *UnsetCommand {
	return &UnsetCommand{key: key}
}

// Kind implements Command.
func (c *UnsetCommand) Kind() Kind { return KindUnset }

// Execute implements Command.
func (c *UnsetCommand) Execute(context.Context) {
	if e := c.Engine(); e != nil {
		e.Environment().Remove(c.key)
	}
	c.Complete()
}

// PrintCommand writes an expanded line to the engine output.
type PrintCommand struct {
	Base
	text string
}

// NewPrint creates a print command.
func NewPrint(text string) *PrintCommand {
	return &PrintCommand{text: text}
}

// Kind implements Command.
func (c *PrintCommand) Kind() Kind { return KindPrint }

// Execute implements Command.
func (c *PrintCommand) Execute(ctx context.Context) {
	defer c.Complete()

	e := c.Engine()
	if e == nil {
		return
	}

	if _, err := io.WriteString(e.Output(), Expand(c.text, e.Environment())+"\n"); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to write output")
	}
}

// LogCommand writes an expanded message through the run logger.
type LogCommand struct {
	Base
	level zerolog.Level
	text  string
}

// NewLog creates a log command.
func NewLog(level zerolog.Level, text string) *LogCommand {
	return &LogCommand{level: level, text: text}
}

// Kind implements Command.
func (c *LogCommand) Kind() Kind { return KindLog }

// Execute implements Command.
func (c *LogCommand) Execute(ctx context.Context) {
	defer c.Complete()

	e := c.Engine()
	if e == nil {
		return
	}

	zerolog.Ctx(ctx).WithLevel(c.level).
		Str("source", "script").
		Msg(Expand(c.text, e.Environment()))
}
