package engine

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/openfroyo/sequencer/pkg/env"
)

// Condition is a predicate over the environment evaluated by If and While.
// An error fails the run.
type Condition func(e *env.Environment) (bool, error)

// When adapts a plain predicate to a Condition.
func When(fn func(e *env.Environment) bool) Condition {
	return func(e *env.Environment) (bool, error) {
		return fn(e), nil
	}
}

// Always returns a constant Condition.
func Always(v bool) Condition {
	return func(*env.Environment) (bool, error) {
		return v, nil
	}
}

// Range is an inclusive integer range for For.
type Range struct {
	Lower int
	Upper int
}

// String renders the range the way scripts write it.
func (r Range) String() string {
	return fmt.Sprintf("%d...%d", r.Lower, r.Upper)
}

// IndexOf returns the index of the first command with kind and label.
// The list is scanned at call time.
func (e *Engine) IndexOf(kind Kind, label string) (int, bool) {
	for i, cmd := range e.commands {
		if cmd.Kind() != kind {
			continue
		}
		if l, ok := cmd.(Labeled); ok && l.Label() == label {
			return i, true
		}
	}
	return -1, false
}

// jump sets the instruction pointer to the command (kind, label) plus
// offset. An unresolved target is handled according to the label policy and
// leaves the pointer untouched.
func (e *Engine) jump(from Command, kind Kind, label string, offset int) bool {
	index := e.InstructionPointer() - 1

	target, ok := e.IndexOf(kind, label)
	if !ok {
		e.unresolved(from, index, kind, label)
		return false
	}

	target += offset
	e.SetInstructionPointer(target)
	e.center.Post(Notification{
		Name:    Jumped,
		Engine:  e,
		Index:   index,
		Command: from,
		Label:   label,
		Target:  target,
	})
	return true
}

func (e *Engine) unresolved(from Command, index int, kind Kind, label string) {
	e.center.Post(Notification{
		Name:    LabelUnresolved,
		Engine:  e,
		Index:   index,
		Command: from,
		Label:   label,
		Target:  -1,
	})

	if e.policy == LabelStrict {
		e.Fail(NewScriptError(fmt.Sprintf("no %s command with label %q", kind, label), nil).
			WithCode(ErrCodeUnresolvedLabel).
			WithLabel(label).
			WithIndex(index))
		return
	}

	logger := e.Logger()
	logger.Warn().
		Str("target_kind", string(kind)).
		Str("label", label).
		Int("index", index).
		Msg("Jump target not found, continuing with next command")
}

// evaluate runs cond, failing the run on error. A nil condition is false.
func (e *Engine) evaluate(cond Condition, label string) (bool, bool) {
	if cond == nil {
		return false, true
	}

	ok, err := cond(e.env)
	if err != nil {
		e.Fail(NewScriptError("condition failed", err).
			WithCode(ErrCodeCondition).
			WithLabel(label).
			WithIndex(e.InstructionPointer() - 1))
		return false, false
	}
	return ok, true
}

// LabelCommand marks a goto target. It does nothing when executed.
type LabelCommand struct {
	LabelBase
}

// NewLabel creates a label command.
func NewLabel(label string) *LabelCommand {
	return &LabelCommand{LabelBase{label: label}}
}

// Kind implements Command.
func (c *LabelCommand) Kind() Kind { return KindLabel }

// Execute implements Command.
func (c *LabelCommand) Execute(context.Context) {
	c.Complete()
}

// GotoCommand jumps to the label command with the same label.
type GotoCommand struct {
	LabelBase
}

// NewGoto creates a goto command.
func NewGoto(label string) *GotoCommand {
	return &GotoCommand{LabelBase{label: label}}
}

// Kind implements Command.
func (c *GotoCommand) Kind() Kind { return KindGoto }

// Execute implements Command.
func (c *GotoCommand) Execute(context.Context) {
	if e := c.Engine(); e != nil {
		e.jump(c, KindLabel, c.label, 0)
	}
	c.Complete()
}

// IfCommand branches on a condition. When true it jumps to Then(label); when
// false it jumps past Else(label) if present, otherwise to EndIf(label).
type IfCommand struct {
	LabelBase
	cond Condition
}

// NewIf creates an if command.
func NewIf(label string, cond Condition) *IfCommand {
	return &IfCommand{LabelBase: LabelBase{label: label}, cond: cond}
}

// Kind implements Command.
func (c *IfCommand) Kind() Kind { return KindIf }

// Execute implements Command.
func (c *IfCommand) Execute(context.Context) {
	defer c.Complete()

	e := c.Engine()
	if e == nil {
		return
	}

	ok, valid := e.evaluate(c.cond, c.label)
	switch {
	case !valid:
	case ok:
		e.jump(c, KindThen, c.label, 0)
	default:
		if _, found := e.IndexOf(KindElse, c.label); found {
			e.jump(c, KindElse, c.label, 1)
		} else {
			e.jump(c, KindEndIf, c.label, 0)
		}
	}
}

// ThenCommand opens the true branch of an if. It does nothing.
type ThenCommand struct {
	LabelBase
}

// NewThen creates a then command.
func NewThen(label string) *ThenCommand {
	return &ThenCommand{LabelBase{label: label}}
}

// Kind implements Command.
func (c *ThenCommand) Kind() Kind { return KindThen }

// Execute implements Command.
func (c *ThenCommand) Execute(context.Context) {
	c.Complete()
}

// ElseCommand ends the true branch by jumping to EndIf(label). The false
// branch starts after it.
type ElseCommand struct {
	LabelBase
}

// NewElse creates an else command.
func NewElse(label string) *ElseCommand {
	return &ElseCommand{LabelBase{label: label}}
}

// Kind implements Command.
func (c *ElseCommand) Kind() Kind { return KindElse }

// Execute implements Command.
func (c *ElseCommand) Execute(context.Context) {
	if e := c.Engine(); e != nil {
		e.jump(c, KindEndIf, c.label, 0)
	}
	c.Complete()
}

// EndIfCommand closes an if. It does nothing.
type EndIfCommand struct {
	LabelBase
}

// NewEndIf creates an endif command.
func NewEndIf(label string) *EndIfCommand {
	return &EndIfCommand{LabelBase{label: label}}
}

// Kind implements Command.
func (c *EndIfCommand) Kind() Kind { return KindEndIf }

// Execute implements Command.
func (c *EndIfCommand) Execute(context.Context) {
	c.Complete()
}

// WhileCommand tests its condition on every visit and exits past
// EndWhile(label) when it is false.
type WhileCommand struct {
	LabelBase
	cond Condition
}

// NewWhile creates a while command.
func NewWhile(label string, cond Condition) *WhileCommand {
	return &WhileCommand{LabelBase: LabelBase{label: label}, cond: cond}
}

// Kind implements Command.
func (c *WhileCommand) Kind() Kind { return KindWhile }

// Execute implements Command.
func (c *WhileCommand) Execute(context.Context) {
	defer c.Complete()

	e := c.Engine()
	if e == nil {
		return
	}

	ok, valid := e.evaluate(c.cond, c.label)
	if valid && !ok {
		e.jump(c, KindEndWhile, c.label, 1)
	}
}

// EndWhileCommand jumps back to While(label).
type EndWhileCommand struct {
	LabelBase
}

// NewEndWhile creates an endwhile command.
func NewEndWhile(label string) *EndWhileCommand {
	return &EndWhileCommand{LabelBase{label: label}}
}

// Kind implements Command.
func (c *EndWhileCommand) Kind() Kind { return KindEndWhile }

// Execute implements Command.
func (c *EndWhileCommand) Execute(context.Context) {
	if e := c.Engine(); e != nil {
		e.jump(c, KindWhile, c.label, 0)
	}
	c.Complete()
}

// ForCommand iterates its label variable over an inclusive range.
//
// Entering the loop from above stores Lower under the label. Re-entering from
// EndFor(label) stores the current value plus one. Whenever the stored value
// exceeds Upper the loop exits past EndFor(label), leaving Upper+1 behind
// (or Upper itself when Upper is math.MaxInt).
type ForCommand struct {
	LabelBase
	rng Range

	mu         sync.Mutex
	continuing bool
}

// NewFor creates a for command.
func NewFor(label string, rng Range) *ForCommand {
	return &ForCommand{LabelBase: LabelBase{label: label}, rng: rng}
}

// Kind implements Command.
func (c *ForCommand) Kind() Kind { return KindFor }

// Range returns the loop bounds.
func (c *ForCommand) Range() Range { return c.rng }

// continueLoop marks the next visit as an iteration rather than an entry.
func (c *ForCommand) continueLoop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.continuing = true
}

// Cancel forgets a pending iteration so the next run enters from above.
func (c *ForCommand) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.continuing = false
}

// ResetCancel implements Cancellable.
func (c *ForCommand) ResetCancel() {}

// Execute implements Command.
func (c *ForCommand) Execute(context.Context) {
	defer c.Complete()

	e := c.Engine()
	if e == nil {
		return
	}

	c.mu.Lock()
	continuing := c.continuing
	c.continuing = false
	c.mu.Unlock()

	next := c.rng.Lower
	if continuing {
		if cur, ok := env.Int(e.Environment(), c.label); ok {
			if cur >= c.rng.Upper {
				// Upper+1 is left behind unless it does not fit in an int.
				if cur < math.MaxInt {
					e.Environment().Set(c.label, cur+1)
				}
				e.jump(c, KindEndFor, c.label, 1)
				return
			}
			next = cur + 1
		}
	}
	e.Environment().Set(c.label, next)

	if next > c.rng.Upper {
		e.jump(c, KindEndFor, c.label, 1)
	}
}

// EndForCommand jumps back to For(label) for the next iteration.
type EndForCommand struct {
	LabelBase
}

// NewEndFor creates an endfor command.
func NewEndFor(label string) *EndForCommand {
	return &EndForCommand{LabelBase{label: label}}
}

// Kind implements Command.
func (c *EndForCommand) Kind() Kind { return KindEndFor }

// Execute implements Command.
func (c *EndForCommand) Execute(context.Context) {
	defer c.Complete()

	e := c.Engine()
	if e == nil {
		return
	}

	if idx, ok := e.IndexOf(KindFor, c.label); ok {
		if head, ok := e.commands[idx].(*ForCommand); ok {
			head.continueLoop()
		}
	}
	e.jump(c, KindFor, c.label, 0)
}
