package engine

import (
	"context"
	"sync"
	"weak"
)

// Kind is the stable discriminator of a command variant. Label resolution
// matches on (Kind, label) pairs.
type Kind string

const (
	KindLabel    Kind = "label"
	KindGoto     Kind = "goto"
	KindIf       Kind = "if"
	KindThen     Kind = "then"
	KindElse     Kind = "else"
	KindEndIf    Kind = "endif"
	KindWhile    Kind = "while"
	KindEndWhile Kind = "endwhile"
	KindFor      Kind = "for"
	KindEndFor   Kind = "endfor"
	KindRun      Kind = "run"

	KindCall  Kind = "call"
	KindAsync Kind = "async"
	KindWait  Kind = "wait"
	KindSet   Kind = "set"
	KindUnset Kind = "unset"
	KindPrint Kind = "print"
	KindLog   Kind = "log"
)

// Command is one executable step of a script.
//
// The engine binds the engine reference, queue and completion immediately
// before calling Execute. Execute must call the bound completion exactly once,
// after any asynchronous work it started has finished or been abandoned.
type Command interface {
	// Kind returns the variant discriminator.
	Kind() Kind

	// Execute performs the step. ctx is cancelled when the run is cancelled.
	Execute(ctx context.Context)

	// SetEngine binds the engine that is executing the command.
	SetEngine(e *Engine)

	// SetQueue binds the queue the command runs on.
	SetQueue(q Queue)

	// SetCompletion binds the one-shot completion callback.
	SetCompletion(fn func())
}

// Labeled is a command carrying a label used for jump target resolution.
type Labeled interface {
	Command
	Label() string
}

// Cancellable is a command with side effects that can be undone.
//
// Cancel may be called on any command in the list, whether or not it is the
// one currently executing. ResetCancel is called by the engine before every
// Execute so a command value can be re-executed inside loops.
type Cancellable interface {
	Command
	Cancel()
	ResetCancel()
}

// Base carries the per-dispatch bindings every command needs. Embed it in a
// command type to satisfy the binding half of Command.
//
// The engine reference is weak: a command never keeps its engine alive.
type Base struct {
	mu         sync.Mutex
	engine     weak.Pointer[Engine]
	queue      Queue
	completion func()
}

// SetEngine implements Command.
func (b *Base) SetEngine(e *Engine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e == nil {
		b.engine = weak.Pointer[Engine]{}
		return
	}
	b.engine = weak.Make(e)
}

// Engine returns the bound engine, or nil if none is bound or it is gone.
func (b *Base) Engine() *Engine {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.engine.Value()
}

// SetQueue implements Command.
func (b *Base) SetQueue(q Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = q
}

// Queue returns the bound queue.
func (b *Base) Queue() Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.queue
}

// SetCompletion implements Command.
func (b *Base) SetCompletion(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.completion = fn
}

// Complete fires the bound completion callback.
func (b *Base) Complete() {
	b.mu.Lock()
	fn := b.completion
	b.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// LabelBase is Base plus a label.
type LabelBase struct {
	Base
	label string
}

// Label implements Labeled.
func (l *LabelBase) Label() string {
	return l.label
}

// cancelState is the mutable cancellation cell owned by a cancellable
// command. It is reset at the start of each Execute.
type cancelState struct {
	mu        sync.Mutex
	cancelled bool
	stop      func()
}

func (s *cancelState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelled = false
	s.stop = nil
}

// cancel marks the cell cancelled and runs the registered stop function once.
func (s *cancelState) cancel() {
	s.mu.Lock()
	s.cancelled = true
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (s *cancelState) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancelled
}

// onCancel registers stop to be run on cancellation. It reports false, and
// runs nothing, if the cell is already cancelled.
func (s *cancelState) onCancel(stop func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return false
	}
	s.stop = stop
	return true
}
