package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/sequencer/pkg/env"
)

const tracerName = "github.com/openfroyo/sequencer/pkg/engine"

// Engine executes a fixed list of commands one at a time.
//
// The instruction pointer is the index of the next command to execute. It is
// advanced before a command runs, so a jump command overwrites the already
// incremented value. At most one command is in flight per engine: the next
// command is dispatched only after the current one calls its completion.
type Engine struct {
	name     string
	commands []Command
	env      *env.Environment
	center   *NotificationCenter
	tracer   trace.Tracer
	policy   LabelPolicy
	output   io.Writer
	parent   *Engine
	baseCtx  context.Context

	mu                sync.Mutex
	logger            zerolog.Logger
	runID             string
	queue             Queue
	ip                int
	status            RunStatus
	cancelled         bool
	paused            bool
	ended             bool
	err               error
	startedAt         time.Time
	completionHandler func()
	cleanupHandler    func()
	failureHandler    func(error)
	ctx               context.Context
	cancelCtx         context.CancelFunc
	runSpan           trace.Span
	stepSpan          trace.Span
	done              chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnvironment sets the environment. Defaults to env.Default().
func WithEnvironment(e *env.Environment) Option {
	return func(eng *Engine) {
		if e != nil {
			eng.env = e
		}
	}
}

// WithLogger sets the logger. Defaults to the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(eng *Engine) {
		eng.logger = l
	}
}

// WithTracer sets the tracer used for run and command spans.
func WithTracer(t trace.Tracer) Option {
	return func(eng *Engine) {
		if t != nil {
			eng.tracer = t
		}
	}
}

// WithNotifications sets the notification center. Defaults to
// DefaultNotifications().
func WithNotifications(c *NotificationCenter) Option {
	return func(eng *Engine) {
		if c != nil {
			eng.center = c
		}
	}
}

// WithLabelPolicy sets the unresolved-label policy. Defaults to LabelLenient.
func WithLabelPolicy(p LabelPolicy) Option {
	return func(eng *Engine) {
		if p.Validate() == nil {
			eng.policy = p
		}
	}
}

// WithCompletionHandler sets the handler called when the list is exhausted.
func WithCompletionHandler(fn func()) Option {
	return func(eng *Engine) {
		eng.completionHandler = fn
	}
}

// WithCleanupHandler sets the handler called after completion or on cancel.
func WithCleanupHandler(fn func()) Option {
	return func(eng *Engine) {
		eng.cleanupHandler = fn
	}
}

// WithFailureHandler sets the handler called when the run fails.
func WithFailureHandler(fn func(error)) Option {
	return func(eng *Engine) {
		eng.failureHandler = fn
	}
}

// WithOutput sets the writer used by print commands. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(eng *Engine) {
		if w != nil {
			eng.output = w
		}
	}
}

// WithContext sets the parent context of the run context.
func WithContext(ctx context.Context) Option {
	return func(eng *Engine) {
		if ctx != nil {
			eng.baseCtx = ctx
		}
	}
}

// WithName names the script for logs, spans and run history.
func WithName(name string) Option {
	return func(eng *Engine) {
		eng.name = name
	}
}

// New creates an engine over commands. The list is copied and fixed.
func New(commands []Command, opts ...Option) *Engine {
	e := &Engine{
		commands: append([]Command(nil), commands...),
		env:      env.Default(),
		center:   DefaultNotifications(),
		tracer:   otel.Tracer(tracerName),
		policy:   LabelLenient,
		output:   os.Stdout,
		baseCtx:  context.Background(),
		logger:   log.Logger,
		status:   RunStatusPending,
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With().Str("component", "engine").Logger()
	if e.name != "" {
		e.logger = e.logger.With().Str("script", e.name).Logger()
	}

	return e
}

// RunCommands creates an engine over commands sharing environment and starts
// it on q. It returns the engine and its run id.
func RunCommands(commands []Command, environment *env.Environment, q Queue, opts ...Option) (*Engine, string) {
	opts = append([]Option{WithEnvironment(environment)}, opts...)
	e := New(commands, opts...)
	return e, e.Run(q)
}

// Run registers the engine as live and starts executing from the first
// command on q. It returns the run id. An engine runs at most once; later
// calls return the existing id.
func (e *Engine) Run(q Queue) string {
	if q == nil {
		q = DefaultQueue()
	}

	e.mu.Lock()
	if e.status != RunStatusPending {
		id := e.runID
		e.mu.Unlock()
		return id
	}

	e.runID = uuid.New().String()
	e.queue = q
	e.ip = 0
	e.status = RunStatusRunning
	e.startedAt = time.Now()
	e.logger = e.logger.With().Str("run_id", e.runID).Logger()

	attrs := []attribute.KeyValue{
		attribute.String("run.id", e.runID),
		attribute.String("script.name", e.name),
		attribute.Int("script.commands", len(e.commands)),
		attribute.String("queue", q.Name()),
	}
	if e.parent != nil {
		attrs = append(attrs, attribute.String("run.parent_id", e.parent.RunID()))
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	ctx, span := e.tracer.Start(ctx, "script.run", trace.WithAttributes(attrs...))
	e.ctx = e.logger.WithContext(ctx)
	e.cancelCtx = cancel
	e.runSpan = span
	runID := e.runID
	logger := e.logger
	e.mu.Unlock()

	register(e)

	logger.Debug().
		Int("commands", len(e.commands)).
		Str("queue", q.Name()).
		Msg("Run started")

	e.center.Post(Notification{Name: EngineStarted, Engine: e, Index: -1})

	q.Async(e.executeNext)
	return runID
}

// executeNext dispatches the command at the instruction pointer, or finishes
// the run when the pointer is out of range.
func (e *Engine) executeNext() {
	e.mu.Lock()
	if e.cancelled || e.status.IsTerminal() {
		e.mu.Unlock()
		e.finish()
		return
	}

	if e.ip < 0 || e.ip >= len(e.commands) {
		q := e.queue
		e.mu.Unlock()
		q.Async(e.complete)
		return
	}

	index := e.ip
	cmd := e.commands[index]
	e.mu.Unlock()

	e.center.Post(Notification{Name: WillExecuteCommand, Engine: e, Index: index, Command: cmd})

	e.mu.Lock()
	if e.cancelled || e.status.IsTerminal() {
		e.mu.Unlock()
		e.finish()
		return
	}
	e.ip = index + 1
	q := e.queue

	attrs := []attribute.KeyValue{
		attribute.Int("command.index", index),
		attribute.String("command.kind", string(cmd.Kind())),
	}
	if l, ok := cmd.(Labeled); ok {
		attrs = append(attrs, attribute.String("command.label", l.Label()))
	}
	ctx, span := e.tracer.Start(e.ctx, "script.command", trace.WithAttributes(attrs...))
	e.stepSpan = span
	logger := e.logger.With().
		Int("index", index).
		Str("kind", string(cmd.Kind())).
		Logger()
	e.mu.Unlock()

	ctx = logger.WithContext(ctx)

	cmd.SetEngine(e)
	cmd.SetQueue(q)
	cmd.SetCompletion(e.continuation(index, cmd, span))
	if c, ok := cmd.(Cancellable); ok {
		c.ResetCancel()
	}

	logger.Trace().Msg("Executing command")
	e.execute(ctx, index, cmd)
}

// continuation returns the one-shot completion bound to a single dispatch.
// It re-enters executeNext asynchronously on the queue; a second call, or a
// call after the run ended, is dropped.
func (e *Engine) continuation(index int, cmd Command, span trace.Span) func() {
	var fired atomic.Bool

	return func() {
		if !fired.CompareAndSwap(false, true) {
			e.mu.Lock()
			logger := e.logger
			e.mu.Unlock()

			logger.Error().
				Int("index", index).
				Str("kind", string(cmd.Kind())).
				Msg("Command completed more than once; ignoring")
			e.center.Post(Notification{Name: DuplicateCompletion, Engine: e, Index: index, Command: cmd})
			return
		}

		span.End()

		e.mu.Lock()
		stale := e.cancelled || e.status.IsTerminal()
		q := e.queue
		e.mu.Unlock()

		if stale {
			return
		}
		q.Async(e.executeNext)
	}
}

// execute runs cmd, turning a panic into a run failure.
func (e *Engine) execute(ctx context.Context, index int, cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			e.Fail(NewCommandError("command panicked", fmt.Errorf("%v", r)).
				WithCode(ErrCodePanic).
				WithIndex(index))
		}
	}()

	cmd.Execute(ctx)
}

// complete runs the completion and cleanup handlers of a finished list.
func (e *Engine) complete() {
	e.mu.Lock()
	if e.cancelled || e.status.IsTerminal() {
		e.mu.Unlock()
		e.finish()
		return
	}
	e.status = RunStatusSucceeded
	completion := e.completionHandler
	cleanup := e.cleanupHandler
	e.mu.Unlock()

	if completion != nil {
		completion()
	}
	if cleanup != nil {
		cleanup()
	}
	e.finish()
}

// finish deregisters the engine and posts EngineEnded. It runs once.
func (e *Engine) finish() {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	e.ended = true
	status := e.status
	err := e.err
	runSpan := e.runSpan
	stepSpan := e.stepSpan
	cancel := e.cancelCtx
	logger := e.logger
	started := e.startedAt
	e.mu.Unlock()

	deregister(e)

	if stepSpan != nil {
		stepSpan.End()
	}
	if runSpan != nil {
		runSpan.SetAttributes(attribute.String("run.status", string(status)))
		if status == RunStatusFailed && err != nil {
			runSpan.RecordError(err)
			runSpan.SetStatus(codes.Error, err.Error())
		} else {
			runSpan.SetStatus(codes.Ok, "")
		}
		runSpan.End()
	}

	event := logger.Debug()
	if status == RunStatusFailed {
		event = logger.Warn().Err(err)
	}
	event.Str("status", string(status)).
		Dur("duration", time.Since(started)).
		Msg("Run ended")

	e.center.Post(Notification{Name: EngineEnded, Engine: e, Index: -1})

	if cancel != nil {
		cancel()
	}
	close(e.done)
}

// Cancel stops the run. Every cancellable command in the list is cancelled,
// no further command is started and the completion handler is never called.
// The cleanup handler is called. Cancelling a sub-engine also cancels its
// parent. Cancel is a no-op once the run ended.
func (e *Engine) Cancel() {
	e.mu.Lock()
	if e.status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	wasRunning := e.status == RunStatusRunning
	e.cancelled = true
	e.status = RunStatusCancelled
	e.err = NewCancelledError("run cancelled", nil).
		WithCode(ErrCodeCancelled).
		WithRunID(e.runID)
	cleanup := e.cleanupHandler
	logger := e.logger
	parent := e.parent
	e.mu.Unlock()

	logger.Debug().Msg("Cancelling run")

	if wasRunning {
		e.CancelAllCommands()
		if cleanup != nil {
			cleanup()
		}
	}
	e.finish()

	if parent != nil {
		parent.Cancel()
	}
}

// Fail stops the run with err. It behaves like Cancel except that the status
// is failed and the failure handler is called with err. Commands use it to
// report errors that make the rest of the script meaningless.
func (e *Engine) Fail(err error) {
	e.mu.Lock()
	if e.status != RunStatusRunning {
		e.mu.Unlock()
		return
	}
	var ee *EngineError
	if errors.As(err, &ee) && ee.RunID == "" {
		ee.RunID = e.runID
	}
	e.cancelled = true
	e.status = RunStatusFailed
	e.err = err
	cleanup := e.cleanupHandler
	failure := e.failureHandler
	e.mu.Unlock()

	e.CancelAllCommands()
	if cleanup != nil {
		cleanup()
	}
	if failure != nil {
		failure(err)
	}
	e.finish()
}

// CancelAllCommands calls Cancel on every cancellable command in the list
// without stopping the engine.
func (e *Engine) CancelAllCommands() {
	for _, cmd := range e.commands {
		if c, ok := cmd.(Cancellable); ok {
			c.Cancel()
		}
	}
}

// spawn creates a child engine sharing this engine's environment,
// notification center, tracer, policy and output.
func (e *Engine) spawn(ctx context.Context, name string, commands []Command) *Engine {
	e.mu.Lock()
	logger := e.logger
	e.mu.Unlock()

	child := New(commands,
		WithEnvironment(e.env),
		WithNotifications(e.center),
		WithTracer(e.tracer),
		WithLabelPolicy(e.policy),
		WithOutput(e.output),
		WithLogger(logger.With().Str("parent_run_id", e.RunID()).Logger()),
		WithContext(ctx),
		WithName(name),
	)
	child.parent = e
	return child
}

// InstructionPointer returns the index of the next command to execute.
func (e *Engine) InstructionPointer() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ip
}

// SetInstructionPointer moves the instruction pointer. A value outside the
// command list ends the run after the current command completes.
func (e *Engine) SetInstructionPointer(ip int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ip = ip
}

// Paused reports the cooperative pause flag.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.paused
}

// SetPaused sets the cooperative pause flag. Commands with visual or timed
// side effects may consult it; the scheduler itself ignores it.
func (e *Engine) SetPaused(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.paused = paused
}

// SetCompletionHandler replaces the completion handler.
func (e *Engine) SetCompletionHandler(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.completionHandler = fn
}

// SetCleanupHandler replaces the cleanup handler.
func (e *Engine) SetCleanupHandler(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cleanupHandler = fn
}

// SetFailureHandler replaces the failure handler.
func (e *Engine) SetFailureHandler(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failureHandler = fn
}

// Commands returns a copy of the command list.
func (e *Engine) Commands() []Command {
	return append([]Command(nil), e.commands...)
}

// Len returns the number of commands.
func (e *Engine) Len() int {
	return len(e.commands)
}

// Environment returns the shared environment.
func (e *Engine) Environment() *env.Environment {
	return e.env
}

// Output returns the writer used by print commands.
func (e *Engine) Output() io.Writer {
	return e.output
}

// Logger returns the run logger.
func (e *Engine) Logger() zerolog.Logger {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.logger
}

// Name returns the script name.
func (e *Engine) Name() string {
	return e.name
}

// RunID returns the run id, or "" before Run.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.runID
}

// Parent returns the engine that spawned this one through a run command.
func (e *Engine) Parent() *Engine {
	return e.parent
}

// Status returns the run status.
func (e *Engine) Status() RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

// Err returns the error that stopped the run, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.err
}

// StartedAt returns when Run was called.
func (e *Engine) StartedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.startedAt
}

// Done returns a channel closed once the run ended for any reason.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the run ended or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
