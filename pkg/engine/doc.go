// Package engine provides the sequential command interpreter at the heart of
// the sequencer.
//
// # Overview
//
// A script is a flat, fixed list of Commands. An Engine executes the list one
// command at a time: each command runs asynchronously and calls its
// completion exactly once, and only then is the next command dispatched. The
// engine never runs two commands of the same list concurrently.
//
// # Instruction Pointer
//
// The instruction pointer is the index of the next command to execute. It is
// incremented before a command's Execute is called, so control-flow commands
// overwrite an already advanced pointer:
//
//   - Goto(l) jumps to Label(l)
//   - If(l) jumps to Then(l), past Else(l), or to EndIf(l)
//   - Else(l) jumps to EndIf(l)
//   - While(l) exits past EndWhile(l) when its condition is false
//   - EndWhile(l) jumps back to While(l)
//   - For(l) iterates the variable l and exits past EndFor(l)
//   - EndFor(l) jumps back to For(l)
//
// Jump targets are resolved at jump time by scanning the engine's own list
// for the first command with the wanted kind and label. Nothing is
// pre-validated; an unresolved label is handled by the engine's LabelPolicy.
//
// # Sub-scripts
//
// A RunCommand executes a nested list in a child engine that shares the
// parent's Environment and NotificationCenter. The child's completion is the
// RunCommand's completion, so the parent resumes only after the child
// exhausted its list.
//
// # Cancellation
//
// Cancel stops a run: every Cancellable command is cancelled, no further
// command starts and the completion handler is never invoked. Completions
// that arrive after cancellation are ignored. The package-level registry
// tracks live runs by id for CancelRun and CancelAll.
//
// # Queues
//
// Every step is scheduled with Queue.Async. DefaultQueue is a process-wide
// SerialQueue; GoroutineQueue runs each step on its own goroutine.
//
// # Usage Example
//
//	environment := env.New()
//	e := engine.New([]engine.Command{
//	    engine.NewFor("i", engine.Range{Lower: 1, Upper: 3}),
//	    engine.NewPrint("i=${i}"),
//	    engine.NewEndFor("i"),
//	}, engine.WithEnvironment(environment))
//
//	e.Run(engine.DefaultQueue())
//	<-e.Done()
package engine
