// Package env provides the variable environment shared by script engines.
//
// An Environment is a flat, string-keyed store of untyped values: loop
// counters, closures referenced by name, colors, strings, numbers. There is
// no nesting and no expiry. Keys are freely overwritten and a missing key is
// never an error, so readers always supply a fallback:
//
//	speed := env.GetOr(e, "speed", 1.0)
//
// A process-wide instance is returned by Default. Use New for an isolated,
// sandboxed store. Parent and child engines share one Environment by
// reference.
//
// # Thread Safety
//
// Every method is safe to call from multiple goroutines, but no atomicity is
// promised across calls. Callers that run several top-level engines against
// one Environment concurrently must serialize read-modify-write sequences
// themselves.
package env
