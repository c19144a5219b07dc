package env

import (
	"sort"
	"sync"
)

// Environment is a mutable store of named values.
type Environment struct {
	mu   sync.RWMutex
	vars map[string]any
}

var (
	defaultOnce sync.Once
	defaultEnv  *Environment
)

// New creates an empty, isolated environment.
func New() *Environment {
	return &Environment{vars: make(map[string]any)}
}

// Default returns the process-wide environment.
func Default() *Environment {
	defaultOnce.Do(func() {
		defaultEnv = New()
	})
	return defaultEnv
}

// Get returns the raw value stored under key.
func (e *Environment) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	v, ok := e.vars[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (e *Environment) Set(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.vars[key] = value
}

// Remove deletes key. Removing a missing key is a no-op.
func (e *Environment) Remove(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.vars, key)
}

// Has reports whether key is present.
func (e *Environment) Has(key string) bool {
	_, ok := e.Get(key)
	return ok
}

// Len returns the number of stored values.
func (e *Environment) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.vars)
}

// Keys returns the stored keys in sorted order.
func (e *Environment) Keys() []string {
	e.mu.RLock()
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	e.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of the stored values.
func (e *Environment) Snapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]any, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// Merge copies every entry of values into the environment.
func (e *Environment) Merge(values map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, v := range values {
		e.vars[k] = v
	}
}

// Clear removes every value.
func (e *Environment) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.vars = make(map[string]any)
}

// Lookup returns the value under key converted to T. A missing key and a
// value of another type both report false.
func Lookup[T any](e *Environment, key string) (T, bool) {
	var zero T
	if e == nil {
		return zero, false
	}

	raw, ok := e.Get(key)
	if !ok {
		return zero, false
	}

	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// GetOr returns the value under key converted to T, or fallback.
func GetOr[T any](e *Environment, key string, fallback T) T {
	if v, ok := Lookup[T](e, key); ok {
		return v
	}
	return fallback
}

// Int returns an integer stored under key. Any Go integer type is accepted,
// as are float64 values without a fractional part.
func Int(e *Environment, key string) (int, bool) {
	if e == nil {
		return 0, false
	}

	raw, ok := e.Get(key)
	if !ok {
		return 0, false
	}

	switch v := raw.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}
