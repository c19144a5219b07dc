package engine

import (
	"sort"
	"sync"
)

// live holds every engine between Run and the end of its run.
var live = struct {
	sync.RWMutex
	engines map[string]*Engine
}{engines: make(map[string]*Engine)}

func register(e *Engine) {
	id := e.RunID()

	live.Lock()
	defer live.Unlock()

	live.engines[id] = e
}

func deregister(e *Engine) {
	id := e.RunID()
	if id == "" {
		return
	}

	live.Lock()
	defer live.Unlock()

	if live.engines[id] == e {
		delete(live.engines, id)
	}
}

// Lookup returns the live engine with runID.
func Lookup(runID string) (*Engine, bool) {
	live.RLock()
	defer live.RUnlock()

	e, ok := live.engines[runID]
	return e, ok
}

// Running returns the ids of all live runs, sorted.
func Running() []string {
	live.RLock()
	ids := make([]string, 0, len(live.engines))
	for id := range live.engines {
		ids = append(ids, id)
	}
	live.RUnlock()

	sort.Strings(ids)
	return ids
}

// CancelRun cancels the live run with runID.
func CancelRun(runID string) error {
	e, ok := Lookup(runID)
	if !ok {
		return NewInternalError("run not found", nil).
			WithCode(ErrCodeNotFound).
			WithRunID(runID)
	}

	e.Cancel()
	return nil
}

// CancelAll cancels every live run, sub-engines included.
func CancelAll() {
	live.RLock()
	engines := make([]*Engine, 0, len(live.engines))
	for _, e := range live.engines {
		engines = append(engines, e)
	}
	live.RUnlock()

	for _, e := range engines {
		e.Cancel()
	}
}
