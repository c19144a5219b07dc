package env

import (
	"sync"
	"testing"
)

func TestEnvironment_SetGetRemove(t *testing.T) {
	e := New()

	if _, ok := e.Get("missing"); ok {
		t.Fatal("expected missing key to report false")
	}

	e.Set("speed", 2.5)
	v, ok := e.Get("speed")
	if !ok || v != 2.5 {
		t.Fatalf("expected speed=2.5, got %v (ok=%v)", v, ok)
	}

	e.Set("speed", "fast")
	if v, _ := e.Get("speed"); v != "fast" {
		t.Errorf("expected overwrite to win, got %v", v)
	}

	e.Remove("speed")
	if e.Has("speed") {
		t.Error("expected speed to be removed")
	}

	// Removing twice is fine.
	e.Remove("speed")
}

func TestLookup(t *testing.T) {
	e := New()
	e.Set("name", "froyo")
	e.Set("count", 3)

	tests := []struct {
		name   string
		check  func() (any, bool)
		want   any
		wantOK bool
	}{
		{
			name:   "matching string",
			check:  func() (any, bool) { return Lookup[string](e, "name") },
			want:   "froyo",
			wantOK: true,
		},
		{
			name:   "type mismatch",
			check:  func() (any, bool) { return Lookup[int](e, "name") },
			want:   0,
			wantOK: false,
		},
		{
			name:   "absent",
			check:  func() (any, bool) { return Lookup[string](e, "nope") },
			want:   "",
			wantOK: false,
		},
		{
			name:   "matching int",
			check:  func() (any, bool) { return Lookup[int](e, "count") },
			want:   3,
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.check()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLookup_NilEnvironment(t *testing.T) {
	if _, ok := Lookup[string](nil, "x"); ok {
		t.Error("expected nil environment lookup to report false")
	}
	if got := GetOr(nil, "x", 7); got != 7 {
		t.Errorf("expected fallback 7, got %d", got)
	}
}

func TestGetOr(t *testing.T) {
	e := New()
	e.Set("volume", 0.5)

	if got := GetOr(e, "volume", 1.0); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
	if got := GetOr(e, "volume", "loud"); got != "loud" {
		t.Errorf("expected fallback on type mismatch, got %v", got)
	}
	if got := GetOr(e, "pitch", 1.0); got != 1.0 {
		t.Errorf("expected fallback on absence, got %v", got)
	}
}

func TestInt(t *testing.T) {
	e := New()
	e.Set("a", 4)
	e.Set("b", int64(5))
	e.Set("c", 6.0)
	e.Set("d", 6.5)
	e.Set("e", "7")

	for key, want := range map[string]int{"a": 4, "b": 5, "c": 6} {
		got, ok := Int(e, key)
		if !ok || got != want {
			t.Errorf("Int(%q) = %d, %v; want %d, true", key, got, ok, want)
		}
	}
	for _, key := range []string{"d", "e", "missing"} {
		if _, ok := Int(e, key); ok {
			t.Errorf("Int(%q) expected false", key)
		}
	}
}

func TestDefault_IsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Fatal("expected Default to return the same instance")
	}

	a.Set("env_test_marker", true)
	defer a.Remove("env_test_marker")

	if !b.Has("env_test_marker") {
		t.Error("expected value set through one handle to be visible through the other")
	}
}

func TestNew_IsIsolated(t *testing.T) {
	a := New()
	b := New()
	a.Set("x", 1)

	if b.Has("x") {
		t.Error("expected isolated environments not to share values")
	}
	if Default().Has("x") {
		t.Error("expected isolated environment not to leak into the default one")
	}
}

func TestSnapshotMergeKeys(t *testing.T) {
	e := New()
	e.Merge(map[string]any{"b": 2, "a": 1})

	keys := e.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected sorted keys [a b], got %v", keys)
	}

	snap := e.Snapshot()
	snap["c"] = 3
	if e.Has("c") {
		t.Error("expected snapshot to be a copy")
	}

	e.Clear()
	if e.Len() != 0 {
		t.Errorf("expected empty environment after Clear, got %d entries", e.Len())
	}
}

func TestEnvironment_ConcurrentAccess(t *testing.T) {
	e := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Set("k", n)
				_, _ = e.Get("k")
				_ = e.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	if !e.Has("k") {
		t.Error("expected key to be present after concurrent writes")
	}
}
