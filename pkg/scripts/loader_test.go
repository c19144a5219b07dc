package scripts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/compiler"
)

func newTestLoader(opts ...Option) *Loader {
	return NewLoader(compiler.NewDefault(compiler.WithLogger(zerolog.Nop())), zerolog.Nop(), opts...)
}

func writeScript(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.seq")
	writeScript(t, path, "# greet\nset name \"world\"\nprint hello ${name}\n")

	loader := newTestLoader()
	script, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load script: %v", err)
	}

	if script.Name != "hello" {
		t.Errorf("Expected name 'hello', got '%s'", script.Name)
	}
	if script.Commands != 2 {
		t.Errorf("Expected 2 commands, got %d", script.Commands)
	}
	if len(script.Hash) != 64 {
		t.Errorf("Expected sha256 hex hash, got %q", script.Hash)
	}

	again, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load script again: %v", err)
	}
	if again != script {
		t.Error("Expected unchanged script to come from the cache")
	}
}

func TestLoadReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grow.seq")
	writeScript(t, path, "print one\n")

	loader := newTestLoader()
	first, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load script: %v", err)
	}

	writeScript(t, path, "print one\nprint two\nprint three\n")
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Failed to touch file: %v", err)
	}

	second, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to reload script: %v", err)
	}
	if second == first || second.Commands != 3 {
		t.Errorf("Expected reloaded script with 3 commands, got %d", second.Commands)
	}
	if second.Hash == first.Hash {
		t.Error("Expected hash to change with content")
	}
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.seq")
	writeScript(t, path, "print ok\nfrobnicate now\n")

	loader := newTestLoader()
	_, err := loader.Load(context.Background(), path)
	if err == nil {
		t.Fatal("Expected parse error")
	}
	if !strings.Contains(err.Error(), ":2:") {
		t.Errorf("Expected error to name line 2, got %v", err)
	}
	if _, ok := loader.Cached(path); ok {
		t.Error("Expected failed script not to be cached")
	}
}

func TestCommandsAreFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loop.seq")
	writeScript(t, path, "for i 1...2\nprint ${i}\nendfor i\n")

	loader := newTestLoader()
	a, err := loader.Commands(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to compile script: %v", err)
	}
	b, err := loader.Commands(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to compile script: %v", err)
	}

	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("Expected 3 commands each, got %d and %d", len(a), len(b))
	}
	if a[0] == b[0] {
		t.Error("Expected every call to build new command values")
	}
	if _, ok := loader.Cached(path); !ok {
		t.Error("Expected compiled script to be cached")
	}
}

func TestCommandsHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestLoader().Commands(ctx, "whatever.seq"); err == nil {
		t.Error("Expected cancelled context to be rejected")
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	writeScript(t, filepath.Join(dir, "a.seq"), "print a\n")
	writeScript(t, filepath.Join(sub, "b.seq"), "print b\n")
	writeScript(t, filepath.Join(sub, "broken.seq"), "nope\n")
	writeScript(t, filepath.Join(dir, "notes.txt"), "not a script\n")

	loader := newTestLoader()
	scripts, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err == nil {
		t.Error("Expected error for the broken script")
	}
	if len(scripts) != 2 {
		t.Fatalf("Expected 2 scripts, got %d", len(scripts))
	}

	names := map[string]bool{}
	for _, s := range scripts {
		names[s.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Errorf("Expected scripts a and b, got %v", names)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing.seq")}); err == nil {
		t.Error("Expected error for a missing path")
	}
}

func TestClearCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.seq")
	writeScript(t, path, "print c\n")

	loader := newTestLoader()
	if _, err := loader.Load(context.Background(), path); err != nil {
		t.Fatalf("Failed to load script: %v", err)
	}
	loader.ClearCache()
	if _, ok := loader.Cached(path); ok {
		t.Error("Expected cache to be empty")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.seq")
	writeScript(t, path, "print v1\n")

	loader := newTestLoader(WithDebounce(50 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		reloads [][]*Script
	)
	changed := make(chan struct{}, 8)
	err := loader.Watch(ctx, []string{path}, func(scripts []*Script) error {
		mu.Lock()
		reloads = append(reloads, scripts)
		mu.Unlock()
		changed <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer loader.StopWatching()

	writeScript(t, path, "print v2\nprint v2 again\n")

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected reload after file change")
	}

	mu.Lock()
	defer mu.Unlock()
	last := reloads[len(reloads)-1]
	if len(last) != 1 || last[0].Commands != 2 {
		t.Errorf("Expected reloaded script with 2 commands, got %+v", last)
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, filepath.Join(dir, "main.seq"), "print main\n")

	loader := newTestLoader(WithDebounce(20 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 8)
	if err := loader.Watch(ctx, []string{dir}, func([]*Script) error {
		changed <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer loader.StopWatching()

	writeScript(t, filepath.Join(dir, "README.md"), "docs\n")

	select {
	case <-changed:
		t.Error("Expected no reload for a non-script file")
	case <-time.After(300 * time.Millisecond):
	}
}
