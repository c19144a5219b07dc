package scripts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/compiler"
	"github.com/openfroyo/sequencer/pkg/engine"
)

// Extension is the file extension of script files found in directories.
const Extension = ".seq"

// DefaultDebounce is how long Watch waits for changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Script describes a script file that compiled successfully.
type Script struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	Commands int       `json:"commands"`
	LoadedAt time.Time `json:"loaded_at"`

	// Runs lists the absolute paths of the scripts this script runs
	// directly, sorted.
	Runs []string `json:"runs,omitempty"`
}

// Loader loads scripts through a compiler.
type Loader struct {
	compiler *compiler.Compiler
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	cache   map[string]*Script
	watcher *fsnotify.Watcher
}

// Option configures a Loader.
type Option func(*Loader)

// WithDebounce sets the delay between the last change and the reload.
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.debounce = d
		}
	}
}

// NewLoader creates a new script loader. A nil compiler means the default
// compiler.
func NewLoader(c *compiler.Compiler, logger zerolog.Logger, opts ...Option) *Loader {
	if c == nil {
		c = compiler.Default()
	}
	l := &Loader{
		compiler: c,
		logger:   logger.With().Str("component", "script-loader").Logger(),
		debounce: DefaultDebounce,
		cache:    make(map[string]*Script),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Commands compiles the script at path into a fresh command list. Commands
// carry per-run state, so every run gets its own list.
func (l *Loader) Commands(ctx context.Context, path string) ([]engine.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	commands, err := l.compiler.CompileFile(path)
	if err != nil {
		return nil, err
	}

	if _, err := l.remember(path, commands); err != nil {
		l.logger.Debug().Err(err).Str("path", path).Msg("Failed to cache script")
	}
	return commands, nil
}

// Load validates the script at path, using the cache while the file is
// unchanged.
func (l *Loader) Load(ctx context.Context, path string) (*Script, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat script: %w", err)
	}

	l.mu.RLock()
	cached, ok := l.cache[abs]
	l.mu.RUnlock()
	if ok && cached.Size == info.Size() && cached.ModTime.Equal(info.ModTime()) {
		return cached, nil
	}

	commands, err := l.compiler.CompileFile(abs)
	if err != nil {
		return nil, err
	}

	script, err := l.remember(abs, commands)
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("path", abs).
		Int("commands", script.Commands).
		Msg("Script loaded")

	return script, nil
}

func (l *Loader) remember(path string, commands []engine.Command) (*Script, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	script := &Script{
		Path:     abs,
		Name:     strings.TrimSuffix(filepath.Base(abs), Extension),
		Hash:     hex.EncodeToString(sum[:]),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Commands: len(commands),
		LoadedAt: time.Now(),
		Runs:     runTargets(abs, commands),
	}

	l.mu.Lock()
	l.cache[abs] = script
	l.mu.Unlock()

	return script, nil
}

// runTargets returns the scripts run directly by the script at path. Run
// commands name their script relative to the including file.
func runTargets(path string, commands []engine.Command) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, c := range commands {
		rc, ok := c.(*engine.RunCommand)
		if !ok {
			continue
		}
		target := rc.Name()
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		target = filepath.Clean(target)
		if !seen[target] {
			seen[target] = true
			targets = append(targets, target)
		}
	}
	slices.Sort(targets)
	return targets
}

// LoadFromPaths validates every script in paths. Directories are walked for
// files with the script extension. All failures are returned joined; the
// scripts that loaded are returned either way.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]*Script, error) {
	var (
		scripts []*Script
		errs    []error
	)

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}

		if !info.IsDir() {
			script, err := l.Load(ctx, path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			scripts = append(scripts, script)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(p) != Extension {
				return nil
			}

			script, err := l.Load(ctx, p)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", p).Msg("Failed to load script file")
				errs = append(errs, err)
				return nil
			}
			scripts = append(scripts, script)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to walk directory %s: %w", path, err))
		}
	}

	l.logger.Info().
		Int("total", len(scripts)).
		Int("sources", len(paths)).
		Int("errors", len(errs)).
		Msg("Scripts loaded from paths")

	return scripts, errors.Join(errs...)
}

// Cached returns the cached description of path, if any.
func (l *Loader) Cached(path string) (*Script, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.cache[abs]
	return s, ok
}

// ClearCache clears the script cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]*Script)
	l.logger.Debug().Msg("Script cache cleared")
}

// Watch watches paths and calls onChange with the reloaded scripts after
// script files change. Directories are watched recursively, files through
// their directory so editors that replace files are seen. Watching stops
// when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, onChange func([]*Script) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	files := make(map[string]bool)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := watchDirectory(watcher, path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
			continue
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		files[abs] = true
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	l.mu.Lock()
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, files, onChange)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching script paths")

	return nil
}

// watchDirectory adds dirPath and its subdirectories to the watcher.
func watchDirectory(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// processEvents debounces file system events into reloads.
func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, files map[string]bool, onChange func([]*Script) error) {
	var (
		timerMu     sync.Mutex
		reloadTimer *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !l.relevant(event, files) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Script file changed")

			if abs, err := filepath.Abs(event.Name); err == nil {
				l.mu.Lock()
				delete(l.cache, abs)
				l.mu.Unlock()
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watchDirectory(watcher, event.Name)
				}
			}

			timerMu.Lock()
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(l.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := l.triggerReload(ctx, paths, onChange); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload scripts")
				}
			})
			timerMu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) relevant(event fsnotify.Event, files map[string]bool) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return true
		}
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	if files[abs] {
		return true
	}
	return filepath.Ext(abs) == Extension
}

// triggerReload reloads all scripts from the watched paths.
func (l *Loader) triggerReload(ctx context.Context, paths []string, onChange func([]*Script) error) error {
	l.logger.Info().Msg("Reloading scripts...")

	scripts, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload scripts: %w", err)
	}

	if err := onChange(scripts); err != nil {
		return fmt.Errorf("failed to apply reloaded scripts: %w", err)
	}

	l.logger.Info().
		Int("count", len(scripts)).
		Msg("Scripts reloaded successfully")

	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
