package compiler

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/expr"
)

// Line is one source line offered to the parsers.
type Line struct {
	// File is the script path, or empty for in-memory source.
	File string

	// Number is the 1-based line number.
	Number int

	// Text is the line with surrounding whitespace removed.
	Text string

	// Keyword is the first word of Text.
	Keyword string

	// Args is the rest of Text after the keyword, trimmed.
	Args string
}

// LineParser produces a command from a line it recognizes. It returns
// matched=false for lines it does not handle, and an error for lines it
// handles but cannot compile.
type LineParser interface {
	Parse(s *Session, line Line) (cmd engine.Command, matched bool, err error)
}

// LineParserFunc adapts a function to LineParser.
type LineParserFunc func(s *Session, line Line) (engine.Command, bool, error)

// Parse implements LineParser.
func (f LineParserFunc) Parse(s *Session, line Line) (engine.Command, bool, error) {
	return f(s, line)
}

// Builder contributes line parsers to a compiler.
type Builder interface {
	// Name identifies the builder in logs.
	Name() string

	// Parsers returns the parsers in the order they are tried.
	Parsers() []LineParser
}

type registeredParser struct {
	builder string
	parser  LineParser
}

// Compiler holds a registry of line parsers.
type Compiler struct {
	mu      sync.RWMutex
	parsers []registeredParser

	evaluator *expr.Evaluator
	logger    zerolog.Logger
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithEvaluator sets the expression evaluator used by the default builders.
func WithEvaluator(ev *expr.Evaluator) Option {
	return func(c *Compiler) {
		if ev != nil {
			c.evaluator = ev
		}
	}
}

// WithLogger sets the compiler logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Compiler) {
		c.logger = l
	}
}

// New creates a compiler with no builders registered.
func New(opts ...Option) *Compiler {
	c := &Compiler{
		evaluator: expr.NewEvaluator(0),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "compiler").Logger()
	return c
}

// NewDefault creates a compiler with the default builders registered.
func NewDefault(opts ...Option) *Compiler {
	c := New(opts...)
	for _, b := range DefaultBuilders() {
		c.RegisterBuilder(b)
	}
	return c
}

var (
	defaultOnce     sync.Once
	defaultCompiler *Compiler
)

// Default returns the process-wide compiler with the default builders.
func Default() *Compiler {
	defaultOnce.Do(func() {
		defaultCompiler = NewDefault()
	})
	return defaultCompiler
}

// RegisterBuilder registers b with the process-wide compiler.
func RegisterBuilder(b Builder) {
	Default().RegisterBuilder(b)
}

// Compile compiles src with the process-wide compiler.
func Compile(src string) ([]engine.Command, error) {
	return Default().Compile(src)
}

// RegisterBuilder appends b's parsers after those already registered.
func (c *Compiler) RegisterBuilder(b Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range b.Parsers() {
		c.parsers = append(c.parsers, registeredParser{builder: b.Name(), parser: p})
	}

	c.logger.Debug().
		Str("builder", b.Name()).
		Int("parsers", len(c.parsers)).
		Msg("Registered builder")
}

// Evaluator returns the expression evaluator.
func (c *Compiler) Evaluator() *expr.Evaluator {
	return c.evaluator
}

// Compile compiles in-memory source. Run paths resolve against the working
// directory.
func (c *Compiler) Compile(src string) ([]engine.Command, error) {
	s := &Session{compiler: c}
	return s.compile(src)
}

// CompileFile compiles the script at path.
func (c *Compiler) CompileFile(path string) ([]engine.Command, error) {
	s := &Session{compiler: c}
	return s.Include(path)
}

// Session is the state of one compilation: the file being compiled and the
// chain of files that included it.
type Session struct {
	compiler *Compiler
	file     string
	stack    []string
}

// Compiler returns the compiler running the session.
func (s *Session) Compiler() *Compiler {
	return s.compiler
}

// File returns the file being compiled, or "" for in-memory source.
func (s *Session) File() string {
	return s.file
}

// Include compiles the script at path, resolved relative to the current
// file, and returns its commands.
func (s *Session) Include(path string) ([]engine.Command, error) {
	resolved := path
	if !filepath.IsAbs(resolved) && s.file != "" {
		resolved = filepath.Join(filepath.Dir(s.file), resolved)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	if slices.Contains(s.stack, abs) {
		return nil, fmt.Errorf("include cycle: %s", strings.Join(append(s.stack, abs), " -> "))
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	child := &Session{
		compiler: s.compiler,
		file:     resolved,
		stack:    append(slices.Clone(s.stack), abs),
	}
	return child.compile(string(data))
}

// cutSpace splits s around its first run of white space.
func cutSpace(s string) (head, tail string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func (s *Session) compile(src string) ([]engine.Command, error) {
	s.compiler.mu.RLock()
	parsers := slices.Clone(s.compiler.parsers)
	s.compiler.mu.RUnlock()

	var commands []engine.Command

	scanner := bufio.NewScanner(strings.NewReader(src))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	number := 0
	for scanner.Scan() {
		number++
		raw := scanner.Text()
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		line := Line{File: s.file, Number: number, Text: text}
		line.Keyword, line.Args = cutSpace(text)

		cmd, err := s.parseLine(parsers, line)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				return nil, err
			}
			return nil, &ParseError{File: s.file, Line: number, Text: raw, Reason: "invalid command", Err: err}
		}
		if cmd == nil {
			return nil, &ParseError{File: s.file, Line: number, Text: raw, Reason: "unknown command"}
		}
		commands = append(commands, cmd)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	s.compiler.logger.Debug().
		Str("file", s.file).
		Int("commands", len(commands)).
		Msg("Compiled script")

	return commands, nil
}

// parseLine returns the command of the first matching parser, or nil when
// none matches.
func (s *Session) parseLine(parsers []registeredParser, line Line) (engine.Command, error) {
	for _, p := range parsers {
		cmd, matched, err := p.parser.Parse(s, line)
		if !matched {
			continue
		}
		if err != nil {
			return nil, err
		}
		if cmd == nil {
			return nil, fmt.Errorf("builder %s produced no command", p.builder)
		}
		return cmd, nil
	}
	return nil, nil
}
