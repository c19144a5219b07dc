package compiler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// builder is a named list of parsers.
type builder struct {
	name    string
	parsers []LineParser
}

// NewBuilder creates a Builder from parsers.
func NewBuilder(name string, parsers ...LineParser) Builder {
	return &builder{name: name, parsers: parsers}
}

// Keyword creates a parser for lines whose first word is name.
func Keyword(name string, build func(s *Session, line Line) (engine.Command, error)) LineParser {
	return LineParserFunc(func(s *Session, line Line) (engine.Command, bool, error) {
		if line.Keyword != name {
			return nil, false, nil
		}
		cmd, err := build(s, line)
		return cmd, true, err
	})
}

func (b *builder) Name() string { return b.name }

func (b *builder) Parsers() []LineParser { return b.parsers }

// DefaultBuilders returns the control-flow, script and action builders.
func DefaultBuilders() []Builder {
	return []Builder{
		ControlFlowBuilder(),
		ScriptBuilder(),
		ActionBuilder(),
	}
}

// ControlFlowBuilder parses label, goto, if/then/else/endif,
// while/endwhile and for/endfor.
func ControlFlowBuilder() Builder {
	return NewBuilder("control",
		labelOnly("label", func(l string) engine.Command { return engine.NewLabel(l) }),
		labelOnly("goto", func(l string) engine.Command { return engine.NewGoto(l) }),
		Keyword("if", func(s *Session, line Line) (engine.Command, error) {
			label, src, err := labelAndRest(line)
			if err != nil {
				return nil, err
			}
			cond, err := s.Compiler().Evaluator().Condition(src)
			if err != nil {
				return nil, err
			}
			return engine.NewIf(label, cond), nil
		}),
		labelOnly("then", func(l string) engine.Command { return engine.NewThen(l) }),
		labelOnly("else", func(l string) engine.Command { return engine.NewElse(l) }),
		labelOnly("endif", func(l string) engine.Command { return engine.NewEndIf(l) }),
		Keyword("while", func(s *Session, line Line) (engine.Command, error) {
			label, src, err := labelAndRest(line)
			if err != nil {
				return nil, err
			}
			cond, err := s.Compiler().Evaluator().Condition(src)
			if err != nil {
				return nil, err
			}
			return engine.NewWhile(label, cond), nil
		}),
		labelOnly("endwhile", func(l string) engine.Command { return engine.NewEndWhile(l) }),
		Keyword("for", func(_ *Session, line Line) (engine.Command, error) {
			label, bounds, err := labelAndRest(line)
			if err != nil {
				return nil, err
			}
			rng, err := ParseRange(bounds)
			if err != nil {
				return nil, err
			}
			return engine.NewFor(label, rng), nil
		}),
		labelOnly("endfor", func(l string) engine.Command { return engine.NewEndFor(l) }),
	)
}

// ScriptBuilder parses run.
func ScriptBuilder() Builder {
	return NewBuilder("script",
		Keyword("run", func(s *Session, line Line) (engine.Command, error) {
			if line.Args == "" {
				return nil, errors.New("run needs a script path")
			}
			commands, err := s.Include(line.Args)
			if err != nil {
				return nil, err
			}
			return engine.NewRun(line.Args, commands), nil
		}),
	)
}

// ActionBuilder parses wait, set, unset, print and log.
func ActionBuilder() Builder {
	return NewBuilder("actions",
		Keyword("wait", func(_ *Session, line Line) (engine.Command, error) {
			d, err := ParseDuration(line.Args)
			if err != nil {
				return nil, err
			}
			return engine.NewWait(d), nil
		}),
		Keyword("set", func(s *Session, line Line) (engine.Command, error) {
			name, src, err := labelAndRest(line)
			if err != nil {
				return nil, err
			}
			value, err := s.Compiler().Evaluator().Value(src)
			if err != nil {
				return nil, err
			}
			return engine.NewSet(name, value), nil
		}),
		labelOnly("unset", func(name string) engine.Command { return engine.NewUnset(name) }),
		Keyword("print", func(_ *Session, line Line) (engine.Command, error) {
			return engine.NewPrint(line.Args), nil
		}),
		Keyword("log", func(_ *Session, line Line) (engine.Command, error) {
			name, text := cutSpace(line.Args)
			if name == "" {
				return nil, errors.New("log needs a level")
			}
			level, err := zerolog.ParseLevel(strings.ToLower(name))
			if err != nil || level == zerolog.NoLevel {
				return nil, fmt.Errorf("unknown log level %q", name)
			}
			return engine.NewLog(level, text), nil
		}),
	)
}

// labelOnly parses "<keyword> <label>".
func labelOnly(name string, build func(label string) engine.Command) LineParser {
	return Keyword(name, func(_ *Session, line Line) (engine.Command, error) {
		if !isName(line.Args) {
			return nil, fmt.Errorf("%s needs exactly one name", name)
		}
		return build(line.Args), nil
	})
}

// labelAndRest splits "<keyword> <label> <rest>" where rest is required.
func labelAndRest(line Line) (string, string, error) {
	label, rest := cutSpace(line.Args)
	if !isName(label) {
		return "", "", fmt.Errorf("%s needs a name", line.Keyword)
	}
	if rest == "" {
		return "", "", fmt.Errorf("%s %s needs an argument", line.Keyword, label)
	}
	return label, rest, nil
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r == '_', r == '-', r == '.':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// ParseRange parses an inclusive range written "lo...hi".
func ParseRange(s string) (engine.Range, error) {
	lo, hi, ok := strings.Cut(strings.Join(strings.Fields(s), ""), "...")
	if !ok {
		return engine.Range{}, fmt.Errorf("range %q must be written lo...hi", s)
	}

	lower, err := strconv.Atoi(lo)
	if err != nil {
		return engine.Range{}, fmt.Errorf("invalid range start %q: %w", lo, err)
	}
	upper, err := strconv.Atoi(hi)
	if err != nil {
		return engine.Range{}, fmt.Errorf("invalid range end %q: %w", hi, err)
	}
	return engine.Range{Lower: lower, Upper: upper}, nil
}

const maxDurationSeconds = float64(math.MaxInt64) / float64(time.Second)

// ParseDuration parses a Go duration, or a plain number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("wait needs a duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		switch {
		case math.IsNaN(secs), math.IsInf(secs, 0):
			return 0, fmt.Errorf("invalid duration %q", s)
		case secs < 0:
			return 0, fmt.Errorf("negative duration %q", s)
		case secs >= maxDurationSeconds:
			return 0, fmt.Errorf("duration %q out of range", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
