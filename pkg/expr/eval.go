package expr

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/env"
)

const (
	// DefaultTimeout bounds a single evaluation.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxSteps bounds the Starlark computation steps of a single
	// evaluation.
	DefaultMaxSteps = 1_000_000
)

// Evaluator evaluates Starlark expressions.
type Evaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewEvaluator creates an evaluator. A zero timeout uses DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{
		timeout:  timeout,
		maxSteps: DefaultMaxSteps,
	}
}

// SetMaxSteps changes the step bound of one evaluation. Zero restores
// DefaultMaxSteps.
func (ev *Evaluator) SetMaxSteps(n uint64) {
	if n == 0 {
		n = DefaultMaxSteps
	}
	ev.maxSteps = n
}

// Check parses src as a single expression without evaluating it.
func (ev *Evaluator) Check(src string) error {
	if _, err := syntax.ParseExpr("expr", src, 0); err != nil {
		return fmt.Errorf("invalid expression %q: %w", src, err)
	}
	return nil
}

// Eval evaluates src with vars in scope and returns the result as a Go value.
func (ev *Evaluator) Eval(ctx context.Context, src string, vars map[string]any) (any, error) {
	v, err := ev.eval(ctx, src, vars)
	if err != nil {
		return nil, err
	}

	out, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("failed to convert result of %q: %w", src, err)
	}
	return out, nil
}

// EvalBool evaluates src and returns its Starlark truth value.
func (ev *Evaluator) EvalBool(ctx context.Context, src string, vars map[string]any) (bool, error) {
	v, err := ev.eval(ctx, src, vars)
	if err != nil {
		return false, err
	}
	return bool(v.Truth()), nil
}

// Condition checks src and returns an engine condition evaluating it against
// the environment.
func (ev *Evaluator) Condition(src string) (engine.Condition, error) {
	if err := ev.Check(src); err != nil {
		return nil, err
	}

	return func(e *env.Environment) (bool, error) {
		return ev.EvalBool(context.Background(), src, e.Snapshot())
	}, nil
}

// Value checks src and returns an engine value function evaluating it
// against the environment.
func (ev *Evaluator) Value(src string) (engine.ValueFunc, error) {
	if err := ev.Check(src); err != nil {
		return nil, err
	}

	return func(e *env.Environment) (any, error) {
		return ev.Eval(context.Background(), src, e.Snapshot())
	}, nil
}

func (ev *Evaluator) eval(ctx context.Context, src string, vars map[string]any) (starlark.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, ev.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "expr",
		Print: func(_ *starlark.Thread, _ string) {
			// Expressions have no output.
		},
	}
	thread.SetMaxExecutionSteps(ev.maxSteps)

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	v, err := starlark.Eval(thread, "expr", src, predeclared(vars))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %q: %w", src, err)
	}
	return v, nil
}

// predeclared builds the expression scope: helper builtins plus every
// variable that converts to Starlark.
func predeclared(vars map[string]any) starlark.StringDict {
	scope := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	converted := make(map[string]starlark.Value, len(vars))
	for name, val := range vars {
		if !isIdentifier(name) {
			continue
		}
		sv, err := toStarlarkValue(val)
		if err != nil {
			continue
		}
		converted[name] = sv
		scope[name] = sv
	}

	scope["get"] = starlark.NewBuiltin("get", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			name     string
			fallback starlark.Value = starlark.None
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &fallback); err != nil {
			return nil, err
		}
		if v, ok := converted[name]; ok {
			return v, nil
		}
		return fallback, nil
	})

	scope["defined"] = starlark.NewBuiltin("defined", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		_, ok := converted[name]
		return starlark.Bool(ok), nil
	})

	return scope
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int8:
		return starlark.MakeInt64(int64(val)), nil
	case int16:
		return starlark.MakeInt64(int64(val)), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint:
		return starlark.MakeUint(val), nil
	case uint8:
		return starlark.MakeUint64(uint64(val)), nil
	case uint16:
		return starlark.MakeUint64(uint64(val)), nil
	case uint32:
		return starlark.MakeUint64(uint64(val)), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Duration:
		return starlark.Float(val.Seconds()), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case starlark.Value:
		return val, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
