package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/compiler"
	"github.com/openfroyo/sequencer/pkg/engine"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func compile(t *testing.T, src string) []engine.Command {
	t.Helper()
	commands, err := compiler.NewDefault().Compile(src)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return commands
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		PolicyDuplicateLabels,
		PolicyEmptyRanges,
		PolicyLabelTargets,
		PolicyLongWaits,
		PolicyRunDepth,
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
	}

	if got := newTestEngine(t, WithoutBuiltins()).ListPolicies(); len(got) != 0 {
		t.Errorf("Expected no policies without builtins, got %d", len(got))
	}
}

func TestBuiltinPolicies(t *testing.T) {
	tests := []struct {
		name          string
		src           string
		expectAllowed bool
		wantPolicy    string
		wantIndex     int
	}{
		{
			name: "clean script",
			src: `
for i 1...3
  print ${i}
endfor i
if big i > 2
then big
  print big
else big
  print small
endif big
goto end
label end
`,
			expectAllowed: true,
		},
		{
			name:          "goto without label",
			src:           "print a\ngoto nowhere\n",
			expectAllowed: false,
			wantPolicy:    PolicyLabelTargets,
			wantIndex:     1,
		},
		{
			name:          "while without endwhile",
			src:           "set n 1\nwhile w n > 0\n  set n n - 1\n",
			expectAllowed: false,
			wantPolicy:    PolicyLabelTargets,
			wantIndex:     1,
		},
		{
			name:          "if without else or endif",
			src:           "if x true\nthen x\nprint yes\n",
			expectAllowed: false,
			wantPolicy:    PolicyLabelTargets,
			wantIndex:     0,
		},
		{
			name:          "if with else but no endif",
			src:           "if x true\nthen x\nelse x\n",
			expectAllowed: false,
			wantPolicy:    PolicyLabelTargets,
			wantIndex:     2,
		},
		{
			name:          "duplicate label",
			src:           "label a\nprint x\nlabel a\n",
			expectAllowed: true,
			wantPolicy:    PolicyDuplicateLabels,
			wantIndex:     2,
		},
		{
			name:          "long wait",
			src:           "wait 2h\n",
			expectAllowed: true,
			wantPolicy:    PolicyLongWaits,
			wantIndex:     0,
		},
		{
			name:          "empty range",
			src:           "for i 3...1\nendfor i\n",
			expectAllowed: true,
			wantPolicy:    PolicyEmptyRanges,
			wantIndex:     0,
		},
	}

	eng := newTestEngine(t)
	ctx := context.Background()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateScript(ctx, OperationCheck, "test.seq", compile(t, tt.src), nil)
			if err != nil {
				t.Fatalf("EvaluateScript() error = %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %v)", tt.expectAllowed, result.Allowed, result.Violations)
			}

			all := append(append([]Violation{}, result.Violations...), result.Warnings...)
			if tt.wantPolicy == "" {
				if len(all) != 0 {
					t.Errorf("Expected no findings, got %v", all)
				}
				return
			}

			found := false
			for _, v := range all {
				if v.Policy == tt.wantPolicy && v.Index == tt.wantIndex && v.Script == "test.seq" {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected %s finding at %d, got %v", tt.wantPolicy, tt.wantIndex, all)
			}
		})
	}
}

func TestResultErr(t *testing.T) {
	eng := newTestEngine(t)
	result, err := eng.EvaluateScript(context.Background(), OperationRun, "jump.seq", compile(t, "goto nowhere\n"), nil)
	if err != nil {
		t.Fatalf("EvaluateScript() error = %v", err)
	}

	denied := result.Err()
	var de *DeniedError
	if !errors.As(denied, &de) {
		t.Fatalf("Expected DeniedError, got %v", denied)
	}
	if len(de.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d", len(de.Violations))
	}
	want := "denied by policy: jump.seq[0]: goto nowhere has no matching label (label-targets, error)"
	if denied.Error() != want {
		t.Errorf("Expected %q, got %q", want, denied.Error())
	}
}

func TestLimits(t *testing.T) {
	commands := compile(t, "wait 10m\n")
	ctx := context.Background()

	strict := newTestEngine(t, WithLimits(Limits{MaxWait: time.Minute}))
	result, err := strict.EvaluateScript(ctx, OperationRun, "w.seq", commands, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != PolicyLongWaits {
		t.Errorf("Expected a long-waits warning, got %v", result.Warnings)
	}

	off := newTestEngine(t, WithLimits(Limits{}))
	result, err = off.EvaluateScript(ctx, OperationRun, "w.seq", commands, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings with limits disabled, got %v", result.Warnings)
	}
}

func TestNestedScripts(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	write("c.seq", "goto missing\n")
	write("b.seq", "run c.seq\n")
	main := write("a.seq", "run b.seq\n")

	commands, err := compiler.NewDefault().CompileFile(main)
	if err != nil {
		t.Fatalf("CompileFile() error = %v", err)
	}

	input := NewInput(OperationRun, main, commands, map[string]any{"env": "dev"})
	if len(input.Scripts) != 3 {
		t.Fatalf("Expected 3 scripts in input, got %d", len(input.Scripts))
	}
	if input.Scripts[2].Depth != 2 {
		t.Errorf("Expected depth 2 for innermost script, got %d", input.Scripts[2].Depth)
	}

	eng := newTestEngine(t, WithLimits(Limits{MaxDepth: 1}))
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed {
		t.Error("Expected nested missing label to deny the script")
	}
	if len(result.Violations) != 1 || !strings.HasSuffix(result.Violations[0].Script, "c.seq") {
		t.Errorf("Expected violation in c.seq, got %v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != PolicyRunDepth || result.Warnings[0].Index != -1 {
		t.Errorf("Expected one run-depth warning, got %v", result.Warnings)
	}
}

func TestCustomPolicy(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:     "no-prod-waits",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package sequencer.policies.prod

import rego.v1

deny contains "wait is not allowed in production" if {
	input.variables.env == "prod"
	some script in input.scripts
	some c in script.commands
	c.kind == "wait"
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	commands := compile(t, "wait 1s\n")

	result, err := eng.EvaluateScript(ctx, OperationRun, "w.seq", commands, map[string]any{"env": "prod"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("Expected one blocking violation, got %+v", result)
	}
	if v := result.Violations[0]; v.Message != "wait is not allowed in production" || v.Index != -1 {
		t.Errorf("Unexpected violation: %+v", v)
	}

	result, err = eng.EvaluateScript(ctx, OperationRun, "w.seq", commands, map[string]any{"env": "dev"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Errorf("Expected dev run to be allowed, got %v", result.Violations)
	}
}

func TestAddPolicyInvalid(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	ctx := context.Background()

	if err := eng.AddPolicy(ctx, Policy{Rego: "package x"}); err == nil {
		t.Error("Expected error for unnamed policy")
	}
	if err := eng.AddPolicy(ctx, Policy{Name: "broken", Rego: "package x\n\ndeny contains"}); err == nil {
		t.Error("Expected error for invalid Rego")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	commands := compile(t, "goto nowhere\n")

	if err := eng.DisablePolicy(PolicyLabelTargets); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	result, err := eng.EvaluateScript(ctx, OperationRun, "g.seq", commands, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Error("Expected disabled policy to be skipped")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == PolicyLabelTargets {
			t.Error("Expected disabled policy not to be evaluated")
		}
	}

	if err := eng.EnablePolicy(PolicyLabelTargets); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	p, err := eng.GetPolicy(PolicyLabelTargets)
	if err != nil || !p.Enabled {
		t.Errorf("Expected enabled policy, got %+v, %v", p, err)
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if _, err := eng.GetPolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestExtractPackageName(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"package a.b\n", "a.b"},
		{"# comment\n  package  c\n", "c"},
		{"deny := true", "sequencer.policies"},
	}
	for _, tt := range tests {
		if got := extractPackageName(tt.src); got != tt.want {
			t.Errorf("extractPackageName(%q) = %q, want %q", tt.src, got, tt.want)
		}
	}
}
