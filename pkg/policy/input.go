package policy

import (
	"github.com/openfroyo/sequencer/pkg/engine"
)

// Operation names passed to policies.
const (
	OperationRun   = "run"
	OperationCheck = "check"
)

// Input is the document policies evaluate. Scripts lists the main script
// first, followed by every nested script in depth-first order.
type Input struct {
	Operation string         `json:"operation"`
	Scripts   []ScriptInput  `json:"scripts"`
	Variables map[string]any `json:"variables,omitempty"`
}

// ScriptInput describes one compiled script.
type ScriptInput struct {
	Path     string         `json:"path"`
	Depth    int            `json:"depth"`
	Commands []CommandInput `json:"commands"`
}

// CommandInput describes one compiled command.
type CommandInput struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`

	// Seconds is set for wait commands.
	Seconds float64 `json:"seconds,omitempty"`

	// Key is set for set commands.
	Key string `json:"key,omitempty"`

	// Range is set for for commands.
	Lower *int `json:"lower,omitempty"`
	Upper *int `json:"upper,omitempty"`

	// Script is set for run commands.
	Script string `json:"script,omitempty"`
}

// NewInput describes a compiled script and the scripts it runs.
func NewInput(operation, path string, commands []engine.Command, variables map[string]any) *Input {
	in := &Input{
		Operation: operation,
		Variables: variables,
	}
	in.addScript(path, 0, commands)
	return in
}

func (in *Input) addScript(path string, depth int, commands []engine.Command) {
	pos := len(in.Scripts)
	in.Scripts = append(in.Scripts, ScriptInput{Path: path, Depth: depth})

	described := make([]CommandInput, 0, len(commands))
	for i, cmd := range commands {
		ci := CommandInput{Index: i, Kind: string(cmd.Kind())}
		if l, ok := cmd.(engine.Labeled); ok {
			ci.Label = l.Label()
		}

		switch c := cmd.(type) {
		case *engine.WaitCommand:
			ci.Seconds = c.Duration().Seconds()
		case *engine.SetCommand:
			ci.Key = c.Key()
		case *engine.ForCommand:
			rng := c.Range()
			ci.Lower, ci.Upper = &rng.Lower, &rng.Upper
		case *engine.RunCommand:
			ci.Script = c.Name()
			in.addScript(c.Name(), depth+1, c.Commands())
		}
		described = append(described, ci)
	}
	in.Scripts[pos].Commands = described
}
