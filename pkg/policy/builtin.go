package policy

// Builtin policy names.
const (
	PolicyLabelTargets    = "label-targets"
	PolicyDuplicateLabels = "duplicate-labels"
	PolicyLongWaits       = "long-waits"
	PolicyRunDepth        = "run-depth"
	PolicyEmptyRanges     = "empty-ranges"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		labelTargetsPolicy(),
		duplicateLabelsPolicy(),
		longWaitsPolicy(),
		runDepthPolicy(),
		emptyRangesPolicy(),
	}
}

// labelTargetsPolicy finds jumps whose target does not exist in the same
// script. Such jumps are skipped under the lenient label policy and fail the
// run under the strict one.
func labelTargetsPolicy() Policy {
	return Policy{
		Name:        PolicyLabelTargets,
		Description: "Every jump must have its target command in the same script",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"labels", "control-flow"},
		Rego: `package sequencer.policies.labels

import rego.v1

# [from kind, required target kind]
requires := [
	["goto", "label"],
	["if", "then"],
	["else", "endif"],
	["while", "endwhile"],
	["endwhile", "while"],
	["for", "endfor"],
	["endfor", "for"],
]

declared(script, kind, label) if {
	some c in script.commands
	c.kind == kind
	c.label == label
}

deny contains violation if {
	some script in input.scripts
	some c in script.commands
	some pair in requires
	c.kind == pair[0]
	not declared(script, pair[1], c.label)
	violation := {
		"message": sprintf("%s %s has no matching %s", [c.kind, c.label, pair[1]]),
		"script": script.path,
		"index": c.index,
	}
}

deny contains violation if {
	some script in input.scripts
	some c in script.commands
	c.kind == "if"
	not declared(script, "else", c.label)
	not declared(script, "endif", c.label)
	violation := {
		"message": sprintf("if %s has no matching else or endif", [c.label]),
		"script": script.path,
		"index": c.index,
	}
}
`,
	}
}

// duplicateLabelsPolicy finds control commands declared twice with the same
// label. Jumps always resolve to the first one.
func duplicateLabelsPolicy() Policy {
	return Policy{
		Name:        PolicyDuplicateLabels,
		Description: "Labels of a kind should be unique within a script",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"labels"},
		Rego: `package sequencer.policies.duplicates

import rego.v1

targets := {"label", "if", "then", "else", "endif", "while", "endwhile", "for", "endfor"}

deny contains violation if {
	some script in input.scripts
	some first in script.commands
	some later in script.commands
	first.index < later.index
	first.kind in targets
	first.kind == later.kind
	first.label == later.label
	violation := {
		"message": sprintf("%s %s is already declared at %d; jumps resolve to the first", [later.kind, later.label, first.index]),
		"script": script.path,
		"index": later.index,
	}
}
`,
	}
}

// longWaitsPolicy flags waits longer than the configured limit.
func longWaitsPolicy() Policy {
	return Policy{
		Name:        PolicyLongWaits,
		Description: "Waits should not exceed the configured maximum",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"timing"},
		Rego: `package sequencer.policies.waits

import rego.v1

deny contains violation if {
	limit := data.sequencer.limits.max_wait_seconds
	limit > 0
	some script in input.scripts
	some c in script.commands
	c.kind == "wait"
	c.seconds > limit
	violation := {
		"message": sprintf("wait of %vs exceeds the maximum of %vs", [c.seconds, limit]),
		"script": script.path,
		"index": c.index,
	}
}
`,
	}
}

// runDepthPolicy flags run commands nested deeper than the configured limit.
func runDepthPolicy() Policy {
	return Policy{
		Name:        PolicyRunDepth,
		Description: "Scripts should not nest runs deeper than the configured maximum",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"nesting"},
		Rego: `package sequencer.policies.depth

import rego.v1

deny contains violation if {
	limit := data.sequencer.limits.max_depth
	limit > 0
	some script in input.scripts
	script.depth > limit
	violation := {
		"message": sprintf("script is nested %d runs deep, the maximum is %d", [script.depth, limit]),
		"script": script.path,
		"index": -1,
	}
}
`,
	}
}

// emptyRangesPolicy flags for loops whose body can never run.
func emptyRangesPolicy() Policy {
	return Policy{
		Name:        PolicyEmptyRanges,
		Description: "For loops should have a non-empty range",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"loops"},
		Rego: `package sequencer.policies.ranges

import rego.v1

deny contains violation if {
	some script in input.scripts
	some c in script.commands
	c.kind == "for"
	c.lower > c.upper
	violation := {
		"message": sprintf("for %s over %d...%d never runs its body", [c.label, c.lower, c.upper]),
		"script": script.path,
		"index": c.index,
	}
}
`,
	}
}
