// Package policy checks compiled scripts against Rego policies with Open
// Policy Agent before they run.
//
// # Architecture
//
// The policy system consists of three parts:
//
//  1. Engine - Compiles the deny rule of every policy and evaluates it
//  2. Loader - Loads policies from .rego and .json files
//  3. Built-in Policies - Lints for label targets, duplicate labels, long
//     waits, deep run nesting and empty for ranges
//
// # Input
//
// Policies see the script and every script it runs as input.scripts, the
// main script first. Each command carries its index, kind and label, plus
// seconds for wait, key for set, lower and upper for for, and script for run:
//
//	{
//	  "operation": "run",
//	  "scripts": [
//	    {"path": "deploy.seq", "depth": 0, "commands": [
//	      {"index": 0, "kind": "goto", "label": "end"},
//	      {"index": 1, "kind": "run", "script": "step.seq"}
//	    ]},
//	    {"path": "step.seq", "depth": 1, "commands": []}
//	  ],
//	  "variables": {"env": "prod"}
//	}
//
// Engine limits are available as data.sequencer.limits.max_wait_seconds and
// data.sequencer.limits.max_depth.
//
// # Writing Policies
//
// A policy is a Rego module with a deny rule producing messages or objects:
//
//	# Production runs must not wait.
//	# severity: error
//	package sequencer.policies.prod
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.variables.env == "prod"
//	    some script in input.scripts
//	    some c in script.commands
//	    c.kind == "wait"
//	    violation := {
//	        "message": "wait is not allowed in production",
//	        "script": script.path,
//	        "index": c.index,
//	    }
//	}
//
// Violations of error or critical severity deny the script; the rest are
// reported as warnings.
//
// # Usage
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := pe.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := pe.EvaluateScript(ctx, policy.OperationRun, path, commands, vars)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := result.Err(); err != nil {
//	    log.Fatal(err)
//	}
package policy
