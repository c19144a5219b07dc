// Package expr evaluates Starlark expressions against a variable environment.
//
// Scripts use expressions for conditions ("if", "while") and computed values
// ("set"). Expressions are checked for syntax when a script is compiled and
// evaluated against a snapshot of the environment each time the command runs.
// Environment values that have no Starlark representation are not visible to
// expressions.
package expr
