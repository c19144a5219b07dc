// Package compiler turns script text into an engine command list.
//
// Compilation is line oriented. Each non-blank line that does not start with
// '#' is offered to the registered line parsers in registration order and the
// first parser that matches produces the command. A line no parser matches,
// or a matched line that is malformed, fails the whole compilation with a
// *ParseError carrying the line number and text.
//
// The default builders understand:
//
//	label L            goto L
//	if L <expr>        then L        else L        endif L
//	while L <expr>     endwhile L
//	for L <lo>...<hi>  endfor L
//	run <path>
//	wait <duration>
//	set <name> <expr>  unset <name>
//	print <text>
//	log <level> <text>
//
// Expressions are Starlark, checked when the script is compiled. Text may
// reference variables as ${name}. A run path is resolved relative to the
// including file and compiled into a nested command list; include cycles are
// parse errors.
package compiler
