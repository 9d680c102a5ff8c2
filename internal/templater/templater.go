// ============================================================================
// Jobserver Command Templater
// ============================================================================
//
// Package: internal/templater
// File: templater.go
// Purpose: Substitute {var} placeholders and the {MACHINE} token in command
// strings before they are handed to the runner.
//
// Workers apply ReplaceVars first, then ReplaceMachine — see
// internal/runner. Iteration order over the variable map is unspecified;
// callers must not rely on one variable's expansion containing another
// variable's placeholder, since there is no recursive substitution.
//
// ============================================================================

package templater

import "strings"

// ReplaceVars replaces every literal occurrence of {k} in template with v,
// for each k->v in vars. Each variable is replaced in one pass over the
// current string, in map iteration order, so a placeholder introduced by one
// variable's value is replaced only if that other variable happens to be
// processed later; nothing is repeated until a fixed point.
func ReplaceVars(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// ReplaceMachine replaces {MACHINE} with addr.
func ReplaceMachine(template, addr string) string {
	return strings.ReplaceAll(template, "{MACHINE}", addr)
}

// PathSanitize derives a filesystem-safe name from a (substituted) command,
// for use as a log file name. Spaces and brace characters become
// underscores.
//
// Caveat preserved from the specification: two jobs whose substituted
// commands sanitize to the same name will overwrite each other's log files.
func PathSanitize(cmd string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		"{", "_",
		"}", "_",
	)
	return replacer.Replace(cmd)
}
