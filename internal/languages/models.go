package languages

import (
	"strconv"
	"strings"
)

// RuntimeConfig describes how a language is built and run inside its
// sandbox image. Commands are argv vectors relative to the workspace.
type RuntimeConfig struct {
	Image          string
	SourceFile     string
	CompileCommand []string
	RunCommand     []string
}

type Language struct {
	ID     string
	Name   string
	Config RuntimeConfig
}

// Compiled reports whether the language has a compile stage.
func (l Language) Compiled() bool {
	return len(l.Config.CompileCommand) > 0
}

// Script composes the shell script run inside the container. Only profile
// data and the given fixed file names are used; every token is quoted.
//
// For compiled languages a failed compile creates compileMarker and exits
// with compileExit without running anything.
func (l Language) Script(inputFile, compileMarker string, compileExit int) string {
	var b strings.Builder
	if l.Compiled() {
		b.WriteString(quoteArgs(l.Config.CompileCommand))
		b.WriteString(" || { : > ")
		b.WriteString(quote(compileMarker))
		b.WriteString("; exit ")
		b.WriteString(strconv.Itoa(compileExit))
		b.WriteString("; }; ")
	}
	b.WriteString("exec ")
	b.WriteString(quoteArgs(l.Config.RunCommand))
	b.WriteString(" < ")
	b.WriteString(quote(inputFile))
	return b.String()
}

func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quote(a)
	}
	return strings.Join(quoted, " ")
}

// quote wraps s in single quotes for POSIX sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
