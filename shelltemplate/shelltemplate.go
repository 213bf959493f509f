// Package shelltemplate expands the "{placeholder}" command templates used by
// the archive verifier and manifest store subprocess interfaces, and runs the
// resulting command line.
//
// Substitution is literal text replacement, as specified: each placeholder is
// shell-quoted before insertion so that values containing spaces or shell
// metacharacters are passed through as a single argument rather than being
// reinterpreted, then the whole line is split into argv with
// github.com/mattn/go-shellwords (the same splitter the teacher uses to parse
// its own "exec" config line).
package shelltemplate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Quote wraps s in single quotes, escaping any embedded single quotes, so it
// survives a POSIX shell's word-splitting as one argument.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Expand substitutes every "{key}" in tmpl with the shell-quoted value of
// vars[key]. Keys not present in vars are left untouched.
func Expand(tmpl string, vars map[string]string) string {
	oldnew := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		oldnew = append(oldnew, "{"+k+"}", Quote(v))
	}
	return strings.NewReplacer(oldnew...).Replace(tmpl)
}

// Result captures the outcome of running an expanded template.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run expands tmpl with vars and executes it as a shell command line.
// Returns a non-nil error only for failures to even start the process
// (malformed template, missing binary); a non-zero exit code is reported via
// Result.ExitCode with a nil error so callers can distinguish "ran and said
// no" from "could not run at all".
func Run(ctx context.Context, tmpl string, vars map[string]string) (Result, error) {
	line := Expand(tmpl, vars)

	args, err := shellwords.Parse(line)
	if err != nil {
		return Result{}, fmt.Errorf("parse command template %q: %w", line, err)
	}
	if len(args) == 0 {
		return Result{}, fmt.Errorf("empty command template")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	} else if runErr != nil {
		return res, fmt.Errorf("run command %q: %w", line, runErr)
	}
	return res, nil
}

// Succeeded reports whether a Result represents the "present / success"
// outcome defined by the subprocess interface contract: exit code 0 with
// non-empty stdout.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0 && strings.TrimSpace(r.Stdout) != ""
}
