// Package abav1 wraps the ab-av1 command line tool: argument construction,
// streamed execution, and parsing of its human-readable output.
package abav1

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"reencoder/internal/services"
)

var commandContext = exec.CommandContext

// Runner executes one ab-av1 invocation, streaming each output line to
// onLine. Implementations return nil only on a zero exit.
type Runner interface {
	Run(ctx context.Context, args []string, onLine func(string)) error
}

// CLI runs the ab-av1 binary.
type CLI struct {
	binary string
}

// New returns a CLI for binary, defaulting to "ab-av1".
func New(binary string) *CLI {
	if strings.TrimSpace(binary) == "" {
		binary = "ab-av1"
	}
	return &CLI{binary: binary}
}

// Binary returns the configured executable.
func (c *CLI) Binary() string {
	return c.binary
}

const tailLines = 5

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)

// Run starts ab-av1 with args. Stdout and stderr are merged; carriage
// return progress redraws are split into separate lines.
func (c *CLI) Run(ctx context.Context, args []string, onLine func(string)) error {
	op := "run"
	if len(args) > 0 {
		op = args[0]
	}
	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return services.Wrap(services.ErrToolExit, "ab-av1", op, "start "+c.binary, err)
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanProgressLines)
	for scanner.Scan() {
		line := strings.TrimSpace(ansiPattern.ReplaceAllString(scanner.Text(), ""))
		if line == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
		if onLine != nil {
			onLine(line)
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Keep the pipe drained so the child cannot block on a full buffer.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	failed := func(err error) error {
		return &RunError{
			Command: append([]string{c.binary}, args...),
			Tail:    tail,
			Err:     err,
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return failed(services.Wrap(services.ErrTimeout, "ab-av1", op, "deadline exceeded", ctxErr))
		}
		return ctxErr
	}
	if waitErr != nil {
		detail := "exited with error"
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			detail = "exit status " + strconv.Itoa(exitErr.ExitCode())
		}
		if len(tail) > 0 {
			detail += ": " + tail[len(tail)-1]
		}
		return failed(services.Wrap(services.ErrToolExit, "ab-av1", op, detail, waitErr))
	}
	if scanErr != nil {
		return failed(services.Wrap(services.ErrToolOutput, "ab-av1", op, "read output", scanErr))
	}
	return nil
}

// RunError is returned by CLI.Run when ab-av1 fails. It keeps the command
// line and the last output lines for failure records.
type RunError struct {
	Command []string
	Tail    []string
	Err     error
}

func (e *RunError) Error() string { return e.Err.Error() }

func (e *RunError) Unwrap() error { return e.Err }

// Details returns the command line and output tail carried by err, if any.
func Details(err error) (command, tail []string, ok bool) {
	var runErr *RunError
	if !errors.As(err, &runErr) {
		return nil, nil, false
	}
	return runErr.Command, runErr.Tail, true
}

// scanProgressLines splits on either \n or \r.
func scanProgressLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ Runner = (*CLI)(nil)
