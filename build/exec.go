package build

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/magefile/mage/sh"
	"github.com/sirupsen/logrus"
)

// ExecFunc runs an external command. It has the signature of sh.Exec: ran
// reports whether the command was started at all.
type ExecFunc func(env map[string]string, stdout, stderr io.Writer, cmd string, args ...string) (ran bool, err error)

// ExecError is returned when a tool exits with a failure.
type ExecError struct {
	Args   []string
	Status int
	Err    error
}

// Error implements error.
func (e *ExecError) Error() string {
	return fmt.Sprintf("running %q: exit status %d", strings.Join(e.Args, " "), e.Status)
}

// Unwrap returns the underlying exec error.
func (e *ExecError) Unwrap() error { return e.Err }

// run executes a tool and streams its output into the log.
func (b *Builder) run(ctx context.Context, env map[string]string, cmd string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := b.log.WithField("tool", cmd)
	entry.WithField("args", args).Debug("exec")

	stdout := &LogWriter{Entry: entry, Level: logrus.DebugLevel}
	stderr := &LogWriter{Entry: entry, Level: logrus.WarnLevel}
	ran, err := b.exec(env, stdout, stderr, cmd, args...)
	stdout.Flush()
	stderr.Flush()

	return execErr(ran, err, cmd, args)
}

// runInteractive executes a tool attached to the terminal.
func (b *Builder) runInteractive(ctx context.Context, cmd string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.log.WithFields(logrus.Fields{"tool": cmd, "args": args}).Info("exec")
	ran, err := b.exec(nil, b.Stdout, b.Stderr, cmd, args...)
	return execErr(ran, err, cmd, args)
}

func execErr(ran bool, err error, cmd string, args []string) error {
	if err == nil {
		return nil
	}
	if !ran {
		return fmt.Errorf("unable to run %s: %w", cmd, err)
	}
	return &ExecError{
		Args:   append([]string{cmd}, args...),
		Status: sh.ExitStatus(err),
		Err:    err,
	}
}
