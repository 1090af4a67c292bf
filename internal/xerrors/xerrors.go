// Package xerrors adds call-site capture to errors so the logger can render
// where an error was created or wrapped without a full stack on every hop.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the full stack captured when the error entered our code.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// annotated is a single wrap hop: a message plus the PC of the caller.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error     { return a.err }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// marked attaches a sentinel to an error so errors.Is matches either one.
type marked struct {
	err  error
	mark error
}

func (m *marked) Error() string   { return m.err.Error() }
func (m *marked) Unwrap() []error { return []error{m.err, m.mark} }

func stackFrom(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// +2 skips runtime.Callers and stackFrom
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

func pcFrom(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func withStack(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackFrom(skip + 1)}
}

// WithStack records the current stack on err.
func WithStack(err error) error { return withStack(err, 1) }

// EnsureTrace records a stack only when no error in the chain carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return withStack(err, 1)
}

// Wrap prefixes err with msg and records the caller. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: pcFrom(1)}
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: pcFrom(1)}
}

// New returns a stacked error with the given message.
func New(msg string) error { return withStack(errors.New(msg), 1) }

// Newf returns a stacked error built from a format string.
func Newf(format string, args ...any) error {
	return withStack(fmt.Errorf(format, args...), 1)
}

// Mark tags err with a sentinel. The message is unchanged and both
// errors.Is(result, sentinel) and errors.Is(result, err) hold.
func Mark(err, sentinel error) error {
	if err == nil {
		return nil
	}
	if sentinel == nil || errors.Is(err, sentinel) {
		return err
	}
	return &marked{err: err, mark: sentinel}
}
