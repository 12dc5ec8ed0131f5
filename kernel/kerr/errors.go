// Package kerr defines the kernel-wide error taxonomy.
//
// Every subsystem reports failures as one of these sentinels, usually
// wrapped with context via fmt.Errorf and %w. Callers match with errors.Is.
package kerr

import (
	"errors"
	"fmt"
)

// Memory errors.
var (
	ErrOutOfMemory    = errors.New("out of memory")
	ErrInvalidAddress = errors.New("invalid address")
	ErrAlreadyMapped  = errors.New("page already mapped")
	ErrNotMapped      = errors.New("page not mapped")
	ErrAlignment      = errors.New("address not page aligned")
)

// Process and scheduler errors.
var (
	ErrInvalidProcessState = errors.New("invalid process state transition")
	ErrProcessNotFound     = errors.New("process not found")
	ErrScheduleQueueFull   = errors.New("schedule queue full")
)

// Collaborator-surface errors.
var (
	ErrUnsupportedFormat = errors.New("unsupported executable format")
	ErrBadDescriptor     = errors.New("bad file descriptor")
	ErrNotFound          = errors.New("no such file")
	ErrWouldBlock        = errors.New("operation would block")
)

// Boot errors.
var (
	ErrBadMemoryMap = errors.New("invalid boot memory map")
)

// Wrap adds context to an error, preserving the sentinel for errors.Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
