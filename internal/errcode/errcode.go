// Package errcode defines the stable error kinds that cross component
// boundaries in audiard: between the capture source, the recorder state
// machine, the block-device adapter, and the control surfaces. The shell
// and RPC layers map these kinds onto their integer exit codes.
package errcode

import (
	"errors"
	"strings"
)

// Code is a stable error kind identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical kinds (short, stable). Soft kinds are counted and logged but
// never drive the recorder into the error state.
const (
	OK Code = "ok"

	// Storage and filesystem.
	SDNotReady     Code = "sd_not_ready"
	NoFilesystem   Code = "no_filesystem"
	MountFailed    Code = "mount_failed"
	FileOpenFailed Code = "file_open_failed"
	FileInvalid    Code = "file_invalid"
	WriteFailed    Code = "write_failed"
	NotOpen        Code = "not_open"
	ParErr         Code = "parerr"

	// Capture peripheral.
	DMAStartFailed Code = "dma_start_failed"
	DMAStopTimeout Code = "dma_stop_timeout"
	Overrun        Code = "overrun"
	Underrun       Code = "underrun"
	LateFrameSync  Code = "late_frame_sync" // recoverable, promotable
	WrongClock     Code = "wrong_clock"
	BusError       Code = "bus_error"

	// Soft conditions.
	QueueFull Code = "queue_full"
	Reentry   Code = "reentry"

	Busy    Code = "busy"
	Timeout Code = "timeout"

	Error Code = "error" // generic fallback
)

// Soft reports whether a kind must be treated as a counted, logged
// condition rather than a state-changing failure.
func Soft(c Code) bool {
	return c == QueueFull || c == Reentry || c == LateFrameSync
}

// E wraps a Code with the operation that failed and an optional cause.
type E struct {
	C   Code
	Op  string
	Err error
}

func (e *E) Error() string {
	if e.Err != nil {
		return e.Op + ": " + string(e.C) + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap builds an E. A nil cause is fine; the Code alone carries the kind.
func Wrap(c Code, op string, err error) error {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts the outermost Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// Is lets errors.Is(err, someCode) match both bare Codes and wrapped Es.
func Is(err error, c Code) bool {
	return Of(err) == c
}

var known = map[Code]bool{
	OK: true, SDNotReady: true, NoFilesystem: true, MountFailed: true,
	FileOpenFailed: true, FileInvalid: true, WriteFailed: true, NotOpen: true,
	ParErr: true, DMAStartFailed: true, DMAStopTimeout: true, Overrun: true,
	Underrun: true, LateFrameSync: true, WrongClock: true, BusError: true,
	QueueFull: true, Reentry: true, Busy: true, Timeout: true, Error: true,
}

// CodeFromMessage recovers the kind from an E message that was flattened
// to a string, which is what net/rpc clients receive. Unknown messages
// come back as the generic Error.
func CodeFromMessage(s string) Code {
	for _, field := range strings.Split(s, ": ") {
		if c := Code(field); known[c] {
			return c
		}
	}
	return Error
}

// ExitCode maps a kind onto the process-style integer the shell and RPC
// surfaces return: 0 for success, negative families for errors.
func ExitCode(err error) int {
	switch Of(err) {
	case OK:
		return 0
	case Busy:
		return -16
	case ParErr:
		return -22
	case Timeout, DMAStopTimeout:
		return -62
	case SDNotReady, NoFilesystem, MountFailed:
		return -5
	case QueueFull, Reentry:
		return 0 // soft: no-op to callers
	default:
		return -1
	}
}
