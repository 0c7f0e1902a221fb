package engine

import (
	"context"
	"errors"
)

var (
	// ErrBusy is returned when a warm engine already has a request in flight.
	ErrBusy = errors.New("engine busy")
	// ErrEngineExited is returned when the engine process exits before
	// producing a result.
	ErrEngineExited = errors.New("engine exited")
	// ErrMalformedOutput is returned when the engine's output is not valid
	// JSON.
	ErrMalformedOutput = errors.New("malformed engine output")
	// ErrCanceled is returned when the request was canceled by correlation
	// id.
	ErrCanceled = errors.New("engine request canceled")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

func isCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
