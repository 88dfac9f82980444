//go:build !nogpu

package native

import "errors"

// Package errors for the native backend.
var (
	// ErrNoGPU is returned when no GPU adapter is available.
	ErrNoGPU = errors.New("native: no GPU adapter available")

	// ErrNilDevice is returned when a nil HAL device or queue is supplied.
	ErrNilDevice = errors.New("native: nil HAL device or queue")

	// ErrNotHAL is returned when a device provider does not expose HAL types.
	ErrNotHAL = errors.New("native: provider does not expose HAL types")

	// ErrForeignObject is returned when an object created by another backend
	// is passed to the native backend.
	ErrForeignObject = errors.New("native: object was not created by the native backend")

	// ErrNotRecording is returned by Finish when Begin was not called.
	ErrNotRecording = errors.New("native: context is not recording")

	// ErrBatchReleased is returned when executing a released batch.
	ErrBatchReleased = errors.New("native: batch already released")

	// ErrTokenDestroyed is returned when signalling a destroyed token.
	ErrTokenDestroyed = errors.New("native: token destroyed")

	// ErrUnsupported is returned by Finish when a command the native
	// backend cannot encode was recorded.
	ErrUnsupported = errors.New("native: unsupported command")

	// ErrOutOfRange is returned when a write exceeds buffer bounds.
	ErrOutOfRange = errors.New("native: range out of buffer bounds")
)
