// Package tterr defines the tagged error taxonomy every go-umd subsystem
// returns through, per spec.md §7. Values are sentinels so callers compose
// context with fmt.Errorf("...: %w", err) and still match with errors.Is.
package tterr

import "errors"

// Configuration errors.
var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrInvalidOffset           = errors.New("invalid offset")
	ErrInvalidAlignment        = errors.New("invalid alignment")
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	ErrKernelTooOld            = errors.New("kernel driver too old: missing ioctl")
	ErrUnsupportedOperation    = errors.New("operation unsupported on this chip")
)

// Resource errors.
var (
	ErrDeviceGone          = errors.New("device gone")
	ErrApertureExhausted   = errors.New("no free TLB aperture")
	ErrOutOfMemory         = errors.New("out of memory")
	ErrMutexNotInitialized = errors.New("mutex not initialized")
)

// Protocol errors.
var (
	ErrProtocolCorruption = errors.New("remote protocol corruption: unexpected response flags")
	ErrTimeout            = errors.New("timeout")
	ErrEthernetLinkDown   = errors.New("ethernet link down")
	ErrUnexpectedChipID   = errors.New("unexpected chip id")
)

// Fatal errors. HardwareHang is the one condition besides OOM that a caller
// may legitimately let panic a process instead of unwind through error
// returns, per spec.md §7.
var (
	ErrHardwareHang     = errors.New("hardware hang detected")
	ErrKernelIoctlFailed = errors.New("kernel ioctl failed")
)
