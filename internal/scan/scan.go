// Package scan runs NFC and QR scan sessions against scanner devices,
// guaranteeing at most one open device handle per technology.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Technology identifies a scanning method.
type Technology string

const (
	NFC Technology = "nfc"
	QR  Technology = "qr"
)

// ParseTechnology accepts "nfc" or "qr" in any case.
func ParseTechnology(v string) (Technology, error) {
	switch Technology(strings.ToLower(strings.TrimSpace(v))) {
	case NFC:
		return NFC, nil
	case QR:
		return QR, nil
	}
	return "", fmt.Errorf("unknown scan technology %q", v)
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusScanning  Status = "scanning"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Kind discriminates an Outcome.
type Kind string

const (
	KindValue     Kind = "value"
	KindCancelled Kind = "cancelled"
	KindError     Kind = "error"
)

// ErrorKind classifies scan failures independent of the device that produced them.
type ErrorKind string

const (
	NotSupported     ErrorKind = "not_supported"
	PermissionDenied ErrorKind = "permission_denied"
	Cancelled        ErrorKind = "cancelled"
	DeviceError      ErrorKind = "device_error"
)

var (
	ErrNotSupported     = errors.New("scanning not supported")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceError      = errors.New("device error")
	ErrSessionBusy      = errors.New("scan session already active")
	ErrManagerClosed    = errors.New("scan manager closed")
	// ErrNoCode is a transient "nothing in frame" result from a QR handle.
	ErrNoCode = errors.New("no code in frame")
)

// Outcome is the single terminal result of a session.
type Outcome struct {
	Kind    Kind      `json:"kind"`
	Value   string    `json:"value,omitempty"`
	Error   ErrorKind `json:"error_kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

func valueOutcome(v string) Outcome {
	return Outcome{Kind: KindValue, Value: v}
}

func cancelledOutcome() Outcome {
	return Outcome{Kind: KindCancelled}
}

func errorOutcome(err error) Outcome {
	kind := Classify(err)
	if kind == Cancelled {
		return cancelledOutcome()
	}
	o := Outcome{Kind: KindError, Error: kind}
	if err != nil {
		o.Message = err.Error()
	}
	return o
}

// Err converts an error outcome back into an *Error, or nil.
func (o Outcome) Err() error {
	if o.Kind != KindError {
		return nil
	}
	return &Error{Kind: o.Error, Err: errors.New(o.Message)}
}

// Error is a classified scan or format failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an *Error against the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotSupported:
		return e.Kind == NotSupported
	case ErrPermissionDenied:
		return e.Kind == PermissionDenied
	case ErrDeviceError:
		return e.Kind == DeviceError
	case context.Canceled:
		return e.Kind == Cancelled
	}
	return false
}

// Classify maps an adapter error onto the scan error taxonomy. Unknown
// errors are device errors.
func Classify(err error) ErrorKind {
	var se *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, ErrNotSupported):
		return NotSupported
	case errors.Is(err, ErrPermissionDenied):
		return PermissionDenied
	}
	return DeviceError
}

func classified(err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: Classify(err), Err: err}
}

// Device is one scanning capability. Open acquires the exclusive hardware
// handle for a session.
type Device interface {
	Technology() Technology
	Supported() error
	Open(ctx context.Context) (Handle, error)
}

// Handle is an open scanner. Next blocks until a value is decoded, returning
// ErrNoCode for transient QR misses. Close releases the hardware.
type Handle interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Formatter is implemented by NFC devices that can write a handshake
// marker onto a blank tag.
type Formatter interface {
	Format(ctx context.Context, marker string) error
}

// HandshakeMarker is written to blank tags so they become readable.
const HandshakeMarker = "tower-app-ready"
