package audio

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"
)

// Microphone acquires live capture streams from a host input device.
//
// A Microphone is owned by exactly one session at a time. Open is called once
// per session run after the transport is connected; the returned [Source] is
// closed by the session during teardown.
type Microphone interface {
	// Open starts capturing. Errors should wrap [ErrPermissionDenied] or
	// [ErrDeviceNotFound] when the cause is known so that the session can
	// show a category-specific message.
	Open(ctx context.Context) (Source, error)
}

// Source is a running capture stream. Blocks delivers float samples in [-1, 1]
// at [SampleRate] mono, in whatever block size the host produces. The channel
// is closed when the stream ends or Close is called.
type Source interface {
	Blocks() <-chan []float32
	Close() error
}

// Sink renders float samples at [SampleRate] mono on a host output device.
//
// Play blocks until the samples have been handed to the device, so calling
// Play back-to-back produces gapless output. Implementations must honour ctx
// cancellation so that teardown does not wait for a long buffer to finish.
type Sink interface {
	Play(ctx context.Context, samples []float32) error
}

// StreamSink is implemented by sinks that can also accept a continuous PCM16
// stream from a peer media connection, bypassing the playback queue.
type StreamSink interface {
	Sink
	WritePCM(frame AudioFrame) error
}

// Device error categories surfaced to the user.
var (
	ErrPermissionDenied = errors.New("audio: microphone permission denied")
	ErrDeviceNotFound   = errors.New("audio: microphone not found")
)

// DeviceErrorKind classifies microphone acquisition failures.
type DeviceErrorKind int

const (
	DeviceErrorGeneric DeviceErrorKind = iota
	DeviceErrorPermission
	DeviceErrorNotFound
)

// String returns the category name used in logs and snapshots.
func (k DeviceErrorKind) String() string {
	switch k {
	case DeviceErrorPermission:
		return "permission_denied"
	case DeviceErrorNotFound:
		return "not_found"
	default:
		return "generic"
	}
}

// Message returns the user-facing text for the category.
func (k DeviceErrorKind) Message() string {
	switch k {
	case DeviceErrorPermission:
		return "Microphone access denied. Please allow microphone permissions and try again."
	case DeviceErrorNotFound:
		return "No microphone found. Please connect a microphone and try again."
	default:
		return "Failed to access microphone. Please check your device settings."
	}
}

// ClassifyDeviceError maps a microphone acquisition error to a category.
// Sentinel errors win; OS-level errors from command-backed devices are
// recognised as a fallback.
func ClassifyDeviceError(err error) DeviceErrorKind {
	switch {
	case err == nil:
		return DeviceErrorGeneric
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return DeviceErrorPermission
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return DeviceErrorNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return DeviceErrorPermission
	case strings.Contains(msg, "no such device"), strings.Contains(msg, "not found"):
		return DeviceErrorNotFound
	}
	return DeviceErrorGeneric
}
