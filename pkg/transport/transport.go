// Package transport defines the contract shared by the session transports.
//
// A [Transport] carries one voice session to the upstream speech service. Two
// strategies exist: the relay transport (package relay) tunnels JSON control
// events with inlined base64 audio over a WebSocket, and the peer transport
// (package peer) negotiates a WebRTC media connection with a side data
// channel for the same control vocabulary. The session state machine selects
// one at start time and otherwise treats them identically.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/frontdesk/pkg/audio"
	"github.com/MrWong99/frontdesk/pkg/realtime"
)

// Transport is a duplex channel for one voice session.
//
// Callbacks must be registered before Open. They are invoked from a single
// receive goroutine in arrival order and must not block for long.
type Transport interface {
	// Open connects to the upstream service. It returns nil once the channel
	// is ready for audio, or an [*Error] describing why it is not. Open never
	// outlives ctx.
	Open(ctx context.Context) error

	// SendAudio forwards one captured session-format frame.
	SendAudio(frame audio.AudioFrame) error

	// SendControl sends one control event.
	SendControl(evt realtime.ClientEvent) error

	// OnControl registers the handler for inbound control events.
	OnControl(fn func(realtime.ServerEvent))

	// OnAudio registers the handler for inbound audio frames. Transports that
	// render remote media themselves never call it.
	OnAudio(fn func(audio.AudioFrame))

	// OnClose registers the handler called once when the channel ends for a
	// reason other than a local Close.
	OnClose(fn func(err error))

	// Close releases every network and media resource. Safe to call more than
	// once and from any goroutine.
	Close() error
}

// Pinger is implemented by transports that can measure round-trip latency.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Kind classifies transport failures.
type Kind string

const (
	KindDial     Kind = "dial"
	KindRejected Kind = "rejected"
	KindTimeout  Kind = "timeout"
	KindClosed   Kind = "closed"
	KindProtocol Kind = "protocol"
)

// ErrClosed is matched by errors returned from a transport after Close.
var ErrClosed = errors.New("transport: closed")

// Error is the typed failure returned by transport operations.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrClosed) match closed-kind errors.
func (e *Error) Is(target error) bool {
	return target == ErrClosed && e.Kind == KindClosed
}

// NewError builds an [*Error]. A context deadline is always reported as
// [KindTimeout] regardless of the kind passed in.
func NewError(op string, kind Kind, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of a transport error, or "" for other errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// Factory builds a transport for one session run.
type Factory func(p Params) (Transport, error)

// Params carries the per-run inputs a transport needs.
type Params struct {
	// Company selects the upstream instructions server-side.
	Company string

	// Voice is the voice profile requested for the agent.
	Voice string

	// Sink receives remote media for transports that bypass the playback
	// queue. Nil for transports that deliver audio through OnAudio.
	Sink audio.StreamSink
}
