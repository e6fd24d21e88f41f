// Package mock provides an in-memory mock implementation of
// [transport.Transport] for use in unit tests.
//
// The mock records every outbound call and lets the test play the remote side
// through [Transport.EmitControl], [Transport.EmitAudio] and
// [Transport.EmitClose]. It is safe for concurrent use.
//
// Example:
//
//	tr := &mock.Transport{}
//	sess := session.New(cfg, session.Deps{Transports: tr.Factory()})
//	_ = sess.Start(ctx)
//	tr.EmitControl(realtime.ServerEvent{Type: realtime.TypeSpeechStarted})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/frontdesk/pkg/audio"
	"github.com/MrWong99/frontdesk/pkg/realtime"
	"github.com/MrWong99/frontdesk/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Pinger    = (*Transport)(nil)
)

// Transport is a mock implementation of [transport.Transport].
// Exported *Err and *Result fields control return values.
type Transport struct {
	mu sync.Mutex

	// OpenErr is returned by [Transport.Open].
	OpenErr error

	// OpenDelay makes Open wait before returning, honouring ctx.
	OpenDelay time.Duration

	// SendErr is returned by [Transport.SendAudio] and [Transport.SendControl].
	SendErr error

	// PingResult and PingErr are returned by [Transport.Ping].
	PingResult time.Duration
	PingErr    error

	// Audio records every frame passed to SendAudio.
	Audio []audio.AudioFrame

	// Controls records every event passed to SendControl.
	Controls []realtime.ClientEvent

	// Params records the parameters passed to the factory, one per run.
	Params []transport.Params

	// CallCountOpen, CallCountClose and CallCountPing count invocations.
	CallCountOpen  int
	CallCountClose int
	CallCountPing  int

	onControl func(realtime.ServerEvent)
	onAudio   func(audio.AudioFrame)
	onClose   func(error)
	open      bool
	closed    bool
}

// Factory returns a [transport.Factory] that hands out t for every run and
// records the parameters.
func (t *Transport) Factory() transport.Factory {
	return func(p transport.Params) (transport.Transport, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.Params = append(t.Params, p)
		t.open = false
		t.closed = false
		return t, nil
	}
}

// Open implements [transport.Transport].
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	t.CallCountOpen++
	delay, err := t.OpenDelay, t.OpenErr
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return transport.NewError("open", transport.KindTimeout, ctx.Err())
		}
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	return nil
}

// SendAudio implements [transport.Transport].
func (t *Transport) SendAudio(frame audio.AudioFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.NewError("send", transport.KindClosed, nil)
	}
	t.Audio = append(t.Audio, frame)
	return t.SendErr
}

// SendControl implements [transport.Transport].
func (t *Transport) SendControl(evt realtime.ClientEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.NewError("send", transport.KindClosed, nil)
	}
	t.Controls = append(t.Controls, evt)
	return t.SendErr
}

// OnControl implements [transport.Transport].
func (t *Transport) OnControl(fn func(realtime.ServerEvent)) {
	t.mu.Lock()
	t.onControl = fn
	t.mu.Unlock()
}

// OnAudio implements [transport.Transport].
func (t *Transport) OnAudio(fn func(audio.AudioFrame)) {
	t.mu.Lock()
	t.onAudio = fn
	t.mu.Unlock()
}

// OnClose implements [transport.Transport].
func (t *Transport) OnClose(fn func(error)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// Close implements [transport.Transport]. Only the first call per run is
// counted.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.open = false
	t.CallCountClose++
	return nil
}

// Ping implements [transport.Pinger].
func (t *Transport) Ping(context.Context) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountPing++
	return t.PingResult, t.PingErr
}

// ── Remote side ───────────────────────────────────────────────────────────────

// EmitControl delivers ev to the registered control handler.
func (t *Transport) EmitControl(ev realtime.ServerEvent) {
	t.mu.Lock()
	fn := t.onControl
	t.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// EmitJSON feeds a raw message through the same decoding path the real
// transports use, including audio delta decoding.
func (t *Transport) EmitJSON(data string) {
	t.mu.Lock()
	onControl, onAudio := t.onControl, t.onAudio
	t.mu.Unlock()

	d := transport.NewDispatcher(nil)
	if onControl != nil {
		d.OnControl(onControl)
	}
	if onAudio != nil {
		d.OnAudio(onAudio)
	}
	d.HandleMessage([]byte(data))
}

// EmitAudio delivers frame to the registered audio handler.
func (t *Transport) EmitAudio(frame audio.AudioFrame) {
	t.mu.Lock()
	fn := t.onAudio
	t.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// EmitClose reports a remote end of the channel.
func (t *Transport) EmitClose(err error) {
	t.mu.Lock()
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// ── Inspection ────────────────────────────────────────────────────────────────

// ControlTypes returns the types of every event sent so far.
func (t *Transport) ControlTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.Controls))
	for i, c := range t.Controls {
		out[i] = c.Type
	}
	return out
}

// AudioCount returns the number of frames sent so far.
func (t *Transport) AudioCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Audio)
}

// Closes returns the number of counted Close calls.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountClose
}

// IsOpen reports whether Open succeeded and Close has not been called since.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}
