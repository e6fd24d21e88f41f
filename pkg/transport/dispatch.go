package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/frontdesk/pkg/audio"
	"github.com/MrWong99/frontdesk/pkg/realtime"
)

// Drop reasons reported to the drop handler.
const (
	DropMalformedEvent = "malformed_event"
	DropMalformedAudio = "malformed_audio"
)

// Dispatcher routes inbound messages to the registered callbacks. Transports
// embed one and feed it from their receive goroutine, which keeps delivery in
// arrival order.
type Dispatcher struct {
	log   *slog.Logger
	start time.Time

	mu        sync.RWMutex
	onControl func(realtime.ServerEvent)
	onAudio   func(audio.AudioFrame)
	onClose   func(error)
	onDrop    func(reason string)

	closeOnce sync.Once
}

// NewDispatcher returns a dispatcher with no callbacks registered.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, start: time.Now()}
}

// OnControl implements the matching [Transport] method.
func (d *Dispatcher) OnControl(fn func(realtime.ServerEvent)) {
	d.mu.Lock()
	d.onControl = fn
	d.mu.Unlock()
}

// OnAudio implements the matching [Transport] method.
func (d *Dispatcher) OnAudio(fn func(audio.AudioFrame)) {
	d.mu.Lock()
	d.onAudio = fn
	d.mu.Unlock()
}

// OnClose implements the matching [Transport] method.
func (d *Dispatcher) OnClose(fn func(error)) {
	d.mu.Lock()
	d.onClose = fn
	d.mu.Unlock()
}

// OnDrop registers a handler told about every message dropped on the floor.
func (d *Dispatcher) OnDrop(fn func(reason string)) {
	d.mu.Lock()
	d.onDrop = fn
	d.mu.Unlock()
}

// HandleMessage decodes one JSON control message and delivers it. Audio
// deltas are decoded first and handed to the audio callback before the event
// itself. Malformed messages and undecodable audio are logged and dropped.
func (d *Dispatcher) HandleMessage(data []byte) {
	ev, err := realtime.ParseServerEvent(data)
	if err != nil {
		d.log.Warn("transport: dropping malformed event", "bytes", len(data), "err", err)
		d.dropped(DropMalformedEvent)
		return
	}

	d.mu.RLock()
	onControl, onAudio := d.onControl, d.onAudio
	d.mu.RUnlock()

	if ev.Type == realtime.TypeResponseAudioDelta {
		frame, err := audio.FrameFromBase64(ev.Delta, time.Since(d.start))
		if err != nil {
			d.log.Warn("transport: dropping malformed audio delta", "item_id", ev.ItemID, "err", err)
			d.dropped(DropMalformedAudio)
			return
		}
		if onAudio != nil {
			onAudio(frame)
		}
		// The payload has been consumed; do not hand it around twice.
		ev.Delta = ""
	}
	if onControl != nil {
		onControl(ev)
	}
}

// HandleAudio delivers one raw PCM16 payload received over a binary frame.
func (d *Dispatcher) HandleAudio(pcm []byte) {
	frame, err := audio.FrameFromPCM(pcm, time.Since(d.start))
	if err != nil {
		d.log.Warn("transport: dropping malformed binary audio", "bytes", len(pcm), "err", err)
		d.dropped(DropMalformedAudio)
		return
	}
	d.mu.RLock()
	onAudio := d.onAudio
	d.mu.RUnlock()
	if onAudio != nil {
		onAudio(frame)
	}
}

// Closed reports the end of the channel. The close callback fires at most
// once and never after [Dispatcher.Silence].
func (d *Dispatcher) Closed(err error) {
	d.closeOnce.Do(func() {
		d.mu.RLock()
		fn := d.onClose
		d.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	})
}

// Silence suppresses the close callback. Transports call it from Close so
// that a local hang-up is not reported as a remote failure.
func (d *Dispatcher) Silence() {
	d.closeOnce.Do(func() {})
}

func (d *Dispatcher) dropped(reason string) {
	d.mu.RLock()
	fn := d.onDrop
	d.mu.RUnlock()
	if fn != nil {
		fn(reason)
	}
}
