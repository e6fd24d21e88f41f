package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/frontdesk/pkg/audio"
)

// DefaultBlockSize is the number of samples per captured chunk.
const DefaultBlockSize = 2048

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithGate adds a condition checked before every send, typically "the
// session is still connected". Blocks captured while the gate is closed are
// discarded.
func WithGate(fn func() bool) CaptureOption {
	return func(c *Capture) { c.gate = fn }
}

// WithCaptureLogger sets the logger used for send failures.
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) { c.log = l }
}

// Capture reads live microphone blocks, re-chunks them to a fixed block size,
// encodes each chunk as PCM16 and hands it to send.
//
// Blocks are processed as the source delivers them. Once [Capture.Stop]
// returns, send is never called again.
type Capture struct {
	src       audio.Source
	blockSize int
	send      func(audio.AudioFrame) error
	gate      func() bool
	log       *slog.Logger

	enabled atomic.Bool
	sent    atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	epoch     time.Time
}

// NewCapture returns a stopped pipeline that reads from src. A blockSize of
// zero or less selects [DefaultBlockSize].
func NewCapture(src audio.Source, blockSize int, send func(audio.AudioFrame) error, opts ...CaptureOption) *Capture {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	c := &Capture{
		src:       src,
		blockSize: blockSize,
		send:      send,
		log:       slog.Default(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start enables sending and launches the read loop. Calling Start after
// Stop has no effect.
func (c *Capture) Start() {
	c.startOnce.Do(func() {
		select {
		case <-c.stop:
			close(c.done)
			return
		default:
		}
		c.epoch = time.Now()
		c.enabled.Store(true)
		go c.loop()
	})
}

// Stop disables sending and waits for the read loop to exit. Idempotent.
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		c.enabled.Store(false)
		close(c.stop)
	})
	c.startOnce.Do(func() { close(c.done) })
	<-c.done
}

// Sent returns the number of chunks handed to send.
func (c *Capture) Sent() int64 {
	return c.sent.Load()
}

func (c *Capture) allowed() bool {
	return c.enabled.Load() && (c.gate == nil || c.gate())
}

func (c *Capture) loop() {
	defer close(c.done)

	blocks := c.src.Blocks()
	pending := make([]float32, 0, c.blockSize*2)
	for {
		select {
		case <-c.stop:
			return
		case block, ok := <-blocks:
			if !ok {
				c.log.Debug("capture: source ended")
				return
			}
			pending = append(pending, block...)
			for len(pending) >= c.blockSize {
				c.emit(pending[:c.blockSize])
				n := copy(pending, pending[c.blockSize:])
				pending = pending[:n]
			}
		}
	}
}

func (c *Capture) emit(chunk []float32) {
	if !c.allowed() {
		return
	}
	frame := audio.FrameFromFloats(chunk, time.Since(c.epoch))
	if err := c.send(frame); err != nil {
		c.log.Debug("capture: send failed", "samples", len(chunk), "err", err)
		return
	}
	c.sent.Add(1)
}
