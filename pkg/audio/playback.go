package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueClosed is returned by [Queue.Enqueue] after [Queue.Close].
var ErrQueueClosed = errors.New("audio: playback queue closed")

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithQueueLogger sets the logger used for dropped frames and sink errors.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.log = l }
}

// Queue plays inbound frames back-to-back on a [Sink] in arrival order.
//
// At most one drain goroutine exists at any time. It is started by the first
// Enqueue on an idle queue and exits as soon as the queue runs dry; the next
// Enqueue starts a new one. An empty queue is idle, not an error.
type Queue struct {
	sink Sink
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	frames  []AudioFrame
	playing bool
	closed  bool
}

// NewQueue returns an idle queue that renders on sink.
func NewQueue(sink Sink, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sink:   sink,
		log:    slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends frame to the tail of the queue and starts playback if the
// queue was idle. The queue takes ownership of frame.
func (q *Queue) Enqueue(frame AudioFrame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.frames = append(q.frames, frame)
	if !q.playing {
		q.playing = true
		q.wg.Add(1)
		go q.drain()
	}
	return nil
}

// Playing reports whether a drain goroutine is active.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of frames waiting behind the one being played.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Flush discards all pending frames. The frame currently on the sink finishes.
func (q *Queue) Flush() {
	q.mu.Lock()
	clear(q.frames)
	q.frames = q.frames[:0]
	q.mu.Unlock()
}

// Close flushes the queue, interrupts the frame on the sink and waits for the
// drain goroutine to exit. Safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.frames = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		frame, ok := q.next()
		if !ok {
			return
		}
		samples, err := DecodePCM16(frame.Data)
		if err != nil {
			q.log.Warn("playback: dropping malformed frame", "bytes", len(frame.Data), "err", err)
			continue
		}
		if err := q.sink.Play(q.ctx, samples); err != nil {
			if q.ctx.Err() != nil {
				q.release()
				return
			}
			q.log.Warn("playback: sink error", "samples", len(samples), "err", err)
		}
	}
}

// next pops the head frame, or releases the playing latch when there is none.
func (q *Queue) next() (AudioFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.frames) == 0 {
		q.playing = false
		return AudioFrame{}, false
	}
	f := q.frames[0]
	q.frames[0] = AudioFrame{}
	q.frames = q.frames[1:]
	return f, true
}

func (q *Queue) release() {
	q.mu.Lock()
	q.playing = false
	q.mu.Unlock()
}
