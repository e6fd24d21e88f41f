package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/frontdesk/pkg/audio"
	"github.com/MrWong99/frontdesk/pkg/transport"
)

// run owns the resources of one connection attempt.
type run struct {
	gen   uint64
	log   *slog.Logger
	tr    transport.Transport
	queue *audio.Queue

	// ctx is cancelled when the run is closed. It aborts a pending Open and
	// microphone acquisition.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closers []func() error
	closed  bool
	once    sync.Once
}

func newRun(gen uint64, log *slog.Logger) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{gen: gen, log: log, ctx: ctx, cancel: cancel}
}

// add registers a closer. After close has started, fn runs immediately.
func (r *run) add(fn func() error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if err := fn(); err != nil {
			r.log.Debug("session: late cleanup failed", "run", r.gen, "err", err)
		}
		return
	}
	r.closers = append(r.closers, fn)
	r.mu.Unlock()
}

// close runs the closers in reverse registration order, exactly once.
// Concurrent callers wait for the first to finish.
func (r *run) close() {
	r.once.Do(func() {
		r.cancel()

		r.mu.Lock()
		r.closed = true
		closers := r.closers
		r.closers = nil
		r.mu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				r.log.Warn("session: cleanup failed", "run", r.gen, "err", err)
			}
		}
	})
}
