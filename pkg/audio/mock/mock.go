// Package mock provides in-memory implementations of the [audio.Microphone],
// [audio.Source] and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose exported fields that control
// return values.
//
// Typical usage:
//
//	src := mock.NewSource(4)
//	mic := &mock.Microphone{OpenResult: src}
//	sink := &mock.Sink{}
//	src.Push([]float32{0, 0.5, -0.5})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/frontdesk/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenResult is returned by Open. A fresh [Source] is created when nil.
	OpenResult *Source

	// OpenErr, when set, is returned by Open instead of a source.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context) (audio.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if m.OpenResult == nil {
		m.OpenResult = NewSource(16)
	}
	return m.OpenResult, nil
}

// Source returns the source handed out by the last Open, if any.
func (m *Microphone) Source() *Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OpenResult
}

// Opens returns the number of Open calls.
func (m *Microphone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountOpen
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source] fed by [Source.Push].
type Source struct {
	blocks chan []float32

	mu     sync.Mutex
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSource returns a source whose block channel has the given buffer size.
func NewSource(buffer int) *Source {
	return &Source{blocks: make(chan []float32, buffer)}
}

// Push delivers one block to the reader. It reports false once the source is
// closed.
func (s *Source) Push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.blocks <- block
	return true
}

// Blocks implements [audio.Source].
func (s *Source) Blocks() <-chan []float32 { return s.blocks }

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.blocks)
	}
	return nil
}

// Closes returns the number of Close calls.
func (s *Source) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.StreamSink]. It records every buffer it is asked to
// play and tracks how many Play calls overlap.
type Sink struct {
	mu sync.Mutex

	// PlayDelay makes each Play block for this long (or until ctx is done).
	PlayDelay time.Duration

	// PlayErr, when set, is returned by every Play call.
	PlayErr error

	// Played holds the sample buffers passed to Play, in call order.
	Played [][]float32

	// Written holds the frames passed to WritePCM, in call order.
	Written []audio.AudioFrame

	// MaxConcurrent is the highest number of overlapping Play calls seen.
	MaxConcurrent int

	active int
	notify chan struct{}
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, samples []float32) error {
	s.mu.Lock()
	s.active++
	if s.active > s.MaxConcurrent {
		s.MaxConcurrent = s.active
	}
	delay := s.PlayDelay
	s.mu.Unlock()

	var err error
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if err != nil {
		return err
	}
	s.Played = append(s.Played, samples)
	s.signal()
	return s.PlayErr
}

// WritePCM implements [audio.StreamSink].
func (s *Sink) WritePCM(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Written = append(s.Written, frame)
	s.signal()
	return nil
}

// PlayedCount returns the number of completed Play calls.
func (s *Sink) PlayedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}

// Snapshot returns a copy of the played buffers and the max concurrency.
func (s *Sink) Snapshot() ([][]float32, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]float32(nil), s.Played...), s.MaxConcurrent
}

// WaitPlayed blocks until at least n buffers were played or timeout elapses.
func (s *Sink) WaitPlayed(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		if len(s.Played)+len(s.Written) >= n {
			s.mu.Unlock()
			return true
		}
		if s.notify == nil {
			s.notify = make(chan struct{})
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}

// signal wakes WaitPlayed callers. Must be called with s.mu held.
func (s *Sink) signal() {
	if s.notify != nil {
		close(s.notify)
		s.notify = nil
	}
}

// Compile-time interface assertions.
var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Source     = (*Source)(nil)
	_ audio.StreamSink = (*Sink)(nil)
)
