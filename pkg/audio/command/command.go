// Package command implements host audio devices on top of external processes.
//
// Capture runs a recorder (ffmpeg by default) that writes raw 32-bit float
// little-endian mono samples at 24 kHz to stdout. Playback runs a player
// (ffplay by default) that reads the same format from stdin. Both commands are
// configurable so that platforms without PulseAudio can plug in arecord, sox,
// or avfoundation-based ffmpeg invocations.
package command

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strings"
	"sync"

	"github.com/MrWong99/frontdesk/pkg/audio"
)

// DefaultCaptureCommand records the default PulseAudio source.
var DefaultCaptureCommand = []string{
	"ffmpeg", "-hide_banner", "-loglevel", "error",
	"-f", "pulse", "-i", "default",
	"-ac", "1", "-ar", "24000", "-f", "f32le", "-",
}

// DefaultPlaybackCommand plays raw float samples from stdin.
var DefaultPlaybackCommand = []string{
	"ffplay", "-nodisp", "-autoexit", "-loglevel", "error",
	"-f", "f32le", "-ar", "24000", "-ch_layout", "mono", "-i", "-",
}

// readBlock is the number of samples read from the recorder per block.
const readBlock = 1024

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone starts a recorder process per Open call.
type Microphone struct {
	Args []string
}

// NewMicrophone returns a Microphone that runs args, or
// [DefaultCaptureCommand] when args is empty.
func NewMicrophone(args []string) *Microphone {
	if len(args) == 0 {
		args = DefaultCaptureCommand
	}
	return &Microphone{Args: args}
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context) (audio.Source, error) {
	if _, err := exec.LookPath(m.Args[0]); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", audio.ErrDeviceNotFound, m.Args[0], err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, m.Args[0], m.Args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("command: capture stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderr, n: 4096}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("command: start capture: %w", classify(err))
	}

	s := &source{
		cmd:    cmd,
		cancel: cancel,
		blocks: make(chan []float32, 8),
		done:   make(chan struct{}),
	}
	go s.readLoop(stdout)

	// A recorder that cannot open its device exits almost immediately. Wait for
	// the first block so the failure surfaces from Open rather than later.
	select {
	case b, ok := <-s.blocks:
		if !ok {
			_ = s.Close()
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "capture process exited"
			}
			return nil, fmt.Errorf("command: %w", classify(errors.New(msg)))
		}
		s.first = b
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
	return s, nil
}

type source struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	blocks chan []float32
	first  []float32
	out    chan []float32
	once   sync.Once
	done   chan struct{}
}

func (s *source) readLoop(r io.Reader) {
	defer close(s.blocks)
	br := bufio.NewReaderSize(r, readBlock*4)
	buf := make([]byte, readBlock*4)
	for {
		n, err := io.ReadFull(br, buf)
		if n >= 4 {
			block := make([]float32, n/4)
			for i := range block {
				block[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
			select {
			case s.blocks <- block:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Blocks replays the block consumed by Open before handing out the live
// stream.
func (s *source) Blocks() <-chan []float32 {
	s.once.Do(func() {
		s.out = make(chan []float32, 1)
		go func() {
			defer close(s.out)
			if s.first != nil {
				select {
				case s.out <- s.first:
				case <-s.done:
					return
				}
			}
			for b := range s.blocks {
				select {
				case s.out <- b:
				case <-s.done:
					return
				}
			}
		}()
	})
	return s.out
}

func (s *source) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	s.cancel()
	err := s.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed by us.
		return nil
	}
	return err
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker writes samples to a long-running player process. It implements
// [audio.StreamSink] so the peer transport can feed it directly.
type Speaker struct {
	args []string
	log  *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewSpeaker returns a Speaker that lazily starts args, or
// [DefaultPlaybackCommand] when args is empty.
func NewSpeaker(args []string, log *slog.Logger) *Speaker {
	if len(args) == 0 {
		args = DefaultPlaybackCommand
	}
	if log == nil {
		log = slog.Default()
	}
	return &Speaker{args: args, log: log}
}

// Play implements [audio.Sink]. Writes to the player's stdin block while the
// pipe is full, which paces the playback queue at real time.
func (s *Speaker) Play(ctx context.Context, samples []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(samples)*4)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return s.write(buf)
}

// WritePCM implements [audio.StreamSink].
func (s *Speaker) WritePCM(frame audio.AudioFrame) error {
	samples, err := audio.DecodePCM16(frame.Data)
	if err != nil {
		return err
	}
	return s.Play(context.Background(), samples)
}

func (s *Speaker) write(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		if err := s.startLocked(); err != nil {
			return err
		}
	}
	if _, err := s.stdin.Write(buf); err != nil {
		s.log.Warn("speaker: player write failed, restarting", "err", err)
		s.stopLocked()
		return fmt.Errorf("command: write playback: %w", err)
	}
	return nil
}

func (s *Speaker) startLocked() error {
	if _, err := exec.LookPath(s.args[0]); err != nil {
		return fmt.Errorf("command: %s is required for playback: %w", s.args[0], err)
	}
	cmd := exec.Command(s.args[0], s.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("command: playback stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("command: start playback: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *Speaker) stopLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
		s.cmd = nil
	}
}

// Close stops the player process.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

// classify tags process errors with the audio device categories.
func classify(err error) error {
	switch audio.ClassifyDeviceError(err) {
	case audio.DeviceErrorPermission:
		return fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	case audio.DeviceErrorNotFound:
		return fmt.Errorf("%w: %w", audio.ErrDeviceNotFound, err)
	}
	return err
}

type limitedWriter struct {
	mu sync.Mutex
	w  io.Writer
	n  int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n <= 0 {
		return len(p), nil
	}
	q := p
	if len(q) > l.n {
		q = q[:l.n]
	}
	l.n -= len(q)
	_, _ = l.w.Write(q)
	return len(p), nil
}

var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.StreamSink = (*Speaker)(nil)
)
