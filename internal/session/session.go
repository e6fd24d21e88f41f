package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/frontdesk/internal/observe"
	"github.com/MrWong99/frontdesk/pkg/audio"
	"github.com/MrWong99/frontdesk/pkg/realtime"
	"github.com/MrWong99/frontdesk/pkg/transport"
)

// DefaultOpenTimeout bounds [Session.Start] when no timeout is configured.
const DefaultOpenTimeout = 15 * time.Second

// Config holds the per-session settings.
type Config struct {
	// Company is passed to the transport to select the upstream instructions.
	Company string

	// Voice is the initial voice profile. See [Session.SetVoice].
	Voice string

	// OpenTimeout bounds transport negotiation. Zero selects
	// [DefaultOpenTimeout].
	OpenTimeout time.Duration

	// LatencyInterval is the round-trip sampling period. Zero selects
	// [DefaultLatencyInterval]; a negative value disables sampling.
	LatencyInterval time.Duration

	// BlockSize is the capture chunk size in samples. Zero selects
	// [DefaultBlockSize].
	BlockSize int

	Logger *slog.Logger
}

// Deps are the collaborators a session owns while a run is active.
type Deps struct {
	// Transports builds one transport per run.
	Transports transport.Factory

	// Microphone is opened after the transport connects.
	Microphone audio.Microphone

	// Sink renders agent audio. When it also implements [audio.StreamSink]
	// it is handed to transports that render remote media themselves.
	Sink audio.Sink

	// Metrics records state transitions. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is the client-side voice session state machine.
//
// All methods are safe for concurrent use. Listeners registered with
// [Session.Subscribe] may be called from transport goroutines and must not
// call [Session.Stop] or [Session.Start] synchronously.
type Session struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	metrics *observe.Metrics

	mu  sync.Mutex
	cur *run
	// last is the most recent run, kept so that a new Start waits for its
	// teardown to finish even when Stop is still releasing it.
	last       *run
	gen        uint64
	voice      string
	status     ConnectionStatus
	conv       ConversationState
	id         string
	transcript string
	entries    []TranscriptEntry
	agentOpen  bool
	seq        uint64
	latency    time.Duration
	logs       []LogEntry
	errMsg     string
	errKind    ErrorKind

	listeners    []listener
	nextListener uint64
}

type listener struct {
	id uint64
	fn func(Snapshot)
}

// New returns an idle session.
func New(cfg Config, deps Deps) *Session {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.LatencyInterval == 0 {
		cfg.LatencyInterval = DefaultLatencyInterval
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Session{
		cfg:     cfg,
		deps:    deps,
		log:     log.With("component", "session", "company", cfg.Company),
		metrics: m,
		voice:   cfg.Voice,
		status:  StatusIdle,
		conv:    ConversationIdle,
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// Start opens a new run and blocks until it is connected and capturing, or
// until it failed. It returns [ErrAlreadyActive] while another run is
// connecting or connected. Starting from the error state first finishes the
// teardown of the failed run.
func (s *Session) Start(ctx context.Context) error {
	if s.deps.Transports == nil || s.deps.Microphone == nil || s.deps.Sink == nil {
		return errors.New("session: transports, microphone and sink are required")
	}

	s.mu.Lock()
	if s.status == StatusConnecting || s.status == StatusConnected {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	prev := s.last
	s.gen++
	r := newRun(s.gen, s.log)
	s.cur, s.last = r, r
	s.resetLocked()
	s.logLocked("Requesting session start...")
	s.setStatusLocked(StatusConnecting)
	voice := s.voice
	s.mu.Unlock()
	s.notify()

	if prev != nil {
		prev.close()
	}
	return s.connect(ctx, r, voice)
}

func (s *Session) connect(ctx context.Context, r *run, voice string) error {
	var stream audio.StreamSink
	if ss, ok := s.deps.Sink.(audio.StreamSink); ok {
		stream = ss
	}
	tr, err := s.deps.Transports(transport.Params{Company: s.cfg.Company, Voice: voice, Sink: stream})
	if err != nil {
		return s.fail(r, ErrorTransport, msgConnectionFailed, "Connection failed: "+err.Error(),
			fmt.Errorf("session: build transport: %w", err))
	}

	r.tr = tr
	r.queue = audio.NewQueue(s.deps.Sink, audio.WithQueueLogger(s.log))
	tr.OnControl(func(ev realtime.ServerEvent) { s.handleControl(r, ev) })
	tr.OnAudio(func(f audio.AudioFrame) { s.handleAudio(r, f) })
	tr.OnClose(func(err error) { s.handleClosed(r, err) })
	if d, ok := tr.(interface{ OnDrop(func(string)) }); ok {
		d.OnDrop(func(reason string) { s.metrics.RecordDropped(context.Background(), reason) })
	}
	r.add(tr.Close)
	r.add(r.queue.Close)

	openCtx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	stopAfter := context.AfterFunc(r.ctx, cancel)
	err = tr.Open(openCtx)
	stopAfter()
	cancel()
	if err != nil {
		if r.ctx.Err() != nil {
			return ErrStopped
		}
		return s.fail(r, ErrorTransport, msgConnectionFailed, "Connection failed: "+err.Error(),
			fmt.Errorf("session: open transport: %w", err))
	}

	s.mu.Lock()
	switch {
	case s.cur != r:
		s.mu.Unlock()
		return ErrStopped
	case s.status != StatusConnecting:
		msg := s.errMsg
		s.mu.Unlock()
		return fmt.Errorf("session: connection lost while opening: %s", msg)
	}
	s.logLocked("Connection established")
	s.setStatusLocked(StatusConnected)
	s.logLocked("Requesting microphone access...")
	s.mu.Unlock()
	s.notify()

	src, err := s.deps.Microphone.Open(r.ctx)
	if err != nil {
		kind := audio.ClassifyDeviceError(err)
		return s.fail(r, ErrorDevice, kind.Message(), "Microphone error ("+kind.String()+"): "+err.Error(),
			fmt.Errorf("session: open microphone: %w", err))
	}
	r.add(src.Close)

	capture := NewCapture(src, s.cfg.BlockSize, tr.SendAudio,
		WithGate(func() bool { return s.connected(r) }),
		WithCaptureLogger(s.log),
	)
	r.add(func() error {
		capture.Stop()
		return nil
	})
	capture.Start()

	if p, ok := tr.(transport.Pinger); ok && s.cfg.LatencyInterval > 0 {
		smp := startSampler(p, s.cfg.LatencyInterval, func(d time.Duration) { s.setLatency(r, d) }, s.log)
		r.add(smp.Stop)
	}

	s.mu.Lock()
	switch {
	case s.cur != r:
		s.mu.Unlock()
		return ErrStopped
	case s.status != StatusConnected:
		msg := s.errMsg
		s.mu.Unlock()
		return fmt.Errorf("session: failed while starting: %s", msg)
	}
	s.logLocked("Microphone access granted")
	s.logLocked("Session started successfully")
	s.mu.Unlock()
	s.notify()
	s.log.Info("session started", "run", r.gen, "voice", voice)
	return nil
}

// fail moves the current run to the error state and releases it. err is
// returned unchanged unless the run was already replaced.
func (s *Session) fail(r *run, kind ErrorKind, banner, entry string, err error) error {
	s.mu.Lock()
	if s.cur != r {
		s.mu.Unlock()
		r.close()
		return ErrStopped
	}
	s.escalateLocked(kind, banner, entry)
	s.mu.Unlock()
	s.notify()
	r.close()
	s.log.Warn("session failed", "run", r.gen, "kind", kind, "err", err)
	return err
}

// Stop hangs up. From any state it releases the run's resources exactly once
// and returns to idle. Capture and latency sampling have stopped by the time
// Stop returns. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.cur
	if r == nil && s.status == StatusIdle {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.logLocked("Stopping session...")
	s.resetLocked()
	s.setStatusLocked(StatusIdle)
	s.mu.Unlock()

	if r != nil {
		r.close()
	}

	s.mu.Lock()
	s.logLocked("Session ended")
	s.mu.Unlock()
	s.notify()
	s.log.Info("session stopped")
}

// SetVoice selects the voice profile used by the next run. The running
// session keeps its voice; the value reaches the transport factory through
// [transport.Params] on the next Start.
func (s *Session) SetVoice(voice string) {
	s.mu.Lock()
	s.voice = voice
	s.mu.Unlock()
	s.notify()
}

// ── Inbound ────────────────────────────────────────────────────────────────────

func (s *Session) handleControl(r *run, ev realtime.ServerEvent) {
	var (
		sends   []realtime.ClientEvent
		fatal   bool
		changed = true
	)

	s.mu.Lock()
	if !s.activeLocked(r) {
		s.mu.Unlock()
		return
	}
	switch ev.Type {
	case realtime.TypeSessionCreated:
		if ev.Session == nil || ev.Session.ID == "" {
			changed = false
			break
		}
		s.id = ev.Session.ID
		s.logLocked("Session created: " + s.id)
	case realtime.TypeSpeechStarted:
		changed = s.setConvLocked(ConversationListening)
	case realtime.TypeSpeechStopped:
		s.setConvLocked(ConversationIdle)
		sends = []realtime.ClientEvent{realtime.Commit(), realtime.CreateResponse()}
	case realtime.TypeResponseAudioDelta:
		changed = s.setConvLocked(ConversationSpeaking)
	case realtime.TypeResponseAudioDone:
		changed = s.setConvLocked(ConversationIdle)
	case realtime.TypeTranscriptDelta:
		s.appendAgentLocked(ev.Delta)
	case realtime.TypeTranscriptDone:
		s.finishAgentLocked(ev.Transcript)
	case realtime.TypeInputTranscriptionDone:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			changed = false
			break
		}
		s.addEntryLocked(SpeakerCaller, text)
	case realtime.TypeError:
		if ev.Error.Recoverable() {
			s.setConvLocked(ConversationIdle)
			s.logLocked("Ignoring empty buffer error, waiting for more audio")
			break
		}
		banner := msgServiceGeneric
		detail := "unknown error"
		if ev.Error != nil && ev.Error.Message != "" {
			banner = msgServicePrefix + ev.Error.Message
			detail = ev.Error.Error()
		}
		s.escalateLocked(ErrorService, banner, "Upstream error: "+detail)
		fatal = true
	default:
		changed = false
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	for _, evt := range sends {
		if err := r.tr.SendControl(evt); err != nil {
			s.log.Warn("session: send control failed", "type", evt.Type, "err", err)
			break
		}
	}
	if fatal {
		if ev.Error != nil {
			s.log.Warn("session: upstream error", "run", r.gen, "err", ev.Error)
		} else {
			s.log.Warn("session: upstream error without detail", "run", r.gen)
		}
		// Callbacks run on the transport's receive goroutine, which Close
		// waits for.
		go r.close()
	}
}

func (s *Session) handleAudio(r *run, f audio.AudioFrame) {
	s.mu.Lock()
	ok := s.activeLocked(r)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := r.queue.Enqueue(f); err != nil {
		s.log.Debug("session: dropping agent audio", "err", err)
	}
}

func (s *Session) handleClosed(r *run, err error) {
	s.mu.Lock()
	if !s.activeLocked(r) {
		s.mu.Unlock()
		return
	}
	entry := "Connection lost"
	if err != nil {
		entry += ": " + err.Error()
	}
	s.escalateLocked(ErrorTransport, msgConnectionFailed, entry)
	s.mu.Unlock()
	s.notify()

	s.log.Warn("session: transport closed", "run", r.gen, "err", err)
	go r.close()
}

func (s *Session) setLatency(r *run, d time.Duration) {
	s.mu.Lock()
	if s.cur != r || s.status != StatusConnected {
		s.mu.Unlock()
		return
	}
	s.latency = d
	s.mu.Unlock()
	s.metrics.RecordRTT(context.Background(), d)
	s.notify()
}

// connected is the capture gate.
func (s *Session) connected(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == r && s.status == StatusConnected
}

// ── State helpers (s.mu held) ──────────────────────────────────────────────────

func (s *Session) activeLocked(r *run) bool {
	return s.cur == r && (s.status == StatusConnecting || s.status == StatusConnected)
}

func (s *Session) setStatusLocked(to ConnectionStatus) {
	from := s.status
	if from == to {
		return
	}
	s.status = to
	s.metrics.RecordTransition(context.Background(), string(from), string(to))
	s.log.Debug("session status changed", "from", from, "to", to)
}

func (s *Session) setConvLocked(to ConversationState) bool {
	if s.conv == to {
		return false
	}
	s.conv = to
	return true
}

func (s *Session) escalateLocked(kind ErrorKind, banner, entry string) {
	s.errKind = kind
	s.errMsg = banner
	s.conv = ConversationIdle
	s.logLocked(entry)
	s.setStatusLocked(StatusError)
}

// resetLocked clears everything that belongs to a single run.
func (s *Session) resetLocked() {
	s.id = ""
	s.conv = ConversationIdle
	s.transcript = ""
	s.entries = nil
	s.agentOpen = false
	s.seq = 0
	s.latency = 0
	s.errMsg = ""
	s.errKind = ErrorNone
}

func (s *Session) logLocked(msg string) {
	s.logs = append(s.logs, LogEntry{Time: time.Now(), Message: msg})
	if n := len(s.logs) - maxLogEntries; n > 0 {
		s.logs = slices.Delete(s.logs, 0, n)
	}
	s.log.Debug("activity", "entry", msg)
}

func (s *Session) addEntryLocked(sp Speaker, text string) {
	s.seq++
	s.entries = append(s.entries, TranscriptEntry{Seq: s.seq, Speaker: sp, Text: text})
}

// appendAgentLocked extends the open agent entry, starting one if needed.
func (s *Session) appendAgentLocked(delta string) {
	s.transcript += delta
	if !s.agentOpen {
		s.addEntryLocked(SpeakerAgent, delta)
		s.agentOpen = true
		return
	}
	s.entries[len(s.entries)-1].Text += delta
}

// finishAgentLocked closes the open agent entry. The final transcript, when
// present, replaces the accumulated deltas.
func (s *Session) finishAgentLocked(final string) {
	if s.agentOpen && final != "" {
		s.entries[len(s.entries)-1].Text = final
	}
	s.agentOpen = false
}

// ── Observation ────────────────────────────────────────────────────────────────

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:           s.id,
		Company:      s.cfg.Company,
		Voice:        s.voice,
		Status:       s.status,
		Conversation: s.conv,
		Transcript:   s.transcript,
		Entries:      slices.Clone(s.entries),
		Latency:      s.latency,
		Log:          slices.Clone(s.logs),
		ErrorMessage: s.errMsg,
		ErrorKind:    s.errKind,
	}
}

// Subscribe registers fn to receive a snapshot after every visible change.
// The returned function removes the listener.
func (s *Session) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(l listener) bool { return l.id == id })
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range ls {
		l.fn(snap)
	}
}
