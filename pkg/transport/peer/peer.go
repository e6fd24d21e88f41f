// Package peer implements the peer-negotiation session transport.
//
// Open mints a single-use credential through the relay service, builds a
// WebRTC peer connection with a local Opus track and an "oai-events" data
// channel, and trades its offer for the upstream answer through the relay's
// description exchange. Remote audio is a continuous media stream: it is
// decoded and written straight to the session's [audio.StreamSink] instead of
// going through the playback queue. Control events use the same JSON
// vocabulary as the relay transport, carried over the data channel.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/frontdesk/pkg/audio"
	"github.com/MrWong99/frontdesk/pkg/realtime"
	"github.com/MrWong99/frontdesk/pkg/transport"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Pinger    = (*Transport)(nil)
)

// EventsChannel is the label of the control data channel.
const EventsChannel = "oai-events"

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// ── Options ────────────────────────────────────────────────────────────────────

// Config holds the per-session inputs of a peer transport.
type Config struct {
	Company string
	Voice   string
	Model   string

	// ICEServers lists STUN/TURN URLs. Nil selects [DefaultICEServers]; an
	// empty non-nil slice disables ICE servers entirely.
	ICEServers []string

	// Sink renders remote audio. Remote media is discarded when nil.
	Sink audio.StreamSink

	Logger *slog.Logger
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport is the WebRTC peer strategy.
type Transport struct {
	*transport.Dispatcher

	cfg       Config
	minter    Minter
	exchanger Exchanger
	log       *slog.Logger

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	dc     *webrtc.DataChannel
	enc    *opusEncoder
	opened bool
	closed bool

	sendMu sync.Mutex
	wg     sync.WaitGroup
}

// New returns a peer transport that negotiates through minter and exchanger.
func New(cfg Config, minter Minter, exchanger Exchanger) *Transport {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.ICEServers == nil {
		cfg.ICEServers = DefaultICEServers
	}
	log = log.With("transport", "peer", "company", cfg.Company)
	return &Transport{
		Dispatcher: transport.NewDispatcher(log),
		cfg:        cfg,
		minter:     minter,
		exchanger:  exchanger,
		log:        log,
	}
}

// Open negotiates the peer connection. On any failure every resource created
// so far is released before returning.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.NewError("open", transport.KindClosed, nil)
	}
	if t.pc != nil {
		t.mu.Unlock()
		return transport.NewError("open", transport.KindProtocol, errors.New("already open"))
	}
	t.mu.Unlock()

	// ── 1. Credential ────────────────────────────────────────────────────
	cred, err := t.minter.Mint(ctx, realtime.MintRequest{
		Voice:   t.cfg.Voice,
		Model:   t.cfg.Model,
		Company: t.cfg.Company,
	})
	if err != nil {
		return transport.NewError("mint", kindFor(err), err)
	}
	t.log.Debug("credential minted", "credential", cred)

	// ── 2. Peer connection ───────────────────────────────────────────────
	if err := t.build(); err != nil {
		t.teardown()
		return transport.NewError("open", transport.KindDial, err)
	}

	t.mu.Lock()
	pc, dc := t.pc, t.dc
	t.mu.Unlock()

	watch := newConnWatch(t)
	connected, failed := watch.connected, watch.failed
	pc.OnConnectionStateChange(watch.update)
	dcOpen := make(chan struct{})
	dc.OnOpen(func() { close(dcOpen) })

	// ── 3. Offer ─────────────────────────────────────────────────────────
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.teardown()
		return transport.NewError("offer", transport.KindProtocol, err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.teardown()
		return transport.NewError("offer", transport.KindProtocol, err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		t.teardown()
		return transport.NewError("gather", transport.KindTimeout, ctx.Err())
	}

	// ── 4. Description exchange ──────────────────────────────────────────
	secret, ok := cred.Take()
	if !ok {
		t.teardown()
		return transport.NewError("exchange", transport.KindRejected, errors.New("credential already used"))
	}
	answer, err := t.exchanger.Exchange(ctx, pc.LocalDescription().SDP, secret)
	if err != nil {
		t.teardown()
		return transport.NewError("exchange", kindFor(err), err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		t.teardown()
		return transport.NewError("answer", transport.KindRejected, err)
	}

	// ── 5. Wait for media and control ────────────────────────────────────
	for _, ch := range []<-chan struct{}{connected, dcOpen} {
		select {
		case <-ch:
		case err := <-failed:
			t.teardown()
			return transport.NewError("connect", transport.KindDial, err)
		case <-ctx.Done():
			t.teardown()
			return transport.NewError("connect", transport.KindTimeout, ctx.Err())
		}
	}

	t.mu.Lock()
	t.opened = true
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.NewError("open", transport.KindClosed, nil)
	}
	t.log.Info("peer connection established")
	return nil
}

// build creates the peer connection, the local track and the data channel.
func (t *Transport) build() error {
	var ice []webrtc.ICEServer
	if len(t.cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: t.cfg.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return fmt.Errorf("peer: new peer connection: %w", err)
	}
	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio", "frontdesk",
	)
	if err != nil {
		return fmt.Errorf("peer: local track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("peer: add track: %w", err)
	}
	t.wg.Add(1)
	go func() {
		// RTCP must be read for interceptors to work.
		defer t.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}

	dc, err := pc.CreateDataChannel(EventsChannel, nil)
	if err != nil {
		return fmt.Errorf("peer: data channel: %w", err)
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			t.log.Debug("ignoring binary data channel message", "bytes", len(msg.Data))
			return
		}
		t.HandleMessage(msg.Data)
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.wg.Add(1)
		t.mu.Unlock()
		defer t.wg.Done()
		t.readRemote(remote)
	})

	t.mu.Lock()
	t.track, t.dc, t.enc = track, dc, enc
	t.mu.Unlock()
	return nil
}

// readRemote decodes the remote audio track into the sink until it ends.
func (t *Transport) readRemote(remote *webrtc.TrackRemote) {
	dec, err := newOpusDecoder()
	if err != nil {
		t.log.Error("remote audio disabled", "err", err)
		return
	}
	t.log.Debug("remote audio track", "codec", remote.Codec().MimeType)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if t.cfg.Sink == nil || len(pkt.Payload) == 0 {
			continue
		}
		frame, err := dec.decode(pkt.Payload)
		if err != nil {
			t.log.Warn("dropping undecodable remote packet", "err", err)
			continue
		}
		if err := t.cfg.Sink.WritePCM(frame); err != nil {
			t.log.Warn("sink rejected remote audio", "err", err)
		}
	}
}

// SendAudio encodes frame into Opus packets on the local track.
func (t *Transport) SendAudio(frame audio.AudioFrame) error {
	t.mu.Lock()
	track, enc, ok := t.track, t.enc, t.opened && !t.closed
	t.mu.Unlock()
	if !ok {
		return transport.NewError("send", transport.KindClosed, nil)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	packets, err := enc.encode(frame)
	for _, p := range packets {
		if werr := track.WriteSample(media.Sample{Data: p, Duration: opusFrameSizeMs * time.Millisecond}); werr != nil {
			return transport.NewError("send", transport.KindDial, werr)
		}
	}
	if err != nil {
		return transport.NewError("send", transport.KindProtocol, err)
	}
	return nil
}

// SendControl sends one JSON control event over the data channel.
func (t *Transport) SendControl(evt realtime.ClientEvent) error {
	t.mu.Lock()
	dc, ok := t.dc, t.opened && !t.closed
	t.mu.Unlock()
	if !ok {
		return transport.NewError("send", transport.KindClosed, nil)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return transport.NewError("send", transport.KindProtocol, err)
	}
	if err := dc.SendText(string(data)); err != nil {
		return transport.NewError("send", transport.KindDial, err)
	}
	return nil
}

// Ping reports the round trip of the nominated ICE candidate pair.
func (t *Transport) Ping(_ context.Context) (time.Duration, error) {
	t.mu.Lock()
	pc, ok := t.pc, t.opened && !t.closed
	t.mu.Unlock()
	if !ok {
		return 0, transport.NewError("ping", transport.KindClosed, nil)
	}
	for _, s := range pc.GetStats() {
		cp, isPair := s.(webrtc.ICECandidatePairStats)
		if !isPair || !cp.Nominated || cp.CurrentRoundTripTime <= 0 {
			continue
		}
		return time.Duration(cp.CurrentRoundTripTime * float64(time.Second)), nil
	}
	return 0, transport.NewError("ping", transport.KindProtocol, errors.New("no nominated candidate pair"))
}

// Close releases the peer connection and waits for media goroutines.
// Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.Silence()
	return t.teardown()
}

// teardown releases everything Open created. A transport is single-use, so
// it is marked closed whether or not Close started the teardown.
func (t *Transport) teardown() error {
	t.mu.Lock()
	t.closed = true
	pc := t.pc
	t.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	t.wg.Wait()
	if err != nil {
		return fmt.Errorf("peer: close: %w", err)
	}
	return nil
}

// connWatch follows the peer connection state. Before Open returns it
// reports the first connect or failure; afterwards only terminal states end
// the channel, since disconnected may still recover.
type connWatch struct {
	t         *Transport
	connected chan struct{}
	failed    chan error
	once      sync.Once
}

func newConnWatch(t *Transport) *connWatch {
	return &connWatch{
		t:         t,
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
	}
}

func (w *connWatch) update(s webrtc.PeerConnectionState) {
	w.t.log.Debug("peer connection state", "state", s.String())
	switch s {
	case webrtc.PeerConnectionStateConnected:
		w.once.Do(func() { close(w.connected) })
	case webrtc.PeerConnectionStateDisconnected:
		if w.t.isOpened() {
			w.t.log.Debug("peer connection interrupted, waiting for ICE to recover")
			return
		}
		w.fail(fmt.Errorf("peer connection %s", s))
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		err := fmt.Errorf("peer connection %s", s)
		w.fail(err)
		if w.t.isOpened() {
			w.t.Closed(transport.NewError("receive", transport.KindClosed, err))
		}
	}
}

func (w *connWatch) fail(err error) {
	select {
	case w.failed <- err:
	default:
	}
}

func (t *Transport) isOpened() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened && !t.closed
}

func kindFor(err error) transport.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return transport.KindTimeout
	case errors.Is(err, ErrRejected):
		return transport.KindRejected
	}
	return transport.KindDial
}
