// Package relay implements the message-relay session transport.
//
// The client holds one WebSocket to the relay service, parameterised by the
// selected company. Every message is a JSON control event; captured audio
// rides inside input_audio_buffer.append as base64 and reply audio arrives
// inside response.audio.delta. With [WithBinaryAudio] captured audio is sent
// as raw PCM16 binary frames instead and the relay wraps them upstream.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/frontdesk/pkg/audio"
	"github.com/MrWong99/frontdesk/pkg/realtime"
	"github.com/MrWong99/frontdesk/pkg/transport"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Pinger    = (*Transport)(nil)
)

// readLimit bounds a single inbound message. Audio deltas routinely exceed
// the library's 32 KiB default.
const readLimit = 4 << 20

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Transport].
type Option func(*Transport)

// WithBinaryAudio sends captured audio as raw binary frames.
func WithBinaryAudio() Option {
	return func(t *Transport) { t.binaryAudio = true }
}

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithVoice requests a voice profile. The relay falls back to its configured
// default when voice is empty.
func WithVoice(voice string) Option {
	return func(t *Transport) { t.voice = voice }
}

// WithHeader adds a header to the handshake request.
func WithHeader(key, value string) Option {
	return func(t *Transport) {
		if t.header == nil {
			t.header = http.Header{}
		}
		t.header.Add(key, value)
	}
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport is the WebSocket relay strategy.
type Transport struct {
	*transport.Dispatcher

	endpoint    string
	company     string
	voice       string
	binaryAudio bool
	httpClient  *http.Client
	header      http.Header
	log         *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	done   chan struct{}
}

// New returns a relay transport for endpoint (ws:// or wss://) and company.
func New(endpoint, company string, opts ...Option) *Transport {
	t := &Transport{
		endpoint: endpoint,
		company:  company,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With("transport", "relay", "company", company)
	t.Dispatcher = transport.NewDispatcher(t.log)
	return t
}

// Open dials the relay and starts the receive loop.
func (t *Transport) Open(ctx context.Context) error {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return transport.NewError("open", transport.KindDial, err)
	}
	q := u.Query()
	q.Set("company", t.company)
	if t.voice != "" {
		q.Set("voice", t.voice)
	}
	u.RawQuery = q.Encode()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.NewError("open", transport.KindClosed, nil)
	}
	if t.conn != nil {
		t.mu.Unlock()
		return transport.NewError("open", transport.KindProtocol, errors.New("already open"))
	}
	t.mu.Unlock()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: t.header,
	})
	if err != nil {
		kind := transport.KindDial
		if resp != nil && resp.StatusCode >= 400 {
			kind = transport.KindRejected
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return transport.NewError("open", kind, err)
	}
	conn.SetReadLimit(readLimit)

	t.mu.Lock()
	if t.closed {
		// Closed while dialling.
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed")
		return transport.NewError("open", transport.KindClosed, nil)
	}
	t.conn = conn
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.receiveLoop(t.ctx, conn, t.done)
	t.log.Debug("relay connected", "endpoint", u.Redacted())
	return nil
}

// SendAudio forwards a captured frame.
func (t *Transport) SendAudio(frame audio.AudioFrame) error {
	if t.binaryAudio {
		return t.write(websocket.MessageBinary, frame.Data)
	}
	return t.SendControl(realtime.AppendAudio(audio.EncodeBase64(frame.Data)))
}

// SendControl sends one JSON control event.
func (t *Transport) SendControl(evt realtime.ClientEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return transport.NewError("send", transport.KindProtocol, err)
	}
	return t.write(websocket.MessageText, data)
}

func (t *Transport) write(typ websocket.MessageType, data []byte) error {
	t.mu.Lock()
	conn, ctx, closed := t.conn, t.ctx, t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return transport.NewError("send", transport.KindClosed, nil)
	}
	if err := conn.Write(ctx, typ, data); err != nil {
		if ctx.Err() != nil {
			return transport.NewError("send", transport.KindClosed, err)
		}
		return transport.NewError("send", transport.KindDial, err)
	}
	return nil
}

// Ping measures the WebSocket round trip.
func (t *Transport) Ping(ctx context.Context) (time.Duration, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, transport.NewError("ping", transport.KindClosed, nil)
	}
	start := time.Now()
	if err := conn.Ping(ctx); err != nil {
		return 0, transport.NewError("ping", transport.KindDial, err)
	}
	return time.Since(start), nil
}

// Close tears down the connection and waits for the receive loop to exit.
// Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn, cancel, done := t.conn, t.cancel, t.done
	t.mu.Unlock()

	t.Silence()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "session ended")
	cancel()
	<-done
	if err != nil && !isClosedErr(err) {
		t.log.Debug("relay close handshake failed", "err", err)
	}
	return nil
}

// receiveLoop reads until the connection ends. Reads must keep running for
// Ping to receive pongs.
func (t *Transport) receiveLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return
			}
			t.log.Warn("relay read ended", "err", err)
			t.Closed(transport.NewError("receive", transport.KindClosed, err))
			return
		}
		switch typ {
		case websocket.MessageText:
			t.HandleMessage(data)
		case websocket.MessageBinary:
			t.HandleAudio(data)
		}
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func isClosedErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	s := websocket.CloseStatus(err)
	return s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway
}
