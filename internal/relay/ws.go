package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/frontdesk/internal/observe"
	"github.com/MrWong99/frontdesk/internal/resilience"
	"github.com/MrWong99/frontdesk/pkg/realtime"
)

// maxMessageSize bounds a single frame in either direction. Audio deltas for
// long responses exceed the library default of 32 KiB.
const maxMessageSize = 4 << 20

// Directions reported by the relay message counter.
const (
	dirClient   = "client"
	dirUpstream = "upstream"
)

var (
	errClientGone   = errors.New("relay: client disconnected")
	errUpstreamGone = errors.New("relay: upstream disconnected")
)

// handleRealtime upgrades the request, dials the upstream realtime service,
// configures the session for the requested company and forwards frames in
// both directions until either side goes away.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	ctx := observe.WithConnID(r.Context(), uuid.NewString())
	company := r.URL.Query().Get("company")
	voice := r.URL.Query().Get("voice")
	log := observe.Logger(ctx).With("company", company)
	st := s.settings()

	if st.apiKey == "" {
		log.Error("relay: rejecting session, no upstream API key")
		writeError(ctx, w, http.StatusInternalServerError, msgNoAPIKey)
		return
	}
	if voice == "" {
		voice = st.session.Voice
	}
	if !st.voiceAllowed(voice) {
		writeError(ctx, w, http.StatusBadRequest, "unsupported voice: "+voice)
		return
	}

	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: st.origins,
	})
	if err != nil {
		log.Warn("relay: accept failed", "err", err)
		return
	}
	client.SetReadLimit(maxMessageSize)

	upstream, err := s.dial(ctx, st)
	if err != nil {
		log.Error("relay: upstream dial failed", "err", err)
		client.Close(websocket.StatusTryAgainLater, "upstream unavailable")
		return
	}
	upstream.SetReadLimit(maxMessageSize)

	if err := writeEvent(ctx, upstream, realtime.SessionUpdate(s.sessionParams(st, company, voice))); err != nil {
		log.Error("relay: session update failed", "err", err)
		upstream.Close(websocket.StatusInternalError, "session update failed")
		client.Close(websocket.StatusInternalError, "session update failed")
		return
	}

	s.metrics.RelaySessions.Add(ctx, 1)
	defer s.metrics.RelaySessions.Add(context.WithoutCancel(ctx), -1)
	log.Info("relay session started")
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pumpClient(gctx, client, upstream) })
	g.Go(func() error { return s.pumpUpstream(gctx, upstream, client) })
	err = g.Wait()

	switch {
	case errors.Is(err, errClientGone):
		upstream.Close(websocket.StatusNormalClosure, "client disconnected")
		client.CloseNow()
	case errors.Is(err, errUpstreamGone):
		client.Close(websocket.StatusGoingAway, "upstream disconnected")
		upstream.CloseNow()
	default:
		upstream.CloseNow()
		client.CloseNow()
	}
	log.Info("relay session ended", "duration", time.Since(start).Round(time.Millisecond), "reason", err)
}

// sessionParams builds the session.update sent upstream before any client
// frame is forwarded.
func (s *Server) sessionParams(st settings, company, voice string) realtime.SessionParams {
	td := st.session.TurnDetection
	return realtime.SessionParams{
		Instructions:            s.dir.Instructions(company),
		Voice:                   voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &realtime.InputAudioTranscription{Model: st.transcription},
		TurnDetection: &realtime.TurnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			SilenceDurationMs: td.SilenceDurationMs,
			PrefixPaddingMs:   td.PrefixPaddingMs,
		},
	}
}

// dial opens the upstream WebSocket through the circuit breaker.
func (s *Server) dial(ctx context.Context, st settings) (*websocket.Conn, error) {
	u, err := url.Parse(st.realtimeURL)
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	q := u.Query()
	q.Set("model", st.model)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, err := resilience.Do(ctx, s.breaker, func(ctx context.Context) (*websocket.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, st.timeout)
		defer cancel()
		conn, resp, err := websocket.Dial(dctx, u.String(), &websocket.DialOptions{
			HTTPClient: s.httpClient,
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + st.apiKey},
				"OpenAI-Beta":   []string{"realtime=v1"},
			},
		})
		if err != nil {
			if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, fmt.Errorf("%w: %w", &StatusError{Op: "dial", Code: resp.StatusCode}, err)
			}
			return nil, err
		}
		return conn, nil
	})
	s.metrics.RecordUpstream(ctx, "dial", time.Since(start), err, errorKind(err))
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	return conn, nil
}

// pumpClient forwards client frames upstream. Binary frames carry raw PCM16
// and are wrapped into input_audio_buffer.append events.
func (s *Server) pumpClient(ctx context.Context, client, upstream *websocket.Conn) error {
	for {
		typ, data, err := client.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", errClientGone, err)
		}
		kind := realtime.TypeInputAudioAppend
		if typ == websocket.MessageBinary {
			data, err = json.Marshal(realtime.AppendAudio(base64.StdEncoding.EncodeToString(data)))
			if err != nil {
				return fmt.Errorf("relay: wrap audio: %w", err)
			}
		} else {
			kind = eventType(data)
		}
		if err := upstream.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("%w: %w", errUpstreamGone, err)
		}
		s.metrics.RecordRelayMessage(ctx, dirClient, kind)
	}
}

// pumpUpstream forwards upstream events to the client unchanged.
func (s *Server) pumpUpstream(ctx context.Context, upstream, client *websocket.Conn) error {
	for {
		typ, data, err := upstream.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", errUpstreamGone, err)
		}
		if err := client.Write(ctx, typ, data); err != nil {
			return fmt.Errorf("%w: %w", errClientGone, err)
		}
		s.metrics.RecordRelayMessage(ctx, dirUpstream, eventType(data))
	}
}

// eventType extracts the "type" tag of a control event for metric labels.
func eventType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &head) != nil || head.Type == "" {
		return "unknown"
	}
	return head.Type
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev realtime.ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
