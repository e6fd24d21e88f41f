package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/frontdesk/internal/observe"
	"github.com/MrWong99/frontdesk/internal/resilience"
	"github.com/MrWong99/frontdesk/pkg/realtime"
)

// maxRequestBody bounds JSON and SDP request bodies.
const maxRequestBody = 64 << 10

// mintReply is the POST /api/session response body. Session carries the
// upstream document unchanged.
type mintReply struct {
	ClientSecret realtime.ClientSecret `json:"client_secret"`
	Session      json.RawMessage       `json:"session"`
}

// handleMint mints an ephemeral client secret for a peer session. The
// company's instructions are baked into the upstream session.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)
	st := s.settings()

	if st.apiKey == "" {
		log.Error("relay: mint rejected, no upstream API key")
		s.metrics.RecordMint(ctx, "no_key")
		writeError(ctx, w, http.StatusInternalServerError, msgNoAPIKey)
		return
	}

	var req realtime.MintRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.metrics.RecordMint(ctx, "bad_request")
		writeError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Voice == "" {
		req.Voice = st.session.Voice
	}
	if req.Model == "" {
		req.Model = st.model
	}
	if !st.voiceAllowed(req.Voice) {
		s.metrics.RecordMint(ctx, "bad_request")
		writeError(ctx, w, http.StatusBadRequest, "unsupported voice: "+req.Voice)
		return
	}

	upstreamReq := realtime.MintRequest{
		Voice:        req.Voice,
		Model:        req.Model,
		Instructions: s.dir.Instructions(req.Company),
	}
	raw, err := s.mint(ctx, st, upstreamReq)
	if err != nil {
		status, msg, label := mintFailure(err)
		log.Error("relay: mint failed", "err", err, "status", status, "company", req.Company)
		s.metrics.RecordMint(ctx, label)
		writeError(ctx, w, status, msg)
		return
	}

	var doc realtime.MintResponse
	if err := json.Unmarshal(raw, &doc); err != nil || doc.ClientSecret.Value == "" {
		log.Error("relay: mint returned no client secret", "err", err)
		s.metrics.RecordMint(ctx, "error")
		writeError(ctx, w, http.StatusInternalServerError, msgMintFailed)
		return
	}

	log.Info("relay: minted session credential",
		"company", req.Company,
		"voice", req.Voice,
		"model", req.Model,
		"secret", realtime.Redact(doc.ClientSecret.Value),
	)
	s.metrics.RecordMint(ctx, "ok")
	writeJSON(ctx, w, http.StatusOK, mintReply{ClientSecret: doc.ClientSecret, Session: raw})
}

// mint posts req to the upstream realtime/sessions endpoint.
func (s *Server) mint(ctx context.Context, st settings, req realtime.MintRequest) ([]byte, error) {
	start := time.Now()
	raw, err := resilience.Do(ctx, s.breaker, func(ctx context.Context) ([]byte, error) {
		var raw []byte
		if err := st.client.Post(ctx, "realtime/sessions", req, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	})
	s.metrics.RecordUpstream(ctx, "mint", time.Since(start), err, errorKind(err))
	return raw, err
}

// mintFailure maps an upstream failure to the response status, the
// user-visible message and the metric label.
func mintFailure(err error) (status int, msg, label string) {
	var apiErr *oai.Error
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode != 0:
		return apiErr.StatusCode, msgUpstreamPrefix + upstreamText(apiErr), "rejected"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, msgUnavailable, "circuit_open"
	default:
		return http.StatusInternalServerError, msgMintFailed, "error"
	}
}

// upstreamText is the upstream error document, or its message when the raw
// body is unavailable.
func upstreamText(e *oai.Error) string {
	if raw := e.RawJSON(); raw != "" {
		return raw
	}
	return e.Message
}
