package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/frontdesk/internal/observe"
	"github.com/MrWong99/frontdesk/internal/resilience"
)

// handleRTC forwards a peer client's SDP offer upstream, authenticated with
// the client's own minted secret, and returns the answer.
func (s *Server) handleRTC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)
	st := s.settings()

	secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || secret == "" {
		writeError(ctx, w, http.StatusUnauthorized, "missing bearer credential")
		return
	}
	offer, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil || len(bytes.TrimSpace(offer)) == 0 {
		writeError(ctx, w, http.StatusBadRequest, "missing SDP offer")
		return
	}
	model := r.URL.Query().Get("model")
	if model == "" {
		model = st.model
	}

	answer, err := s.exchange(ctx, st, model, secret, offer)
	if err != nil {
		status, msg := http.StatusBadGateway, "session description exchange failed"
		var apiErr *oai.Error
		switch {
		case errors.As(err, &apiErr) && apiErr.StatusCode != 0:
			status, msg = apiErr.StatusCode, msgUpstreamPrefix+upstreamText(apiErr)
		case errors.Is(err, resilience.ErrCircuitOpen):
			status, msg = http.StatusServiceUnavailable, msgUnavailable
		}
		log.Error("relay: sdp exchange failed", "err", err, "status", status)
		writeError(ctx, w, status, msg)
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	if _, err := w.Write(answer); err != nil {
		log.Warn("relay: write sdp answer", "err", err)
	}
}

// exchange posts offer to the upstream realtime endpoint.
func (s *Server) exchange(ctx context.Context, st settings, model, secret string, offer []byte) ([]byte, error) {
	start := time.Now()
	answer, err := resilience.Do(ctx, s.breaker, func(ctx context.Context) ([]byte, error) {
		var answer []byte
		err := st.client.Post(ctx, "realtime", nil, &answer,
			option.WithQuery("model", model),
			option.WithHeader("Authorization", "Bearer "+secret),
			option.WithRequestBody("application/sdp", offer),
		)
		return answer, err
	})
	s.metrics.RecordUpstream(ctx, "rtc", time.Since(start), err, errorKind(err))
	return answer, err
}
