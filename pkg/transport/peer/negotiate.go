package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/frontdesk/pkg/realtime"
)

// Minter obtains a short-lived credential for one peer session.
type Minter interface {
	Mint(ctx context.Context, req realtime.MintRequest) (*realtime.Credential, error)
}

// Exchanger trades a local offer for the remote answer, authenticated by a
// minted secret.
type Exchanger interface {
	Exchange(ctx context.Context, offerSDP, secret string) (answerSDP string, error)
}

// ErrRejected wraps non-2xx answers from the relay service.
var ErrRejected = errors.New("peer: rejected by relay")

// maxBody bounds responses read from the relay.
const maxBody = 1 << 20

// HTTPMinter calls the relay's POST /api/session endpoint.
type HTTPMinter struct {
	Endpoint string
	Client   *http.Client
}

// Mint implements [Minter].
func (m *HTTPMinter) Mint(ctx context.Context, req realtime.MintRequest) (*realtime.Credential, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("peer: mint: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("peer: mint: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client(m.Client).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("peer: mint: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("peer: mint: read body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: mint: status %d: %s", ErrRejected, resp.StatusCode, errorText(data))
	}

	var out realtime.MintResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("peer: mint: decode: %w", err)
	}
	if out.ClientSecret.Value == "" {
		return nil, fmt.Errorf("%w: mint: response carries no client secret", ErrRejected)
	}
	return realtime.NewCredential(out.ClientSecret), nil
}

// HTTPExchanger posts the offer to the relay's POST /api/rtc endpoint.
type HTTPExchanger struct {
	Endpoint string
	Model    string
	Client   *http.Client
}

// Exchange implements [Exchanger].
func (e *HTTPExchanger) Exchange(ctx context.Context, offerSDP, secret string) (string, error) {
	u, err := url.Parse(e.Endpoint)
	if err != nil {
		return "", fmt.Errorf("peer: exchange: %w", err)
	}
	if e.Model != "" {
		q := u.Query()
		q.Set("model", e.Model)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("peer: exchange: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := client(e.Client).Do(req)
	if err != nil {
		return "", fmt.Errorf("peer: exchange: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("peer: exchange: read body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: exchange: status %d: %s", ErrRejected, resp.StatusCode, errorText(data))
	}
	return string(data), nil
}

func client(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

// errorText extracts {"error": "..."} bodies and falls back to the raw text.
func errorText(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
