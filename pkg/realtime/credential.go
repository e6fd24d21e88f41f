package realtime

import (
	"log/slog"
	"sync"
)

// MintRequest is the body of POST /api/session.
type MintRequest struct {
	Voice        string `json:"voice,omitempty"`
	Model        string `json:"model,omitempty"`
	Company      string `json:"company,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// MintResponse is returned by POST /api/session. It mirrors the upstream
// realtime/sessions payload.
type MintResponse struct {
	ID           string       `json:"id,omitempty"`
	Model        string       `json:"model,omitempty"`
	Voice        string       `json:"voice,omitempty"`
	ClientSecret ClientSecret `json:"client_secret"`
}

// ClientSecret is the ephemeral credential minted for one peer session.
type ClientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// Credential holds a minted secret that may be used exactly once. Its string
// and log forms only ever show a short prefix.
type Credential struct {
	mu    sync.Mutex
	value string
	used  bool

	ExpiresAt int64
}

// NewCredential wraps a minted secret.
func NewCredential(s ClientSecret) *Credential {
	return &Credential{value: s.Value, ExpiresAt: s.ExpiresAt}
}

// Take returns the secret the first time it is called and false afterwards.
func (c *Credential) Take() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used || c.value == "" {
		return "", false
	}
	c.used = true
	v := c.value
	c.value = ""
	return v, true
}

// String returns a redacted form safe for logs.
func (c *Credential) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return "[consumed]"
	}
	return Redact(c.value)
}

// LogValue implements [slog.LogValuer].
func (c *Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// Redact shows at most the first 10 characters of a secret.
func Redact(secret string) string {
	const keep = 10
	if secret == "" {
		return ""
	}
	if len(secret) <= keep {
		return "[REDACTED]"
	}
	return secret[:keep] + "..."
}
