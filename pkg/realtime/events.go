// Package realtime defines the control event vocabulary exchanged with the
// upstream speech-to-speech service, plus the wire types of the credential
// minting and session-description exchange endpoints.
//
// Every message is a single JSON object tagged by its "type" field. The same
// vocabulary travels over the relay WebSocket and over the peer connection's
// "oai-events" data channel.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Outbound event types.
const (
	TypeInputAudioAppend = "input_audio_buffer.append"
	TypeInputAudioCommit = "input_audio_buffer.commit"
	TypeResponseCreate   = "response.create"
	TypeSessionUpdate    = "session.update"
)

// Inbound event types.
const (
	TypeSessionCreated         = "session.created"
	TypeSessionUpdated         = "session.updated"
	TypeSpeechStarted          = "input_audio_buffer.speech_started"
	TypeSpeechStopped          = "input_audio_buffer.speech_stopped"
	TypeResponseAudioDelta     = "response.audio.delta"
	TypeResponseAudioDone      = "response.audio.done"
	TypeTranscriptDelta        = "response.audio_transcript.delta"
	TypeTranscriptDone         = "response.audio_transcript.done"
	TypeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	TypeError                  = "error"
)

// ErrCodeCommitEmpty is reported when a commit reaches an empty input buffer,
// typically after a VAD false trigger. It is the only recoverable error code.
const ErrCodeCommitEmpty = "input_audio_buffer_commit_empty"

// recoverableCodes is deliberately narrow. Unknown codes are fatal.
var recoverableCodes = map[string]bool{
	ErrCodeCommitEmpty: true,
}

// ─── Outbound ─────────────────────────────────────────────────────────────────

// ClientEvent is a message sent to the upstream service.
type ClientEvent struct {
	Type     string          `json:"type"`
	EventID  string          `json:"event_id,omitempty"`
	Audio    string          `json:"audio,omitempty"`
	Response *ResponseParams `json:"response,omitempty"`
	Session  *SessionParams  `json:"session,omitempty"`
}

// ResponseParams configures a response.create request.
type ResponseParams struct {
	Modalities []string `json:"modalities,omitempty"`
}

// SessionParams is the body of session.update.
type SessionParams struct {
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
}

// InputAudioTranscription selects the model used to transcribe caller audio.
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
}

// AppendAudio builds an input_audio_buffer.append event for a base64 PCM16 chunk.
func AppendAudio(b64 string) ClientEvent {
	return ClientEvent{Type: TypeInputAudioAppend, Audio: b64}
}

// Commit builds an input_audio_buffer.commit event.
func Commit() ClientEvent {
	return ClientEvent{Type: TypeInputAudioCommit}
}

// CreateResponse asks for a reply carrying both text and audio.
func CreateResponse() ClientEvent {
	return ClientEvent{
		Type:     TypeResponseCreate,
		Response: &ResponseParams{Modalities: []string{"text", "audio"}},
	}
}

// SessionUpdate builds a session.update event.
func SessionUpdate(p SessionParams) ClientEvent {
	return ClientEvent{Type: TypeSessionUpdate, Session: &p}
}

// ─── Inbound ──────────────────────────────────────────────────────────────────

// ServerEvent is a message received from the upstream service. Only the
// fields the client acts on are decoded.
type ServerEvent struct {
	Type    string       `json:"type"`
	EventID string       `json:"event_id,omitempty"`
	Session *SessionInfo `json:"session,omitempty"`

	// response.audio.delta carries base64 audio; response.audio_transcript.delta
	// carries text.
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done and
	// conversation.item.input_audio_transcription.completed.
	Transcript string `json:"transcript,omitempty"`

	ItemID     string       `json:"item_id,omitempty"`
	ResponseID string       `json:"response_id,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// SessionInfo identifies an upstream session.
type SessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

// ErrorDetail is the nested error object of an "error" event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// Recoverable reports whether the session may continue after this error.
func (e *ErrorDetail) Recoverable() bool {
	return e != nil && recoverableCodes[e.Code]
}

func (e *ErrorDetail) Error() string {
	if e == nil {
		return "realtime: unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s: %s", e.Code, e.Message)
	}
	return "realtime: " + e.Message
}

// ParseServerEvent decodes one inbound message. Messages without a type are
// rejected.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("realtime: event without type")
	}
	return ev, nil
}
