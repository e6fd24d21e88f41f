// Package session implements the client-side voice session: the connection
// state machine, the capture pipeline that feeds microphone audio into a
// transport, and the latency sampler.
//
// A [Session] drives at most one run at a time. A run owns a transport, a
// playback queue, the open microphone source and the background goroutines
// that serve them; all of it is released exactly once when the run ends,
// whether through [Session.Stop], a fatal upstream error or a dropped
// connection.
package session

import (
	"errors"
	"time"
)

// ConnectionStatus is the top-level session state.
type ConnectionStatus string

const (
	StatusIdle       ConnectionStatus = "idle"
	StatusConnecting ConnectionStatus = "connecting"
	StatusConnected  ConnectionStatus = "connected"
	StatusError      ConnectionStatus = "error"
)

// ConversationState is the turn-taking sub-state while connected.
type ConversationState string

const (
	ConversationIdle      ConversationState = "idle"
	ConversationListening ConversationState = "listening"
	ConversationSpeaking  ConversationState = "speaking"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// ErrorKind classifies the condition shown in [Snapshot.ErrorMessage].
type ErrorKind string

const (
	ErrorNone      ErrorKind = ""
	ErrorDevice    ErrorKind = "device"
	ErrorTransport ErrorKind = "transport"
	ErrorService   ErrorKind = "service"
)

// maxLogEntries bounds the activity log. Older entries are discarded first.
const maxLogEntries = 1000

// User-facing messages.
const (
	msgConnectionFailed = "Connection failed. Please check your internet connection and try again."
	msgServiceGeneric   = "An error occurred with the AI service. Please try again."
	msgServicePrefix    = "AI service error: "
)

var (
	// ErrAlreadyActive is returned by [Session.Start] while a run is
	// connecting or connected.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrStopped is returned by [Session.Start] when [Session.Stop] ended the
	// run before it connected.
	ErrStopped = errors.New("session: stopped")
)

// TranscriptEntry is one utterance of the conversation.
type TranscriptEntry struct {
	// Seq increases strictly within a session run.
	Seq     uint64
	Speaker Speaker
	Text    string
}

// LogEntry is one line of the activity log.
type LogEntry struct {
	Time    time.Time
	Message string
}

// Snapshot is an immutable copy of the session state handed to listeners.
type Snapshot struct {
	// ID is the upstream session identifier, empty until session.created.
	ID           string
	Company      string
	Voice        string
	Status       ConnectionStatus
	Conversation ConversationState

	// Transcript is the concatenated agent transcript of the current run.
	Transcript string
	Entries    []TranscriptEntry

	// Latency is the last sampled round trip, zero when unknown.
	Latency time.Duration

	Log          []LogEntry
	ErrorMessage string
	ErrorKind    ErrorKind
}

// Active reports whether the snapshot belongs to a connecting or connected
// session.
func (s Snapshot) Active() bool {
	return s.Status == StatusConnecting || s.Status == StatusConnected
}
