package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire event tags.
const (
	EventAudioChunk          = "audio_chunk"
	EventProcessFullSession  = "process_full_session"
	EventPing                = "ping"
	EventPong                = "pong"
	EventTranscriptionResult = "transcription_result"
	EventSessionSummary      = "session_summary"
)

// Message is an outbound message. Implementations are [ChunkMessage] and
// [ControlMessage].
type Message interface {
	// Event returns the wire tag of the message.
	Event() string
}

// ChunkMessage carries one flushed audio segment. It is immutable once built.
type ChunkMessage struct {
	// Sequence is the per-session chunk number, starting at 0.
	Sequence int

	// SampleRate of the payload in Hz.
	SampleRate int

	// Payload is little-endian float32 PCM.
	Payload []byte
}

// Event implements [Message].
func (ChunkMessage) Event() string { return EventAudioChunk }

// ControlMessage is a payload-less command.
type ControlMessage struct {
	Tag string
}

// Event implements [Message].
func (m ControlMessage) Event() string { return m.Tag }

var (
	// ProcessFullSession asks the server to summarise everything it received
	// since the session started.
	ProcessFullSession = ControlMessage{Tag: EventProcessFullSession}

	// Ping is the keep-alive message.
	Ping = ControlMessage{Tag: EventPing}
)

type audioChunkWire struct {
	Event       string `json:"event"`
	ChunkNumber int    `json:"chunkNumber"`
	AudioData   []byte `json:"audioData"` // base64 (std) via encoding/json
	SampleRate  int    `json:"sampleRate"`
}

type controlWire struct {
	Event string `json:"event"`
}

// Encode serialises m as a JSON text frame.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case ChunkMessage:
		return json.Marshal(audioChunkWire{
			Event:       EventAudioChunk,
			ChunkNumber: v.Sequence,
			AudioData:   v.Payload,
			SampleRate:  v.SampleRate,
		})
	case *ChunkMessage:
		return Encode(*v)
	case ControlMessage:
		switch v.Tag {
		case EventProcessFullSession, EventPing, EventPong:
		default:
			return nil, fmt.Errorf("transport: encode: unknown control message %q", v.Tag)
		}
		return json.Marshal(controlWire{Event: v.Tag})
	default:
		return nil, fmt.Errorf("transport: encode: unsupported message type %T", m)
	}
}

// ─── Inbound ─────────────────────────────────────────────────────────────────

// Kind classifies an [Event].
type Kind int

const (
	KindTranscription Kind = iota
	KindSummary
	KindError
	KindPing
	KindPong

	// Connection lifecycle, synthesised by the client.
	KindConnected
	KindDisconnected
	KindReconnecting
	KindReconnectExhausted
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTranscription:
		return "transcription"
	case KindSummary:
		return "summary"
	case KindError:
		return "error"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindReconnecting:
		return "reconnecting"
	case KindReconnectExhausted:
		return "reconnect_exhausted"
	default:
		return "unknown"
	}
}

// TranscriptionResult is the server's answer to one audio chunk.
type TranscriptionResult struct {
	OriginalText   string
	TranslatedText string
	IsEnglish      bool
}

// SessionSummary is the server's answer to [ProcessFullSession].
type SessionSummary struct {
	Summary      string
	OriginalText string
	IsEnglish    bool
}

// ServerError is an error reported inside a server reply.
type ServerError struct {
	Message string

	// Source is the kind of reply that carried the error: KindTranscription
	// or KindSummary.
	Source Kind
}

// Event is a tagged union of everything a [Transport] reports to its
// handlers. Only the field matching Kind is populated.
type Event struct {
	Kind Kind
	At   time.Time

	Transcription TranscriptionResult
	Summary       SessionSummary
	Error         ServerError

	// Data is the raw data member of a ping or pong.
	Data json.RawMessage

	// Attempt and Delay describe a scheduled reconnect (KindReconnecting) or
	// the number of attempts made (KindReconnectExhausted).
	Attempt int
	Delay   time.Duration

	// Cause is the error that ended the connection (KindDisconnected).
	Cause error
}

// ErrUnknownEvent is wrapped by the [ProtocolError] returned for a well-formed
// envelope with a tag this client does not understand.
var ErrUnknownEvent = errors.New("unknown event")

// ProtocolError reports a malformed inbound frame.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("transport: protocol: %v", e.Err)
	}
	return fmt.Sprintf("transport: protocol: %s: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type replyData struct {
	OriginalText   string `json:"originalText"`
	TranslatedText string `json:"translatedText"`
	Summary        string `json:"summary"`
	IsEnglish      bool   `json:"isEnglish"`
	Error          string `json:"error"`
}

// Decode parses one inbound text frame. Malformed frames and unknown tags
// yield a [*ProtocolError].
func Decode(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, &ProtocolError{Err: err}
	}
	if env.Event == "" {
		return Event{}, &ProtocolError{Err: errors.New("missing event tag")}
	}
	now := time.Now()

	switch env.Event {
	case EventPing, EventPong:
		kind := KindPing
		if env.Event == EventPong {
			kind = KindPong
		}
		return Event{Kind: kind, At: now, Data: env.Data}, nil

	case EventTranscriptionResult, EventSessionSummary:
		var d replyData
		if len(bytes.TrimSpace(env.Data)) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
			return Event{}, &ProtocolError{Event: env.Event, Err: errors.New("missing data")}
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, &ProtocolError{Event: env.Event, Err: err}
		}
		source := KindTranscription
		if env.Event == EventSessionSummary {
			source = KindSummary
		}
		if d.Error != "" {
			return Event{Kind: KindError, At: now, Error: ServerError{Message: d.Error, Source: source}}, nil
		}
		if source == KindSummary {
			return Event{Kind: KindSummary, At: now, Summary: SessionSummary{
				Summary:      d.Summary,
				OriginalText: d.OriginalText,
				IsEnglish:    d.IsEnglish,
			}}, nil
		}
		translated := d.TranslatedText
		if translated == "" {
			translated = d.OriginalText
		}
		return Event{Kind: KindTranscription, At: now, Transcription: TranscriptionResult{
			OriginalText:   d.OriginalText,
			TranslatedText: translated,
			IsEnglish:      d.IsEnglish,
		}}, nil

	default:
		return Event{}, &ProtocolError{Event: env.Event, Err: ErrUnknownEvent}
	}
}
