package domain

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Inbound frame types sent by the voice service
const (
	InboundChatMetadata     = "chat_metadata"
	InboundUserMessage      = "user_message"
	InboundAssistantMessage = "assistant_message"
	InboundAudioOutput      = "audio_output"
	InboundUserInterruption = "user_interruption"
	InboundAssistantEnd     = "assistant_end"
	InboundError            = "error"
)

// Outbound frame types sent by the client
const (
	OutboundSessionSettings = "session_settings"
	OutboundAudioInput      = "audio_input"
)

// AudioEncodingLinear16 is uncompressed 16-bit linear PCM
const AudioEncodingLinear16 = "linear16"

// InboundFrame is a parsed inbound frame. Only the paths the client consumes
// are read, and a missing or mistyped value reads as its zero value, so a
// frame is never rejected for fields it does not need.
type InboundFrame struct {
	fields map[string]json.RawMessage
}

// ParseInboundFrame fails only when raw is not a JSON object
func ParseInboundFrame(raw []byte) (*InboundFrame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("frame is not a JSON object")
	}
	return &InboundFrame{fields: fields}, nil
}

// Type is the frame discriminator, empty when missing
func (f *InboundFrame) Type() string {
	return f.String("type")
}

// String returns the string at path, or "" when absent or not a string
func (f *InboundFrame) String(path ...string) string {
	s, _ := f.lookupString(path)
	return s
}

// HasString reports whether path holds a JSON string
func (f *InboundFrame) HasString(path ...string) bool {
	_, ok := f.lookupString(path)
	return ok
}

// Scores returns the numeric entries of the object at path. Non-numeric
// entries are skipped; the result is never nil.
func (f *InboundFrame) Scores(path ...string) map[string]float64 {
	scores := map[string]float64{}
	raw, ok := f.lookup(path)
	if !ok {
		return scores
	}
	var entries map[string]json.RawMessage
	if json.Unmarshal(raw, &entries) != nil {
		return scores
	}
	for name, value := range entries {
		var score float64
		if !isNull(value) && json.Unmarshal(value, &score) == nil {
			scores[name] = score
		}
	}
	return scores
}

func (f *InboundFrame) lookupString(path []string) (string, bool) {
	raw, ok := f.lookup(path)
	if !ok || isNull(raw) {
		return "", false
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func (f *InboundFrame) lookup(path []string) (json.RawMessage, bool) {
	if len(path) == 0 {
		return nil, false
	}
	fields := f.fields
	for i, key := range path {
		raw, ok := fields[key]
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return raw, true
		}
		fields = nil
		if json.Unmarshal(raw, &fields) != nil || fields == nil {
			return nil, false
		}
	}
	return nil, false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// ChatID of a chat_metadata frame
func (f *InboundFrame) ChatID() string {
	return f.String("chat_id")
}

// Content is message.content of a user or assistant frame
func (f *InboundFrame) Content() string {
	return f.String("message", "content")
}

// ProsodyScores is models.prosody.scores of a user_message frame
func (f *InboundFrame) ProsodyScores() map[string]float64 {
	return f.Scores("models", "prosody", "scores")
}

// AudioData is the payload of an audio_output frame; ok is false when the
// frame carries no string data
func (f *InboundFrame) AudioData() (string, bool) {
	return f.lookupString([]string{"data"})
}

// ErrorMessage reads the fields of an error frame
func (f *InboundFrame) ErrorMessage() ErrorMessage {
	return ErrorMessage{
		Code:    f.String("code"),
		Slug:    f.String("slug"),
		Message: f.String("message"),
	}
}

// ErrorMessage is an application-level error reported by the service
type ErrorMessage struct {
	Code    string
	Slug    string
	Message string
}

// Description picks the most readable text the service provided
func (m *ErrorMessage) Description() string {
	switch {
	case m.Message != "":
		return m.Message
	case m.Slug != "":
		return m.Slug
	default:
		return "Unknown error"
	}
}

// AudioSettings declares the format of the outbound audio stream
type AudioSettings struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// SessionSettings is sent once, right after the socket opens
type SessionSettings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
}

// NewSessionSettings declares mono linear16 audio at the given sample rate
func NewSessionSettings(sampleRate int) SessionSettings {
	return SessionSettings{
		Type: OutboundSessionSettings,
		Audio: AudioSettings{
			Encoding:   AudioEncodingLinear16,
			SampleRate: sampleRate,
			Channels:   1,
		},
	}
}

// AudioInput carries one base64 chunk of microphone audio
type AudioInput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// EncodeAudioInput builds the wire form of an audio_input frame
func EncodeAudioInput(base64Chunk string) ([]byte, error) {
	return json.Marshal(AudioInput{Type: OutboundAudioInput, Data: base64Chunk})
}
