package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/satriahrh/arunika/evi/domain/entities"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Browser to relay message types
const (
	MessageTypeAudioInput MessageType = "audio_input"
	MessageTypeStop       MessageType = "stop"
	MessageTypeStart      MessageType = "start"
)

// Relay to browser message types
const (
	MessageTypeConnected        MessageType = "connected"
	MessageTypeDisconnected     MessageType = "disconnected"
	MessageTypeError            MessageType = "error"
	MessageTypeUserMessage      MessageType = "user_message"
	MessageTypeAssistantMessage MessageType = "assistant_message"
	MessageTypeAudioOutput      MessageType = "audio_output"
	MessageTypeUserInterruption MessageType = "user_interruption"
	MessageTypeAssistantEnd     MessageType = "assistant_end"
)

// ClientMessage is a text frame sent by the browser
type ClientMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data,omitempty"` // base64 linear16 PCM
}

// ServerMessage is a text frame sent to the browser
type ServerMessage struct {
	Type      MessageType             `json:"type"`
	Timestamp string                  `json:"timestamp"`
	ChatID    string                  `json:"chat_id,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Text      string                  `json:"text,omitempty"`
	Emotions  *entities.EmotionScores `json:"emotions,omitempty"`
	Data      string                  `json:"data,omitempty"`
}

// MessageValidator provides validation for browser messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an incoming text frame
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch msg.Type {
	case MessageTypeAudioInput:
		if msg.Data == "" {
			return nil, fmt.Errorf("data is required")
		}
		if _, err := base64.StdEncoding.DecodeString(msg.Data); err != nil {
			return nil, fmt.Errorf("data must be base64: %w", err)
		}
	case MessageTypeStop, MessageTypeStart:
	case "":
		return nil, fmt.Errorf("type is required")
	default:
		return nil, fmt.Errorf("unsupported message type: %s", msg.Type)
	}
	return &msg, nil
}

func newServerMessage(t MessageType) *ServerMessage {
	return &ServerMessage{
		Type:      t,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// CreateErrorMessage creates an error frame
func CreateErrorMessage(message string) *ServerMessage {
	msg := newServerMessage(MessageTypeError)
	msg.Message = message
	return msg
}

// CreateConnectedMessage creates the frame announcing an active voice session
func CreateConnectedMessage(chatID string) *ServerMessage {
	msg := newServerMessage(MessageTypeConnected)
	msg.ChatID = chatID
	return msg
}

// CreateUserMessage creates a transcript frame carrying the speaker's emotions
func CreateUserMessage(text string, emotions entities.EmotionScores) *ServerMessage {
	msg := newServerMessage(MessageTypeUserMessage)
	msg.Text = text
	msg.Emotions = &emotions
	return msg
}

func CreateAssistantMessage(text string) *ServerMessage {
	msg := newServerMessage(MessageTypeAssistantMessage)
	msg.Text = text
	return msg
}

func CreateAudioOutputMessage(data string) *ServerMessage {
	msg := newServerMessage(MessageTypeAudioOutput)
	msg.Data = data
	return msg
}
