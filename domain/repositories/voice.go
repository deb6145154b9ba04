package repositories

import (
	"context"

	"github.com/satriahrh/arunika/evi/domain/entities"
)

// VoiceEvents is the set of notifications a voice session delivers to its owner.
// Implementations may be called from the session's reader goroutine and may
// themselves call back into the session.
type VoiceEvents interface {
	// OnConnected fires once the service confirms the chat
	OnConnected(chatID string)
	// OnDisconnected fires exactly once per connection when the socket closes
	OnDisconnected()
	OnError(message string)
	OnUserMessage(text string, emotions entities.EmotionScores)
	OnAssistantMessage(text string)
	// OnAudioOutput carries base64 audio to be played by the caller
	OnAudioOutput(data string)
	// OnUserInterruption means local playback should stop immediately
	OnUserInterruption()
	OnAssistantEnd()
}

// VoiceSession abstracts a live conversation with the voice service
type VoiceSession interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendAudio(base64Chunk string)
	IsConnected() bool
}
