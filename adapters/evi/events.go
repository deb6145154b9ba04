package evi

import (
	"github.com/satriahrh/arunika/evi/domain/entities"
	"github.com/satriahrh/arunika/evi/domain/repositories"
)

// EventFuncs adapts plain functions to repositories.VoiceEvents.
// Nil fields are skipped.
type EventFuncs struct {
	Connected        func(chatID string)
	Disconnected     func()
	Error            func(message string)
	UserMessage      func(text string, emotions entities.EmotionScores)
	AssistantMessage func(text string)
	AudioOutput      func(data string)
	UserInterruption func()
	AssistantEnd     func()
}

var _ repositories.VoiceEvents = EventFuncs{}

func (f EventFuncs) OnConnected(chatID string) {
	if f.Connected != nil {
		f.Connected(chatID)
	}
}

func (f EventFuncs) OnDisconnected() {
	if f.Disconnected != nil {
		f.Disconnected()
	}
}

func (f EventFuncs) OnError(message string) {
	if f.Error != nil {
		f.Error(message)
	}
}

func (f EventFuncs) OnUserMessage(text string, emotions entities.EmotionScores) {
	if f.UserMessage != nil {
		f.UserMessage(text, emotions)
	}
}

func (f EventFuncs) OnAssistantMessage(text string) {
	if f.AssistantMessage != nil {
		f.AssistantMessage(text)
	}
}

func (f EventFuncs) OnAudioOutput(data string) {
	if f.AudioOutput != nil {
		f.AudioOutput(data)
	}
}

func (f EventFuncs) OnUserInterruption() {
	if f.UserInterruption != nil {
		f.UserInterruption()
	}
}

func (f EventFuncs) OnAssistantEnd() {
	if f.AssistantEnd != nil {
		f.AssistantEnd()
	}
}
