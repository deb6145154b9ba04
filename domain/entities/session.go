package entities

import (
	"errors"
	"fmt"
	"time"
)

// SessionState represents where a voice session is in its connection lifecycle
type SessionState string

const (
	SessionStateDisconnected         SessionState = "disconnected"
	SessionStateConnecting           SessionState = "connecting"
	SessionStateAwaitingConfirmation SessionState = "awaiting_confirmation"
	SessionStateActive               SessionState = "active"
	SessionStateClosing              SessionState = "closing"
)

// ErrInvalidTransition is returned when a session is moved to a state that
// cannot follow its current one.
var ErrInvalidTransition = errors.New("invalid session state transition")

var sessionTransitions = map[SessionState][]SessionState{
	SessionStateDisconnected:         {SessionStateConnecting},
	SessionStateConnecting:           {SessionStateAwaitingConfirmation, SessionStateDisconnected},
	SessionStateAwaitingConfirmation: {SessionStateActive, SessionStateClosing, SessionStateDisconnected},
	SessionStateActive:               {SessionStateClosing, SessionStateDisconnected},
	SessionStateClosing:              {SessionStateDisconnected},
}

// Session is one logical connection to the voice service.
// The chat ID is assigned by the remote side and is empty until confirmed.
type Session struct {
	ConnectionID string       `json:"connection_id"`
	ChatID       string       `json:"chat_id,omitempty"`
	SampleRate   int          `json:"sample_rate"`
	State        SessionState `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	ConfirmedAt  *time.Time   `json:"confirmed_at,omitempty"`
	EndedAt      *time.Time   `json:"ended_at,omitempty"`
}

// NewSession creates a session that is about to connect
func NewSession(connectionID string, sampleRate int) *Session {
	return &Session{
		ConnectionID: connectionID,
		SampleRate:   sampleRate,
		State:        SessionStateConnecting,
		StartedAt:    time.Now(),
	}
}

// CanTransition reports whether the session may move to the given state
func (s *Session) CanTransition(to SessionState) bool {
	for _, next := range sessionTransitions[s.State] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the session to a new state
func (s *Session) Transition(to SessionState) error {
	if !s.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	if to == SessionStateDisconnected {
		now := time.Now()
		s.EndedAt = &now
	}
	return nil
}

// Confirm records the remote chat metadata and activates the session
func (s *Session) Confirm(chatID string) error {
	if err := s.Transition(SessionStateActive); err != nil {
		return err
	}
	now := time.Now()
	s.ChatID = chatID
	s.ConfirmedAt = &now
	return nil
}

// IsActive is true once the remote side has confirmed the chat
func (s *Session) IsActive() bool {
	return s.State == SessionStateActive
}

// AcceptsAudio reports whether outbound audio may be sent in the current state
func (s *Session) AcceptsAudio() bool {
	return s.State == SessionStateAwaitingConfirmation || s.State == SessionStateActive
}

// Duration returns how long the session has been (or was) open
func (s *Session) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ConnectionID == "" {
		return errors.New("connection_id is required")
	}
	if s.SampleRate <= 0 {
		return errors.New("sample_rate must be positive")
	}
	if _, ok := sessionTransitions[s.State]; !ok {
		return errors.New("invalid session state")
	}
	return nil
}
