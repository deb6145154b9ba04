package evi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/evi/domain"
	"github.com/satriahrh/arunika/evi/domain/entities"
	"github.com/satriahrh/arunika/evi/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size; assistant audio chunks are base64 PCM.
	maxMessageSize = 4 * 1024 * 1024

	// Time allowed for the close frame on a local disconnect.
	closeGracePeriod = time.Second
)

// connection is the state of one socket lifetime
type connection struct {
	id     string
	conn   Conn
	entity *entities.Session
	queue  *audioQueue
	logger *zap.Logger

	// closing is set once the caller asked to disconnect; errors after it are expected.
	closing atomic.Bool
	// errorReported keeps transport errors to one notification per connection.
	errorReported atomic.Bool
}

// Session manages one conversation with the voice service at a time.
// All methods are safe for concurrent use and may be called from event callbacks.
type Session struct {
	config   Config
	endpoint string
	dialer   Dialer
	events   repositories.VoiceEvents
	logger   *zap.Logger

	mu      sync.Mutex
	current *connection

	dropped atomic.Uint64
}

var _ repositories.VoiceSession = (*Session)(nil)

// NewSession creates a session that dials the voice service over gorilla/websocket
func NewSession(config Config, events repositories.VoiceEvents, logger *zap.Logger) (*Session, error) {
	return newSession(config, events, nil, logger)
}

// NewSessionWithDialer creates a session with a custom transport
func NewSessionWithDialer(config Config, events repositories.VoiceEvents, dialer Dialer, logger *zap.Logger) (*Session, error) {
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}
	return newSession(config, events, dialer, logger)
}

func newSession(config Config, events repositories.VoiceEvents, dialer Dialer, logger *zap.Logger) (*Session, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = EventFuncs{}
	}

	config = config.withDefaults(logger)
	endpoint, err := config.endpoint()
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = newGorillaDialer(config.HandshakeTimeout)
	}

	return &Session{
		config:   config,
		endpoint: endpoint,
		dialer:   dialer,
		events:   events,
		logger:   logger,
	}, nil
}

// Connect opens the socket and sends the session settings. It returns once
// the socket is open; OnConnected signals that the service is ready.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.current != nil {
		state := s.current.entity.State
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrInvalidState, state)
	}

	id := uuid.NewString()
	c := &connection{
		id:     id,
		entity: entities.NewSession(id, s.config.SampleRate),
		queue:  newAudioQueue(s.config.SendQueueSize, s.config.OverflowPolicy, s.config.SendTimeout, &s.dropped),
		logger: s.logger.With(zap.String("connectionID", id)),
	}
	s.current = c
	s.mu.Unlock()

	c.logger.Info("Connecting to voice service",
		zap.String("baseURL", s.config.BaseURL),
		zap.Int("sampleRate", s.config.SampleRate))

	conn, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		s.abortConnect(c)
		return s.connectFailed(c, err)
	}

	settings, err := json.Marshal(domain.NewSessionSettings(s.config.SampleRate))
	if err != nil {
		conn.Close()
		s.abortConnect(c)
		return s.connectFailed(c, fmt.Errorf("marshal session settings: %w", err))
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, settings); err != nil {
		conn.Close()
		s.abortConnect(c)
		return s.connectFailed(c, fmt.Errorf("send session settings: %w", err))
	}

	s.mu.Lock()
	if s.current != c {
		s.mu.Unlock()
		conn.Close()
		return s.connectFailed(c, errors.New("session closed before connect completed"))
	}
	c.conn = conn
	if err := c.entity.Transition(entities.SessionStateAwaitingConfirmation); err != nil {
		s.mu.Unlock()
		conn.Close()
		return s.connectFailed(c, err)
	}
	s.mu.Unlock()

	c.logger.Info("Voice session opened, awaiting confirmation")

	go s.readPump(c)
	go s.writePump(c)

	return nil
}

// Disconnect closes the socket if open. It is safe to call repeatedly and
// from any state; OnDisconnected is delivered by the socket close itself.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.current
	if c == nil {
		s.mu.Unlock()
		return
	}
	s.current = nil
	c.closing.Store(true)

	if c.conn == nil {
		// Still dialing; Connect notices and fails.
		c.entity.Transition(entities.SessionStateDisconnected)
		s.mu.Unlock()
		c.queue.close()
		return
	}
	c.entity.Transition(entities.SessionStateClosing)
	s.mu.Unlock()

	c.queue.close()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeGracePeriod)); err != nil {
		c.logger.Debug("Failed to send close frame", zap.Error(err))
	}
	c.conn.Close()

	s.mu.Lock()
	c.entity.Transition(entities.SessionStateDisconnected)
	s.mu.Unlock()

	c.logger.Info("Voice session disconnected by caller",
		zap.Duration("duration", c.entity.Duration()))
}

// IsConnected is true once the service has confirmed the chat
func (s *Session) IsConnected() bool {
	return s.State() == entities.SessionStateActive
}

// State returns the current lifecycle state
func (s *Session) State() entities.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return entities.SessionStateDisconnected
	}
	return s.current.entity.State
}

// ChatID returns the identifier assigned by the service, empty until confirmed
func (s *Session) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.entity.ChatID
}

// SampleRate is the rate declared in the session settings
func (s *Session) SampleRate() int {
	return s.config.SampleRate
}

// readPump feeds inbound frames to the router until the socket closes.
func (s *Session) readPump(c *connection) {
	defer s.handleClosed(c)

	router := NewRouter(&connectionEvents{session: s, conn: c}, c.logger)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			s.handleReadError(c, err)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.TextMessage:
			router.Dispatch(message)
		default:
			c.logger.Debug("Ignoring non-text frame", zap.Int("type", messageType))
		}
	}
}

func (s *Session) handleReadError(c *connection, err error) {
	if c.closing.Load() {
		c.logger.Debug("Read loop stopped after disconnect", zap.Error(err))
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("Voice service closed the session", zap.Error(err))
		return
	}
	s.transportFailed(c, "read frame", err)
}

// transportFailed reports a socket failure once and tears the socket down;
// the reader's close handling drives the state transition.
func (s *Session) transportFailed(c *connection, op string, err error) {
	if !c.closing.Load() && !c.errorReported.Swap(true) {
		c.logger.Error("Voice session transport error", zap.String("op", op), zap.Error(err))
		s.events.OnError(err.Error())
	}
	c.conn.Close()
}

func (s *Session) handleClosed(c *connection) {
	s.mu.Lock()
	if s.current == c {
		c.entity.Transition(entities.SessionStateDisconnected)
		s.current = nil
	}
	s.mu.Unlock()

	c.queue.close()
	c.conn.Close()

	c.logger.Info("Voice session closed", zap.String("chatID", c.entity.ChatID))
	s.events.OnDisconnected()
}

func (s *Session) abortConnect(c *connection) {
	s.mu.Lock()
	if s.current == c {
		c.entity.Transition(entities.SessionStateDisconnected)
		s.current = nil
	}
	s.mu.Unlock()
	c.queue.close()
}

func (s *Session) connectFailed(c *connection, err error) error {
	connErr := &ConnectionError{Err: err}
	c.logger.Error("Failed to open voice session", zap.Error(err))
	s.events.OnError(connErr.Error())
	return connErr
}

// confirm activates the connection on chat metadata, reporting whether the
// connection is still the current one.
func (s *Session) confirm(c *connection, chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != c {
		return false
	}
	if c.entity.IsActive() {
		c.entity.ChatID = chatID
		return true
	}
	if err := c.entity.Confirm(chatID); err != nil {
		c.logger.Warn("Unexpected chat metadata", zap.Error(err))
		return false
	}
	c.logger.Info("Voice session active", zap.String("chatID", chatID))
	return true
}

// connectionEvents forwards router notifications, activating the session on
// chat metadata before the caller hears about it.
type connectionEvents struct {
	session *Session
	conn    *connection
}

func (e *connectionEvents) OnConnected(chatID string) {
	if e.session.confirm(e.conn, chatID) {
		e.session.events.OnConnected(chatID)
	}
}

func (e *connectionEvents) OnDisconnected() { e.session.events.OnDisconnected() }

func (e *connectionEvents) OnError(message string) { e.session.events.OnError(message) }

func (e *connectionEvents) OnUserMessage(text string, emotions entities.EmotionScores) {
	e.session.events.OnUserMessage(text, emotions)
}

func (e *connectionEvents) OnAssistantMessage(text string) {
	e.session.events.OnAssistantMessage(text)
}

func (e *connectionEvents) OnAudioOutput(data string) { e.session.events.OnAudioOutput(data) }

func (e *connectionEvents) OnUserInterruption() { e.session.events.OnUserInterruption() }

func (e *connectionEvents) OnAssistantEnd() { e.session.events.OnAssistantEnd() }
