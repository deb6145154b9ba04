package evi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/evi/domain/entities"
	"github.com/satriahrh/arunika/evi/domain/repositories"
)

// ReconnectPolicy bounds how a dropped session is re-established.
// MaxRetries of zero retries until the backoff gives up on elapsed time.
type ReconnectPolicy struct {
	MaxRetries      uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultReconnectPolicy retries five times between 500ms and 10s apart
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxRetries:      5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// ReconnectingSession wraps a Session and re-dials when an established
// connection drops without the caller asking for it.
type ReconnectingSession struct {
	inner  *Session
	events repositories.VoiceEvents
	policy ReconnectPolicy
	logger *zap.Logger

	mu     sync.Mutex
	wanted bool
	cancel context.CancelFunc
}

var _ repositories.VoiceSession = (*ReconnectingSession)(nil)

// NewReconnectingSession creates a reconnecting session over gorilla/websocket
func NewReconnectingSession(config Config, events repositories.VoiceEvents, policy ReconnectPolicy, logger *zap.Logger) (*ReconnectingSession, error) {
	return newReconnectingSession(config, events, policy, nil, logger)
}

// NewReconnectingSessionWithDialer creates a reconnecting session with a custom transport
func NewReconnectingSessionWithDialer(config Config, events repositories.VoiceEvents, policy ReconnectPolicy, dialer Dialer, logger *zap.Logger) (*ReconnectingSession, error) {
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}
	return newReconnectingSession(config, events, policy, dialer, logger)
}

func newReconnectingSession(config Config, events repositories.VoiceEvents, policy ReconnectPolicy, dialer Dialer, logger *zap.Logger) (*ReconnectingSession, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = EventFuncs{}
	}
	defaults := DefaultReconnectPolicy()
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = defaults.InitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}

	r := &ReconnectingSession{
		events: events,
		policy: policy,
		logger: logger,
	}
	inner, err := newSession(config, &reconnectEvents{r: r}, dialer, logger)
	if err != nil {
		return nil, err
	}
	r.inner = inner
	return r, nil
}

// Connect opens the session. A failed first connect is not retried.
func (r *ReconnectingSession) Connect(ctx context.Context) error {
	r.mu.Lock()
	r.stopRetryLocked()
	r.wanted = true
	r.mu.Unlock()

	if err := r.inner.Connect(ctx); err != nil {
		r.mu.Lock()
		r.wanted = false
		r.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect cancels any pending reconnect and closes the session
func (r *ReconnectingSession) Disconnect() {
	r.mu.Lock()
	r.wanted = false
	r.stopRetryLocked()
	r.mu.Unlock()

	r.inner.Disconnect()
}

func (r *ReconnectingSession) SendAudio(base64Chunk string) {
	r.inner.SendAudio(base64Chunk)
}

func (r *ReconnectingSession) IsConnected() bool {
	return r.inner.IsConnected()
}

// State returns the state of the underlying session
func (r *ReconnectingSession) State() entities.SessionState {
	return r.inner.State()
}

func (r *ReconnectingSession) stopRetryLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *ReconnectingSession) scheduleReconnect() {
	r.mu.Lock()
	if !r.wanted {
		r.mu.Unlock()
		return
	}
	r.stopRetryLocked()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	go r.reconnect(ctx)
}

func (r *ReconnectingSession) reconnect(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Reconnect attempt failed",
				zap.Error(err),
				zap.Duration("nextAttemptIn", next))
		}),
	}
	if r.policy.MaxRetries > 0 {
		opts = append(opts, backoff.WithMaxTries(r.policy.MaxRetries))
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		r.logger.Info("Reconnecting voice session", zap.Int("attempt", attempt))
		if err := r.inner.Connect(ctx); err != nil {
			if errors.Is(err, ErrInvalidState) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, opts...)

	if err == nil {
		r.logger.Info("Voice session reconnected", zap.Int("attempts", attempt))
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	r.wanted = false
	r.cancel = nil
	r.mu.Unlock()

	r.logger.Error("Giving up on reconnect", zap.Int("attempts", attempt), zap.Error(err))
	r.events.OnError("reconnect gave up: " + err.Error())
}

// reconnectEvents forwards inner notifications and schedules a reconnect on
// an unrequested drop.
type reconnectEvents struct {
	r *ReconnectingSession
}

func (e *reconnectEvents) OnConnected(chatID string) { e.r.events.OnConnected(chatID) }

func (e *reconnectEvents) OnDisconnected() {
	e.r.events.OnDisconnected()
	e.r.scheduleReconnect()
}

func (e *reconnectEvents) OnError(message string) { e.r.events.OnError(message) }

func (e *reconnectEvents) OnUserMessage(text string, emotions entities.EmotionScores) {
	e.r.events.OnUserMessage(text, emotions)
}

func (e *reconnectEvents) OnAssistantMessage(text string) { e.r.events.OnAssistantMessage(text) }

func (e *reconnectEvents) OnAudioOutput(data string) { e.r.events.OnAudioOutput(data) }

func (e *reconnectEvents) OnUserInterruption() { e.r.events.OnUserInterruption() }

func (e *reconnectEvents) OnAssistantEnd() { e.r.events.OnAssistantEnd() }
