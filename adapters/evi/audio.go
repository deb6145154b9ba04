package evi

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/evi/domain"
)

// audioQueue is the bounded hand-off between SendAudio callers and the
// connection's writer goroutine. Frames are never retried once dropped.
type audioQueue struct {
	frames  chan []byte
	done    chan struct{}
	policy  OverflowPolicy
	timeout time.Duration
	dropped *atomic.Uint64

	closeOnce sync.Once
}

func newAudioQueue(size int, policy OverflowPolicy, timeout time.Duration, dropped *atomic.Uint64) *audioQueue {
	return &audioQueue{
		frames:  make(chan []byte, size),
		done:    make(chan struct{}),
		policy:  policy,
		timeout: timeout,
		dropped: dropped,
	}
}

// push enqueues a frame, reporting whether the frame itself was accepted
func (q *audioQueue) push(frame []byte) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	if q.policy == OverflowBlock {
		return q.pushBlocking(frame)
	}

	for {
		select {
		case q.frames <- frame:
			return true
		case <-q.done:
			return false
		default:
		}

		select {
		case <-q.frames:
			q.dropped.Add(1)
		default:
		}
	}
}

func (q *audioQueue) pushBlocking(frame []byte) bool {
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.frames <- frame:
		return true
	case <-timer.C:
		q.dropped.Add(1)
		return false
	case <-q.done:
		return false
	}
}

func (q *audioQueue) close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// SendAudio queues one base64 PCM chunk for transmission. It is a no-op
// unless the socket is open and the session settings have been sent.
func (s *Session) SendAudio(base64Chunk string) {
	s.mu.Lock()
	c := s.current
	if c == nil || !c.entity.AcceptsAudio() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	frame, err := domain.EncodeAudioInput(base64Chunk)
	if err != nil {
		c.logger.Error("Failed to encode audio frame", zap.Error(err))
		return
	}

	if !c.queue.push(frame) {
		c.logger.Debug("Dropped audio chunk",
			zap.Int("size", len(base64Chunk)),
			zap.Uint64("totalDropped", s.dropped.Load()))
	}
}

// DroppedAudioChunks is the number of audio chunks discarded because the
// send queue was full
func (s *Session) DroppedAudioChunks() uint64 {
	return s.dropped.Load()
}

// writePump drains the audio queue onto the socket and keeps it alive with pings.
func (s *Session) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.queue.frames:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.transportFailed(c, "write audio frame", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.transportFailed(c, "write ping", err)
				return
			}

		case <-c.queue.done:
			return
		}
	}
}
