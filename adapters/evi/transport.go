package evi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the session relies on.
// Close and WriteControl must be safe to call concurrently with the other methods.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a Conn to the voice service
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (Conn, error)
}

var _ Conn = (*websocket.Conn)(nil)

type gorillaDialer struct {
	dialer *websocket.Dialer
}

func newGorillaDialer(handshakeTimeout time.Duration) *gorillaDialer {
	return &gorillaDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  16 * 1024,
		},
	}
}

func (d *gorillaDialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, urlStr, requestHeader)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	return conn, nil
}
