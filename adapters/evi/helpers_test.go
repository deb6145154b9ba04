package evi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satriahrh/arunika/evi/domain/entities"
)

const eventTimeout = 2 * time.Second

// recorder captures notifications as "kind:payload" strings in arrival order
type recorder struct {
	mu     sync.Mutex
	events []string
	ch     chan string

	// onConnected runs inside the OnConnected callback when set
	onConnected func(chatID string)
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 256)}
}

func (r *recorder) push(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.ch <- event
}

func (r *recorder) OnConnected(chatID string) {
	r.push("connected:" + chatID)
	if r.onConnected != nil {
		r.onConnected(chatID)
	}
}

func (r *recorder) OnDisconnected() { r.push("disconnected") }

func (r *recorder) OnError(message string) { r.push("error:" + message) }

func (r *recorder) OnUserMessage(text string, emotions entities.EmotionScores) {
	names := make([]string, 0, len(emotions.Top3))
	for _, e := range emotions.Top3 {
		names = append(names, fmt.Sprintf("%s=%.2f", e.Name, e.Score))
	}
	r.push("user_message:" + text + "|" + strings.Join(names, ","))
}

func (r *recorder) OnAssistantMessage(text string) { r.push("assistant_message:" + text) }

func (r *recorder) OnAudioOutput(data string) { r.push("audio_output:" + data) }

func (r *recorder) OnUserInterruption() { r.push("user_interruption") }

func (r *recorder) OnAssistantEnd() { r.push("assistant_end") }

// next waits for the next notification
func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case event := <-r.ch:
		return event
	case <-time.After(eventTimeout):
		t.Fatalf("Timed out waiting for event, got so far: %v", r.snapshot())
		return ""
	}
}

// waitFor consumes notifications until one starts with prefix
func (r *recorder) waitFor(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case event := <-r.ch:
			if strings.HasPrefix(event, prefix) {
				return event
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %q, got: %v", prefix, r.snapshot())
			return ""
		}
	}
}

// expectQuiet fails if any notification arrives within d
func (r *recorder) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case event := <-r.ch:
		t.Errorf("Unexpected event %q", event)
	case <-time.After(d):
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// fakeServer is an in-process voice service endpoint
type fakeServer struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	queries chan url.Values

	mu       sync.Mutex
	accepted []*websocket.Conn
}

func newFakeServer() *fakeServer {
	fs := &fakeServer{
		conns:   make(chan *websocket.Conn, 32),
		queries: make(chan url.Values, 32),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.accepted = append(fs.accepted, conn)
		fs.mu.Unlock()
		fs.conns <- conn
	}))
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) Close() {
	fs.mu.Lock()
	for _, conn := range fs.accepted {
		conn.Close()
	}
	fs.mu.Unlock()
	fs.srv.Close()
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(eventTimeout):
		t.Fatal("Timed out waiting for client connection")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(eventTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Server failed to read frame: %v", err)
	}
	return string(data)
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("Server failed to write frame: %v", err)
	}
}

func testConfig(baseURL string) Config {
	return Config{
		APIKey:     "test-api-key",
		ConfigID:   "test-config-id",
		BaseURL:    baseURL,
		SampleRate: 16000,
	}
}

// fakeConn records outbound frames and serves inbound ones from a channel
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.inbound:
		return websocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (f *fakeConn) SetReadLimit(limit int64) {}

func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(h func(appData string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([]string, len(f.writes))
	for i, w := range f.writes {
		frames[i] = string(w)
	}
	return frames
}

// dialerFunc adapts a function to the Dialer interface
type dialerFunc func(ctx context.Context) (Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (Conn, error) {
	return f(ctx)
}

var errDialRefused = errors.New("connection refused")
