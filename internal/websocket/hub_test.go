package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/evi/domain/entities"
	"github.com/satriahrh/arunika/evi/domain/repositories"
)

const testTimeout = 2 * time.Second

// MockVoiceSession records calls made by the relay
type MockVoiceSession struct {
	events     repositories.VoiceEvents
	connectErr error

	audio        chan string
	disconnected chan struct{}

	mu        sync.Mutex
	connected bool
	once      sync.Once
}

func newMockVoiceSession(events repositories.VoiceEvents) *MockVoiceSession {
	return &MockVoiceSession{
		events:       events,
		audio:        make(chan string, 16),
		disconnected: make(chan struct{}),
	}
}

func (m *MockVoiceSession) Connect(ctx context.Context) error {
	if m.connectErr != nil {
		m.events.OnError("voice session connection failed: " + m.connectErr.Error())
		return m.connectErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *MockVoiceSession) Disconnect() {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()

	m.once.Do(func() { close(m.disconnected) })
	if wasConnected {
		m.events.OnDisconnected()
	}
}

func (m *MockVoiceSession) SendAudio(base64Chunk string) {
	m.audio <- base64Chunk
}

func (m *MockVoiceSession) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

type testRelay struct {
	hub      *Hub
	server   *httptest.Server
	sessions chan *MockVoiceSession
	cancel   context.CancelFunc
}

func setupTestRelay(t *testing.T, connectErr error) *testRelay {
	t.Helper()
	logger := zap.NewNop() // No-op logger for tests

	relay := &testRelay{sessions: make(chan *MockVoiceSession, 4)}
	relay.hub = NewHub(func(events repositories.VoiceEvents) (repositories.VoiceSession, error) {
		session := newMockVoiceSession(events)
		session.connectErr = connectErr
		relay.sessions <- session
		return session, nil
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	relay.cancel = cancel
	go relay.hub.Run(ctx)

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return relay.hub.HandleWebSocket(c, "tester")
	})
	relay.server = httptest.NewServer(e)

	t.Cleanup(func() {
		relay.server.Close()
		relay.cancel()
	})
	return relay
}

func (r *testRelay) dial(t *testing.T) (*websocket.Conn, *MockVoiceSession) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case session := <-r.sessions:
		return conn, session
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for voice session")
		return nil, nil
	}
}

func readServerMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read relay message: %v", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode relay message %s: %v", data, err)
	}
	return msg
}

func waitForAudio(t *testing.T, session *MockVoiceSession) string {
	t.Helper()
	select {
	case chunk := <-session.audio:
		return chunk
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for audio chunk")
		return ""
	}
}

func TestHub_ForwardsSessionEventsInOrder(t *testing.T) {
	relay := setupTestRelay(t, nil)
	conn, session := relay.dial(t)

	// The read loop starts once the voice session is open.
	conn.WriteMessage(websocket.BinaryMessage, []byte{0x00})
	waitForAudio(t, session)

	emotions := entities.NewEmotionScores(map[string]float64{"Joy": 0.7, "Awe": 0.2})
	session.events.OnConnected("chat-9")
	session.events.OnUserMessage("hello", emotions)
	session.events.OnAssistantMessage("hi there")
	session.events.OnAudioOutput("UklGRg==")
	session.events.OnUserInterruption()
	session.events.OnAssistantEnd()
	session.events.OnError("rate limited")

	msg := readServerMessage(t, conn)
	if msg.Type != MessageTypeConnected || msg.ChatID != "chat-9" {
		t.Errorf("Expected connected chat-9, got %+v", msg)
	}

	msg = readServerMessage(t, conn)
	if msg.Type != MessageTypeUserMessage || msg.Text != "hello" {
		t.Errorf("Expected user_message hello, got %+v", msg)
	}
	if msg.Emotions == nil || len(msg.Emotions.Top3) != 2 || msg.Emotions.Top3[0].Name != "Joy" {
		t.Errorf("Expected emotions led by Joy, got %+v", msg.Emotions)
	}

	msg = readServerMessage(t, conn)
	if msg.Type != MessageTypeAssistantMessage || msg.Text != "hi there" {
		t.Errorf("Expected assistant_message, got %+v", msg)
	}

	msg = readServerMessage(t, conn)
	if msg.Type != MessageTypeAudioOutput || msg.Data != "UklGRg==" {
		t.Errorf("Expected audio_output, got %+v", msg)
	}

	for _, want := range []MessageType{MessageTypeUserInterruption, MessageTypeAssistantEnd} {
		if msg = readServerMessage(t, conn); msg.Type != want {
			t.Errorf("Expected %s, got %s", want, msg.Type)
		}
	}

	msg = readServerMessage(t, conn)
	if msg.Type != MessageTypeError || msg.Message != "rate limited" {
		t.Errorf("Expected error rate limited, got %+v", msg)
	}
}

func TestHub_ForwardsAudioToSession(t *testing.T) {
	relay := setupTestRelay(t, nil)
	conn, session := relay.dial(t)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Failed to write binary frame: %v", err)
	}
	if got := waitForAudio(t, session); got != "AQID" {
		t.Errorf("Expected AQID, got %s", got)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_input","data":"AAAA"}`)); err != nil {
		t.Fatalf("Failed to write audio_input: %v", err)
	}
	if got := waitForAudio(t, session); got != "AAAA" {
		t.Errorf("Expected AAAA, got %s", got)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"unknown"}`)); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
	msg := readServerMessage(t, conn)
	if msg.Type != MessageTypeError || !strings.Contains(msg.Message, "unsupported") {
		t.Errorf("Expected unsupported type error, got %+v", msg)
	}
}

func TestHub_StopDisconnectsSession(t *testing.T) {
	relay := setupTestRelay(t, nil)
	conn, session := relay.dial(t)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`))

	select {
	case <-session.disconnected:
	case <-time.After(testTimeout):
		t.Fatal("Expected stop to disconnect the voice session")
	}

	if msg := readServerMessage(t, conn); msg.Type != MessageTypeDisconnected {
		t.Errorf("Expected disconnected, got %s", msg.Type)
	}
}

func TestHub_BrowserCloseUnregistersClient(t *testing.T) {
	relay := setupTestRelay(t, nil)
	conn, session := relay.dial(t)

	deadline := time.Now().Add(testTimeout)
	for relay.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Client was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	select {
	case <-session.disconnected:
	case <-time.After(testTimeout):
		t.Fatal("Expected browser close to disconnect the voice session")
	}

	deadline = time.Now().Add(testTimeout)
	for relay.hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected no clients, got %d", relay.hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ConnectFailure(t *testing.T) {
	relay := setupTestRelay(t, errors.New("dial refused"))
	conn, _ := relay.dial(t)

	msg := readServerMessage(t, conn)
	if msg.Type != MessageTypeError || msg.Message != connectFailedMessage {
		t.Errorf("Expected %q error, got %+v", connectFailedMessage, msg)
	}

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected a single error frame, also got %s", data)
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		t.Errorf("Expected the relay to close the socket, got %v", err)
	}

	deadline := time.Now().Add(testTimeout)
	for relay.hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected no clients, got %d", relay.hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_StartAfterStopReconnects(t *testing.T) {
	relay := setupTestRelay(t, nil)
	conn, session := relay.dial(t)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`))
	if msg := readServerMessage(t, conn); msg.Type != MessageTypeDisconnected {
		t.Fatalf("Expected disconnected, got %s", msg.Type)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`))
	deadline := time.Now().Add(testTimeout)
	for !session.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("Expected start to reconnect the voice session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	session.events.OnConnected("chat-2")
	if msg := readServerMessage(t, conn); msg.Type != MessageTypeConnected || msg.ChatID != "chat-2" {
		t.Errorf("Expected connected chat-2, got %+v", msg)
	}

	conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
	if got := waitForAudio(t, session); got != "AQI=" {
		t.Errorf("Expected audio after restart, got %q", got)
	}
}

func TestHub_StartWhileConnectedRejected(t *testing.T) {
	relay := setupTestRelay(t, nil)
	conn, _ := relay.dial(t)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`))
	msg := readServerMessage(t, conn)
	if msg.Type != MessageTypeError || msg.Message != "voice session already started" {
		t.Errorf("Expected already started error, got %+v", msg)
	}
}

func TestHub_FactoryFailure(t *testing.T) {
	hub := NewHub(func(events repositories.VoiceEvents) (repositories.VoiceSession, error) {
		return nil, errors.New("missing API key")
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error { return hub.HandleWebSocket(c, "tester") })
	server := httptest.NewServer(e)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	defer conn.Close()

	msg := readServerMessage(t, conn)
	if msg.Type != MessageTypeError || msg.Message != connectFailedMessage {
		t.Errorf("Expected %q error, got %+v", connectFailedMessage, msg)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected no registered clients, got %d", hub.ClientCount())
	}
}

func TestHub_RunDisconnectsSessionsOnCancel(t *testing.T) {
	relay := setupTestRelay(t, nil)
	conn, session := relay.dial(t)

	deadline := time.Now().Add(testTimeout)
	for relay.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Client was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	relay.cancel()
	select {
	case <-relay.hub.Done():
	case <-time.After(testTimeout):
		t.Fatal("Hub did not finish after cancel")
	}

	select {
	case <-session.disconnected:
	default:
		t.Error("Expected the voice session to be disconnected once the hub is done")
	}

	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		t.Errorf("Expected the browser socket to be closed, got %v", err)
	}
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(testTimeout):
		t.Fatal("Run did not return after cancel")
	}

	if hub.registerClient(&Client{id: "late"}) {
		t.Error("Expected registration to fail after Run returned")
	}
}
