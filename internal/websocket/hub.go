package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/evi/domain/entities"
	"github.com/satriahrh/arunika/evi/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Time allowed for the voice session to open.
	connectTimeout = 15 * time.Second

	// Shown to the browser when the voice session cannot be opened.
	connectFailedMessage = "could not start voice session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SessionFactory builds the voice session for one browser client.
// The client itself receives the session's events.
type SessionFactory func(events repositories.VoiceEvents) (repositories.VoiceSession, error)

// Hub maintains the set of active clients.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run stops accepting clients.
	stopping chan struct{}

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	newSession SessionFactory
	validator  *MessageValidator

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(newSession SessionFactory, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
		newSession: newSession,
		validator:  NewMessageValidator(),
		logger:     logger,
	}
}

// Run starts the hub's main loop. Once ctx is cancelled it closes every
// client and returns after each one has disconnected its voice session.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("clientID", client.id),
				zap.String("clientName", client.name))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("clientID", client.id))

		case <-ctx.Done():
			h.mu.Lock()
			remaining := make([]*Client, 0, len(h.clients))
			for id, client := range h.clients {
				delete(h.clients, id)
				client.closeSend()
				remaining = append(remaining, client)
			}
			h.mu.Unlock()
			close(h.stopping)

			for _, client := range remaining {
				<-client.stopped
			}
			h.logger.Info("Hub stopped", zap.Int("closedClients", len(remaining)))
			close(h.done)
			return
		}
	}
}

// Done is closed once Run has returned and every voice session it owned
// has been disconnected.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopping:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopping:
	}
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the browser connection and its voice session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	id   string
	name string

	logger *zap.Logger

	session repositories.VoiceSession

	// Closed once readPump has disconnected the session.
	stopped chan struct{}

	// connecting suppresses raw session errors while the first Connect runs.
	connecting atomic.Bool

	mu     sync.Mutex
	closed bool
}

var _ repositories.VoiceEvents = (*Client)(nil)

// HandleWebSocket upgrades an authenticated request and starts a voice
// session for it.
func (h *Hub) HandleWebSocket(c echo.Context, clientName string) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	id := uuid.NewString()
	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan WriteData, 256),
		stopped: make(chan struct{}),
		id:      id,
		name:    clientName,
		logger:  h.logger.With(zap.String("clientID", id)),
	}

	session, err := h.newSession(client)
	if err != nil {
		client.logger.Error("Failed to create voice session", zap.Error(err))
		client.writeDirect(CreateErrorMessage(connectFailedMessage))
		conn.Close()
		return nil
	}
	client.session = session

	if !h.registerClient(client) {
		conn.Close()
		return nil
	}

	go client.writePump()
	if err := client.connect(); err != nil {
		// The browser gets the error frame followed by a close frame.
		client.closeSend()
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.readPump()

	return nil
}

func (c *Client) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	c.connecting.Store(true)
	err := c.session.Connect(ctx)
	c.connecting.Store(false)

	if err != nil {
		c.logger.Error("Failed to start voice session", zap.Error(err))
		c.enqueue(CreateErrorMessage(connectFailedMessage))
	}
	return err
}

// readPump pumps messages from the browser to the voice session.
func (c *Client) readPump() {
	defer func() {
		c.session.Disconnect()
		c.hub.unregisterClient(c)
		c.conn.Close()
		close(c.stopped)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			// Raw PCM from the microphone
			c.session.SendAudio(base64.StdEncoding.EncodeToString(message))
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the voice session to the browser.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Rejected client message", zap.Error(err))
		c.enqueue(CreateErrorMessage(err.Error()))
		return
	}

	switch msg.Type {
	case MessageTypeAudioInput:
		c.session.SendAudio(msg.Data)
	case MessageTypeStop:
		c.logger.Info("Client stopped voice session")
		c.session.Disconnect()
	case MessageTypeStart:
		if c.session.IsConnected() {
			c.enqueue(CreateErrorMessage("voice session already started"))
			return
		}
		c.logger.Info("Client restarted voice session")
		// A failed restart keeps the browser socket; it may send start again.
		c.connect()
	}
}

// enqueue queues a frame for the browser, dropping it when the buffer is full
func (c *Client) enqueue(msg *ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
	default:
		c.logger.Warn("Send buffer full, dropping message",
			zap.String("type", string(msg.Type)))
	}
}

func (c *Client) writeDirect(msg *ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) OnConnected(chatID string) {
	c.logger.Info("Voice session connected", zap.String("chatID", chatID))
	c.enqueue(CreateConnectedMessage(chatID))
}

func (c *Client) OnDisconnected() {
	c.enqueue(newServerMessage(MessageTypeDisconnected))
}

func (c *Client) OnError(message string) {
	if c.connecting.Load() {
		c.logger.Debug("Voice session error while connecting", zap.String("message", message))
		return
	}
	c.enqueue(CreateErrorMessage(message))
}

func (c *Client) OnUserMessage(text string, emotions entities.EmotionScores) {
	c.enqueue(CreateUserMessage(text, emotions))
}

func (c *Client) OnAssistantMessage(text string) {
	c.enqueue(CreateAssistantMessage(text))
}

func (c *Client) OnAudioOutput(data string) {
	c.enqueue(CreateAudioOutputMessage(data))
}

func (c *Client) OnUserInterruption() {
	c.enqueue(newServerMessage(MessageTypeUserInterruption))
}

func (c *Client) OnAssistantEnd() {
	c.enqueue(newServerMessage(MessageTypeAssistantEnd))
}
