package ops

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/shared/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MessageType defines the frame types exchanged on /ws/events.
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeEvent       MessageType = "event"
)

// Message is one websocket frame. Outbound event frames carry the full
// event envelope in Data; inbound frames select event types via Channel.
type Message struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// wsClient is one connected event stream consumer.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	types map[string]bool
}

func (c *wsClient) subscribedTo(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.types["*"] || c.types[eventType]
}

func (c *wsClient) setSubscription(eventType string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.types[eventType] = true
	} else {
		delete(c.types, eventType)
	}
}

// EventHub fans engine events out to websocket subscribers. Clients start
// subscribed to every event type and can narrow the stream with subscribe
// and unsubscribe frames.
type EventHub struct {
	log logger.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan *events.Event
	stop       chan struct{}
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewEventHub creates a hub. Run must be called before clients connect.
func NewEventHub(log logger.Logger) *EventHub {
	return &EventHub{
		log:        log,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan *events.Event, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]bool),
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *EventHub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.deliver(event)

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*wsClient]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *EventHub) Stop() {
	close(h.stop)
	<-h.done
}

// Broadcast queues an engine event for delivery. Drops the event when the
// hub's buffer is full; the stream is advisory, never load-bearing.
func (h *EventHub) Broadcast(event *events.Event) {
	if event == nil {
		return
	}
	select {
	case h.broadcast <- event:
	case <-h.stop:
	default:
		h.log.Warn("event stream backlogged, dropping event", "event_type", event.EventType)
	}
}

// ClientCount reports the number of connected consumers.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) deliver(event *events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event for stream", "error", err)
		return
	}
	frame, err := json.Marshal(Message{
		Type:      MessageTypeEvent,
		Event:     event.EventType,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribedTo(event.EventType) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// Slow consumers lose events rather than stall the hub.
		}
	}
}

// ServeHTTP upgrades the request and streams events until the peer goes
// away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, 256),
		types: map[string]bool{"*": true},
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)

	welcome, _ := json.Marshal(Message{
		Type:      MessageTypeEvent,
		Event:     "connected",
		Data:      json.RawMessage(`{"message":"subscribed to all events"}`),
		Timestamp: time.Now(),
	})
	select {
	case client.send <- welcome:
	default:
	}
}

func (h *EventHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		h.handleMessage(c, &msg)
	}
}

func (h *EventHub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) handleMessage(c *wsClient, msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.Channel != "" {
			// An explicit subscription narrows the default firehose.
			c.setSubscription("*", false)
			c.setSubscription(msg.Channel, true)
			h.ack(c, "subscribed", msg.Channel)
		}

	case MessageTypeUnsubscribe:
		if msg.Channel != "" {
			c.setSubscription(msg.Channel, false)
			h.ack(c, "unsubscribed", msg.Channel)
		}

	case MessageTypePing:
		frame, err := json.Marshal(Message{Type: MessageTypePong, Timestamp: time.Now()})
		if err != nil {
			return
		}
		select {
		case c.send <- frame:
		default:
		}
	}
}

func (h *EventHub) ack(c *wsClient, event, channel string) {
	frame, err := json.Marshal(Message{
		Type:      MessageTypeEvent,
		Event:     event,
		Channel:   channel,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}
