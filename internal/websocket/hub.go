// internal/websocket/hub.go
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pond-gateway/internal/metrics"
)

// EventSensorData is the event type for live readings; the hub replays the
// most recent ones to new clients.
const EventSensorData = "sensor_data"

// ErrBackpressure is returned by Send when the broadcast buffer is full.
var ErrBackpressure = errors.New("broadcast buffer full")

const (
	broadcastBuffer = 256
	historySize     = 50
)

// Message is the envelope every event is wrapped in.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type outbound struct {
	eventType string
	raw       []byte
}

// Hub maintains the set of active clients and broadcasts messages.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	history    [][]byte
	done       chan struct{}
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

// NewHub builds a hub. checkOrigin may be nil to accept every origin.
func NewHub(logger *zap.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		broadcast:  make(chan outbound, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Run owns the client set until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			h.logger.Debug("websocket client registered", zap.String("remote", client.remote()))
			for _, msg := range h.history {
				select {
				case client.Send <- msg:
				default:
				}
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug("websocket client unregistered", zap.String("remote", client.remote()))
			}

		case msg := <-h.broadcast:
			if msg.eventType == EventSensorData {
				h.history = append(h.history, msg.raw)
				if len(h.history) > historySize {
					h.history = h.history[len(h.history)-historySize:]
				}
			}
			for client := range h.clients {
				select {
				case client.Send <- msg.raw:
				default:
					h.logger.Warn("websocket client too slow, removing", zap.String("remote", client.remote()))
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.Send)
	metrics.WebsocketClients.Set(float64(len(h.clients)))
}

// Send queues an event for every connected client without blocking.
func (h *Hub) Send(eventType string, payload interface{}) error {
	raw, err := json.Marshal(Message{Type: eventType, Data: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	select {
	case h.broadcast <- outbound{eventType: eventType, raw: raw}:
		return nil
	default:
		return ErrBackpressure
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{Hub: h, Conn: conn, Send: make(chan []byte, 256)}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()
}
