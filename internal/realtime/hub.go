// Package realtime streams scored transactions to WebSocket clients.
//
// Dashboards subscribe instead of polling: every persisted prediction is
// pushed as a "prediction" event, and high-risk ones also as "fraud_alert".
// A client narrows its feed by sending a Subscription as a text message.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cognativeshield/fraudguard/internal/fraud"
	"github.com/cognativeshield/fraudguard/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	// MaxClients is the default cap on concurrent WebSocket connections.
	MaxClients = 10000
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType names a message pushed to clients.
type EventType string

const (
	EventPrediction EventType = "prediction"
	EventFraudAlert EventType = "fraud_alert"

	// Replies to a subscription message.
	EventSubscribed EventType = "subscribed"
	EventError      EventType = "error"
)

// Event is one message on the wire.
type Event struct {
	Type         EventType        `json:"type"`
	Timestamp    time.Time        `json:"timestamp"`
	Data         *PredictionEvent `json:"data,omitempty"`
	Subscription *Subscription    `json:"subscription,omitempty"`
	Message      string           `json:"message,omitempty"`
}

// PredictionEvent is the payload of prediction and fraud_alert events.
type PredictionEvent struct {
	TransactionID    string          `json:"transactionId"`
	UserID           int64           `json:"userId"`
	Amount           string          `json:"amount"`
	Hour             int             `json:"hour"`
	Location         string          `json:"location"`
	DeviceID         string          `json:"deviceId"`
	MerchantID       string          `json:"merchantId"`
	FraudProbability float64         `json:"fraudProbability"`
	RiskLabel        fraud.RiskLabel `json:"riskLabel"`
	Explanations     []string        `json:"explanations"`
	ScoredAt         time.Time       `json:"scoredAt"`
}

// Subscription filters what a client receives. Empty filters match
// everything; AllEvents overrides the rest.
type Subscription struct {
	AllEvents      bool        `json:"allEvents"`
	EventTypes     []EventType `json:"eventTypes"`
	UserIDs        []int64     `json:"userIds"`
	MinProbability float64     `json:"minProbability"`
}

// Validate rejects filters that could never match.
func (s Subscription) Validate() error {
	for _, t := range s.EventTypes {
		if t != EventPrediction && t != EventFraudAlert {
			return errors.New("unknown event type " + string(t))
		}
	}
	if s.MinProbability < 0 || s.MinProbability > 1 {
		return errors.New("minProbability must be between 0 and 1")
	}
	return nil
}

func (s Subscription) matches(event *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, event.Type) {
		return false
	}
	if event.Data == nil {
		return true
	}
	if len(s.UserIDs) > 0 && !slices.Contains(s.UserIDs, event.Data.UserID) {
		return false
	}
	return event.Data.FraudProbability >= s.MinProbability
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	// send carries broadcasts and is closed by the hub on removal.
	send chan []byte
	// control carries replies to the client's own messages. It is never
	// closed, so the read pump can write to it safely.
	control chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalAlerts      int64 `json:"totalAlerts"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	DroppedEvents    int64 `json:"droppedEvents"`
	EvictedClients   int64 `json:"evictedClients"`
}

// Hub fans events out to connected clients. All membership changes go
// through Run.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	upgrader   websocket.Upgrader

	totalEvents    atomic.Int64
	totalAlerts    atomic.Int64
	totalClients   atomic.Int64
	peakClients    atomic.Int64
	droppedEvents  atomic.Int64
	evictedClients atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins sets the browser origins allowed to connect. "*"
// allows any origin. Without this option only same-host pages and
// non-browser clients may connect.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin] || sameHost(r)
		}
	}
}

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return r.Header.Get("Origin") == "" || sameHost(r)
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns client membership until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends a close frame
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.remove(client)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client disconnected", "total", n)
}

// fanOut delivers event to matching clients. A client whose buffer is full
// is evicted rather than allowed to stall the hub.
func (h *Hub) fanOut(event *Event) {
	h.totalEvents.Add(1)
	if event.Type == EventFraudAlert {
		h.totalAlerts.Add(1)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.subscription().matches(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.evictedClients.Add(1)
		metrics.RealtimeDroppedTotal.WithLabelValues("slow_client").Inc()
		h.logger.Warn("evicting slow websocket client")
		h.remove(client)
	}
}

// Broadcast queues event for delivery. It never blocks: a full queue drops
// the event.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		metrics.RealtimeDroppedTotal.WithLabelValues("queue_full").Inc()
		h.logger.Warn("broadcast queue full, dropping event", "type", event.Type)
	}
}

// Notify publishes a persisted prediction, plus a fraud_alert for high risk.
func (h *Hub) Notify(_ context.Context, tx *fraud.Transaction, result *fraud.PredictionResult) {
	data := &PredictionEvent{
		TransactionID:    tx.ID,
		UserID:           tx.UserID,
		Amount:           tx.Amount.String(),
		Hour:             tx.Hour,
		Location:         tx.Location,
		DeviceID:         tx.DeviceID,
		MerchantID:       tx.MerchantID,
		FraudProbability: result.FraudProbability,
		RiskLabel:        result.RiskLabel,
		Explanations:     result.Explanations,
		ScoredAt:         result.ScoredAt,
	}

	now := time.Now().UTC()
	h.Broadcast(&Event{Type: EventPrediction, Timestamp: now, Data: data})
	if result.IsHighRisk() {
		h.Broadcast(&Event{Type: EventFraudAlert, Timestamp: now, Data: data})
	}
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalAlerts:      h.totalAlerts.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		EvictedClients:   h.evictedClients.Load(),
	}
}

// HandleWebSocket upgrades the request and registers the client with an
// all-events subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		control: make(chan []byte, 8),
		sub:     Subscription{AllEvents: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription messages until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		c.reply(c.applySubscription(message))
	}
}

func (c *Client) applySubscription(message []byte) *Event {
	now := time.Now().UTC()
	var sub Subscription
	if err := json.Unmarshal(message, &sub); err != nil {
		return &Event{Type: EventError, Timestamp: now, Message: "subscription must be a JSON object"}
	}
	if err := sub.Validate(); err != nil {
		return &Event{Type: EventError, Timestamp: now, Message: err.Error()}
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return &Event{Type: EventSubscribed, Timestamp: now, Subscription: &sub}
}

func (c *Client) reply(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case c.control <- payload:
	default:
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	write := func(messageType int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(messageType, data)
	}

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, []byte{})
				return
			}
			if err := write(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case message := <-c.control:
			if err := write(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
