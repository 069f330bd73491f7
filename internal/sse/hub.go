package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// ProgressEvent is the JSON object published on a request's channel:
// {request_id, stage, status, step_number, timestamp, metric?}.
type ProgressEvent struct {
	RequestID  uuid.UUID `json:"request_id"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	StepNumber int       `json:"step_number"`
	Timestamp  time.Time `json:"timestamp"`
	Metric     any       `json:"metric,omitempty"`
}

type Message struct {
	Channel string        `json:"channel"`
	Event   string        `json:"event"`
	Data    ProgressEvent `json:"data"`
}

type Client struct {
	ID       uuid.UUID
	Channels map[string]bool
	Outbound chan Message
	done     chan struct{}
}

type Hub struct {
	mu            sync.RWMutex
	logger        *logger.Logger
	subscriptions map[string]map[*Client]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger:        log.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

func (hub *Hub) NewClient() *Client {
	return &Client{
		ID:       uuid.New(),
		Channels: make(map[string]bool),
		Outbound: make(chan Message, 16),
		done:     make(chan struct{}),
	}
}

func RequestChannel(requestID uuid.UUID) string {
	return "request:" + requestID.String()
}

var stageSteps = map[string]int{
	"reconnaissance": 1,
	"generation":     2,
	"validation":     3,
	"optimization":   4,
}

// StageStep maps a pipeline stage name onto its 1-based step number; 0 for
// anything outside the stage machine.
func StageStep(stage string) int {
	return stageSteps[stage]
}

func (hub *Hub) AddChannel(client *Client, channel string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	client.Channels[channel] = true

	clients, exists := hub.subscriptions[channel]
	if !exists {
		clients = make(map[*Client]bool)
		hub.subscriptions[channel] = clients
	}
	clients[client] = true
	hub.logger.Debug("SSE client subscribed", "client_id", client.ID, "channel", channel)
}

func (hub *Hub) RemoveChannel(client *Client, channel string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	delete(client.Channels, channel)
	if subMap, ok := hub.subscriptions[channel]; ok {
		delete(subMap, client)
		if len(subMap) == 0 {
			delete(hub.subscriptions, channel)
		}
	}
}

func (hub *Hub) RemoveClient(client *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	for ch := range client.Channels {
		if subMap, ok := hub.subscriptions[ch]; ok {
			delete(subMap, client)
			if len(subMap) == 0 {
				delete(hub.subscriptions, ch)
			}
		}
	}
	client.Channels = make(map[string]bool)
}

// Broadcast delivers msg to every locally-connected subscriber of its
// channel. Cross-process delivery goes through internal/realtime/bus, which
// calls this on the process holding the subscriber's connection.
func (hub *Hub) Broadcast(msg Message) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if msg.Channel == "" {
		return
	}
	clientsMap, ok := hub.subscriptions[msg.Channel]
	if !ok {
		return
	}
	for c := range clientsMap {
		select {
		case c.Outbound <- msg:
		default:
			hub.logger.Warn("dropping SSE message, outbound buffer full", "client_id", c.ID)
		}
	}
}

func (hub *Hub) HasLocalSubscriber(channel string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subscriptions[channel]) > 0
}

func (hub *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, client *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg := <-client.Outbound:
			fmt.Fprint(w, "event: message\n")
			b, err := json.Marshal(msg.Data)
			if err != nil {
				hub.logger.Warn("failed to marshal SSE message", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		}
	}
}

func (hub *Hub) CloseClient(client *Client) {
	select {
	case <-client.done:
	default:
		close(client.done)
	}
	hub.RemoveClient(client)
}
