// -----------------------------------------------------------------------
// WebSocket Handler - streams job events to connected clients
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// wsClient is one connected consumer, optionally filtered to a single job
type wsClient struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	jobID string
}

// WebSocketHandler broadcasts job lifecycle events to subscribed clients
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*wsClient]bool
	mu               sync.RWMutex
	allowedEvents    map[interfaces.EventType]bool
	serverInstanceID string // Unique ID generated on startup - clients use to detect server restart
}

// NewWebSocketHandler creates the event streaming handler and wires it to
// the event bus.
func NewWebSocketHandler(eventService interfaces.EventService, config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*wsClient]bool),
		allowedEvents:    make(map[interfaces.EventType]bool),
		serverInstanceID: uuid.New().String(),
	}

	// Empty whitelist means allow all events
	if config != nil {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[interfaces.EventType(eventType)] = true
		}
	}

	for _, eventType := range []interfaces.EventType{
		interfaces.EventJobStatusChanged,
		interfaces.EventJobProgress,
		interfaces.EventWorkItemComplete,
		interfaces.EventStepComplete,
	} {
		eventService.Subscribe(eventType, h.broadcast)
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")
	return h
}

// HandleWebSocket upgrades the connection and registers the client
// GET /ws?jobID=... (jobID filters the stream to one job)
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, jobID: r.URL.Query().Get("jobID")}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	client.mu.Lock()
	conn.WriteJSON(map[string]interface{}{
		"type":             "connected",
		"serverInstanceID": h.serverInstanceID,
		"timestamp":        time.Now().UTC(),
	})
	client.mu.Unlock()

	// Read loop exists only to detect the close
	go func() {
		defer h.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast fans an event out to every matching client
func (h *WebSocketHandler) broadcast(ctx context.Context, event interfaces.Event) error {
	if len(h.allowedEvents) > 0 && !h.allowedEvents[event.Type] {
		return nil
	}

	message := map[string]interface{}{
		"type":      string(event.Type),
		"jobID":     event.JobID,
		"payload":   event.Payload,
		"timestamp": time.Now().UTC(),
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.jobID != "" && client.jobID != event.JobID {
			continue
		}
		client.mu.Lock()
		err := client.conn.WriteJSON(message)
		client.mu.Unlock()
		if err != nil {
			h.removeClient(client)
		}
	}
	return nil
}

func (h *WebSocketHandler) removeClient(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.conn.Close()
	}
	h.mu.Unlock()
}

// ClientCount reports connected clients, for the status endpoint
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
