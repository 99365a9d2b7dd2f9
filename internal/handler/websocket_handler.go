// internal/handler/websocket_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"link-service/internal/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocketHandler streams link status reports and events to WebSocket clients
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	link        LinkService
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(link LinkService, logger *zap.Logger) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Origins are enforced by the CORS middleware
			return true
		},
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		connections: NewConnectionManager(),
		link:        link,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

// HandleStatusStream sends the current status, then every periodic report
func (h *WebSocketHandler) HandleStatusStream(c *gin.Context) {
	client := h.accept(c, "status")
	if client == nil {
		return
	}

	h.sendMessage(client, &WebSocketMessage{
		Type:      "link_status",
		Data:      h.link.Status(),
		Timestamp: time.Now(),
	})

	statuses, cancel := h.link.SubscribeStatus()
	go forward(h, client, statuses, cancel, "link_status")
	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// HandleEventStream sends link events as they happen
func (h *WebSocketHandler) HandleEventStream(c *gin.Context) {
	client := h.accept(c, "events")
	if client == nil {
		return
	}

	events, cancel := h.link.SubscribeEvents()
	go forward(h, client, events, cancel, "link_event")
	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}

// Close disconnects every client
func (h *WebSocketHandler) Close() {
	h.connections.CloseAll()
}

func (h *WebSocketHandler) accept(c *gin.Context, stream string) *Client {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return nil
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Stream:      stream,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
		done:        make(chan struct{}),
	}

	h.connections.Register(client)
	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("stream", stream),
		zap.String("remote_addr", client.RemoteAddr),
	)

	return client
}

// forward relays a service stream to the client until either side ends
func forward[T any](h *WebSocketHandler, client *Client, stream <-chan T, cancel func(), msgType string) {
	defer cancel()

	for {
		select {
		case <-client.Done():
			return
		case v, ok := <-stream:
			if !ok {
				h.connections.Unregister(client)
				return
			}
			h.sendMessage(client, &WebSocketMessage{
				Type:      msgType,
				Data:      v,
				Timestamp: time.Now(),
			})
		}
	}
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Warn("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", client.ID),
			)
			continue
		}

		switch message.Type {
		case "ping":
			h.sendMessage(client, &WebSocketMessage{
				Type:      "pong",
				Timestamp: time.Now(),
			})
		case "status":
			h.sendMessage(client, &WebSocketMessage{
				Type:      "link_status",
				Data:      h.link.Status(),
				Timestamp: time.Now(),
			})
		default:
			h.logger.Warn("Unknown message type",
				zap.String("type", message.Type),
				zap.String("client_id", client.ID),
			)
		}
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.Done():
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			client.Connection.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	select {
	case client.Send <- messageBytes:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}
