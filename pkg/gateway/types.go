package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arvid/chatrelay/pkg/events"
)

// EventMessage represents a server-initiated status event frame
type EventMessage struct {
	Type      string       `json:"type"`
	Event     string       `json:"event"`
	Seq       int64        `json:"seq"`
	Data      events.Event `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

// StopFrame is the one inbound frame observers may send, requesting
// that a live response run be stopped
type StopFrame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	MessageID      int    `json:"message_id"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client represents a connected WebSocket observer
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	writeMu sync.Mutex
}

// WriteMessage writes a frame to the client, serializing concurrent writers
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}
