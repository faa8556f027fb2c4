package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/v1/events"
	"github.com/duochat/duochat/internal/v1/logging"
	"github.com/duochat/duochat/internal/v1/metrics"
	"github.com/duochat/duochat/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// Client represents one authenticated WebSocket session. It implements
// types.ClientInterface. Inbound frames are processed sequentially in the
// read pump, so events from one session are handled in arrival order.
type Client struct {
	conn wsConnection
	hub  *Hub

	sessionID   types.SessionID
	userID      types.UserID
	username    string
	connectedAt time.Time

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte // Buffered channel of serialized outbound envelopes
}

func (c *Client) SessionID() types.SessionID { return c.sessionID }
func (c *Client) UserID() types.UserID       { return c.userID }
func (c *Client) Username() string           { return c.username }
func (c *Client) ConnectedAt() time.Time     { return c.connectedAt }

// Disconnect closes the session. Closing the send channel makes the
// write pump drain, send a close frame, and close the socket, which in
// turn breaks the read pump out of its loop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// SendRaw satisfies types.ClientInterface. It never blocks: a session
// whose buffer is full drops the frame and relies on reconnect catch-up.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed session", zap.String("sessionId", string(c.sessionID)))
		return
	}
	c.mu.RUnlock()

	// Safety net against a concurrent close of the send channel.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from panic in SendRaw",
				zap.String("sessionId", string(c.sessionID)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Session send buffer full, dropping frame",
			zap.String("sessionId", string(c.sessionID)),
			zap.String("userId", string(c.userID)))
	}
}

// readPump continuously processes incoming WebSocket frames from the
// session until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := events.Decode(data)
		if err != nil {
			logging.Warn(context.Background(), "Dropping malformed frame",
				zap.String("sessionId", string(c.sessionID)), zap.Error(err))
			continue
		}

		ctx := context.WithValue(context.Background(), logging.UserIDKey, string(c.userID))
		c.hub.route(ctx, c, env)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
