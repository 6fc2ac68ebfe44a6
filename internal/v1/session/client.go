package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/logging"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// clientRoom is the slice of Room behavior a session needs, abstracted so
// client tests can run against a mock room.
type clientRoom interface {
	SendToUpstream(data []byte)
	HandleClientReconnect(req ReconnectRequest) error
	RemoveClient(c *Client)
	LeagueID() LeagueIDType
}

// Client represents a single downstream WebSocket connection and its draft
// position. A Client belongs to exactly one Room for its lifetime.
type Client struct {
	conn          wsConnection
	room          clientRoom
	ID            SessionIDType
	DraftPosition int

	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string
	closeOnce   sync.Once

	send chan []byte // Buffered channel of outbound frames
}

func newClient(conn wsConnection, id SessionIDType) *Client {
	return &Client{
		conn:        conn,
		ID:          id,
		send:        make(chan []byte, 256),
		closeCode:   websocket.CloseNormalClosure,
		closeReason: "",
	}
}

// Disconnect closes the session's send channel, which drains the writePump,
// delivers the close frame, and closes the socket.
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

// CloseWithStatus disconnects the session with a specific close code and
// reason (e.g. 1001 "Server shutdown").
func (c *Client) CloseWithStatus(code int, reason string) {
	c.mu.Lock()
	if !c.closed {
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()
	c.Disconnect()
}

// readPump continuously processes incoming frames from the downstream socket.
// On socket close the session removes itself from its room and is retired.
func (c *Client) readPump() {
	defer func() {
		c.room.RemoveClient(c)
		c.Disconnect() // release the writePump
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		c.route(data)
	}
}

// route dispatches one decoded downstream frame.
func (c *Client) route(data []byte) {
	ctx := context.Background()

	frame := decodeInbound(data)
	switch frame.kind {
	case inboundUpstreamPayload:
		metrics.RelayedFrames.WithLabelValues("to_upstream").Inc()
		c.room.SendToUpstream([]byte(frame.payload))
	case inboundRaw:
		// Not a control message; the raw bytes are an upstream payload.
		metrics.RelayedFrames.WithLabelValues("to_upstream").Inc()
		c.room.SendToUpstream(data)
	case inboundReconnect:
		if err := c.room.HandleClientReconnect(frame.reconnect); err != nil {
			logging.Warn(ctx, "Client reconnect request failed",
				zap.String("sessionId", string(c.ID)),
				zap.String("leagueId", string(c.room.LeagueID())),
				zap.Error(err))
			c.SendJSON(YahooErrorFrame{Type: FrameTypeYahooError, Error: "Failed to reconnect to Yahoo"})
		}
	case inboundIgnored:
		logging.Debug(ctx, "Ignoring unknown control message",
			zap.String("sessionId", string(c.ID)),
			zap.String("messageType", frame.rawType))
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	writeWait := 10 * time.Second

	for {
		message, ok := <-c.send
		if !ok {
			c.mu.RLock()
			code, reason := c.closeCode, c.closeReason
			c.mu.RUnlock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message to session",
				zap.String("sessionId", string(c.ID)), zap.Error(err))
			return
		}
	}
}

// SendJSON marshals v and queues it for delivery.
func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal frame", zap.Error(err))
		return
	}
	c.SendRaw(data)
}

// SendRaw queues pre-serialized data for delivery. A slow session never blocks
// the room: on overflow the frame is dropped with a warning.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed session", zap.String("sessionId", string(c.ID)))
		return
	}
	c.mu.RUnlock()

	// Disconnect may close the channel between the check above and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closing session",
				zap.String("sessionId", string(c.ID)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Session send channel full, dropping frame",
			zap.String("sessionId", string(c.ID)))
	}
}
