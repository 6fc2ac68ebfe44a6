package session

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/logging"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/metrics"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/ratelimit"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/upstream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// missingParamsReason is the close reason for rejected handshakes.
const missingParamsReason = "Missing required parameters: leagueId, draftPosition, websocketUrl"

// HubOptions configures room construction.
type HubOptions struct {
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	RetireGracePeriod time.Duration
	Dial              upstream.DialFunc // optional; tests inject a fake upstream
}

// Hub is the process-wide registry of rooms and the acceptor for downstream
// WebSocket connections. Lookup and mutation of the room map are serialized;
// no two rooms ever share a league ID.
type Hub struct {
	mu    sync.Mutex
	rooms map[LeagueIDType]*Room

	opts        HubOptions
	rateLimiter *ratelimit.RateLimiter
	upgrader    websocket.Upgrader
}

// NewHub creates a Hub. rateLimiter may be nil to disable handshake limiting
// (tests, development).
func NewHub(opts HubOptions, rateLimiter *ratelimit.RateLimiter) *Hub {
	return &Hub{
		rooms:       make(map[LeagueIDType]*Room),
		opts:        opts,
		rateLimiter: rateLimiter,
		upgrader: websocket.Upgrader{
			// Downstream clients are browser pages pointed at the proxy on
			// purpose; the proxy exists to lift Origin restrictions, so the
			// handshake accepts any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
			WriteBufferPool: &sync.Pool{
				New: func() any {
					return make([]byte, 4096)
				},
			},
		},
	}
}

// connectParams are the validated query parameters of a handshake.
type connectParams struct {
	leagueID       LeagueIDType
	draftPosition  int
	websocketURL   string
	platformUserID string
}

// parseConnectParams validates the acceptor's query parameters.
// draftPosition must be an integer >= 1; 0 or missing is rejected.
func parseConnectParams(c *gin.Context) (connectParams, bool) {
	leagueID := c.Query("leagueId")
	websocketURL := c.Query("websocketUrl")
	draftPosition, err := strconv.Atoi(c.Query("draftPosition"))

	if leagueID == "" || websocketURL == "" || err != nil || draftPosition < 1 {
		return connectParams{}, false
	}

	platformUserID := c.Query("platformUserId")
	if platformUserID == "" {
		platformUserID = "unknown"
	}

	return connectParams{
		leagueID:       LeagueIDType(leagueID),
		draftPosition:  draftPosition,
		websocketURL:   websocketURL,
		platformUserID: platformUserID,
	}, true
}

// ServeWs accepts a downstream WebSocket on /yahoo/websocket/connection,
// validates query parameters, and attaches the session to its room.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	params, ok := parseConnectParams(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	if !ok {
		// The handshake succeeded at the HTTP layer, so the rejection is a
		// policy close frame rather than an HTTP status.
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, missingParamsReason), deadline)
		_ = conn.Close()
		logging.Warn(c.Request.Context(), "Rejected handshake with missing parameters",
			zap.String("query", c.Request.URL.RawQuery))
		return
	}

	sessionID := SessionIDType(uuid.New().String())
	client := newClient(conn, sessionID)

	room := h.attach(client, params)
	if room == nil {
		// Attach only fails when the process is shutting down.
		client.CloseWithStatus(websocket.CloseGoingAway, "Server shutdown")
		_ = conn.Close()
		return
	}

	metrics.IncConnection()

	logging.Info(c.Request.Context(), "Session connected",
		zap.String("sessionId", string(sessionID)),
		zap.String("leagueId", string(params.leagueID)),
		zap.Int("draftPosition", params.draftPosition))

	go client.writePump()
	go client.readPump()
}

// attach routes a session to its room, replacing rooms whose upstream URL
// changed and retrying when a room retires between lookup and join.
func (h *Hub) attach(client *Client, params connectParams) *Room {
	h.SwapIfURLChanged(params.leagueID, params.websocketURL, params.platformUserID, params.draftPosition)

	for attempt := 0; attempt < 3; attempt++ {
		room, _ := h.getOrCreate(params.leagueID, params.websocketURL, params.platformUserID, params.draftPosition)
		client.room = room
		if err := room.AddClient(client, params.draftPosition); err == nil {
			return room
		}
		// The room retired between lookup and join; drop the stale mapping
		// and create a replacement.
		h.removeIfSame(room)
	}
	return nil
}

// getOrCreate returns the room for leagueID, creating it on first arrival.
func (h *Hub) getOrCreate(leagueID LeagueIDType, upstreamURL, platformUserID string, draftPosition int) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[leagueID]; ok {
		return room, false
	}

	logging.Info(context.Background(), "Creating new room",
		zap.String("leagueId", string(leagueID)),
		zap.String("upstreamUrl", upstreamURL))

	room := NewRoom(leagueID, RoomParams{
		UpstreamURL:       upstreamURL,
		PlatformUserID:    platformUserID,
		DraftPosition:     draftPosition,
		HeartbeatInterval: h.opts.HeartbeatInterval,
		DialTimeout:       h.opts.DialTimeout,
		RetireGracePeriod: h.opts.RetireGracePeriod,
		OnRetired:         h.removeIfSame,
		Dial:              h.opts.Dial,
	})
	h.rooms[leagueID] = room
	metrics.ActiveRooms.Inc()
	return room, true
}

// SwapIfURLChanged cleans up an existing room whose upstream URL differs from
// the incoming one so the next getOrCreate builds a replacement under the
// same league ID.
func (h *Hub) SwapIfURLChanged(leagueID LeagueIDType, incomingURL, platformUserID string, draftPosition int) {
	h.mu.Lock()
	room, ok := h.rooms[leagueID]
	if !ok || room.UpstreamURL() == incomingURL {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, leagueID)
	metrics.ActiveRooms.Dec()
	h.mu.Unlock()

	logging.Info(context.Background(), "Upstream URL changed, replacing room",
		zap.String("leagueId", string(leagueID)),
		zap.String("oldUrl", room.UpstreamURL()),
		zap.String("newUrl", incomingURL))

	room.Cleanup(websocket.CloseGoingAway, "Room force cleanup")
}

// removeIfSame removes the registry mapping only if it still points at this
// room instance; a replacement created after a swap is left untouched.
func (h *Hub) removeIfSame(room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.rooms[room.LeagueID()]; ok && existing == room {
		delete(h.rooms, room.LeagueID())
		metrics.ActiveRooms.Dec()
		logging.Info(context.Background(), "Removed room from registry",
			zap.String("leagueId", string(room.LeagueID())))
	}
}

// Snapshot returns the status of every active room.
func (h *Hub) Snapshot() []RoomStatus {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	statuses := make([]RoomStatus, 0, len(rooms))
	for _, room := range rooms {
		statuses = append(statuses, room.Status())
	}
	return statuses
}

// RoomStatus returns one room's snapshot.
func (h *Hub) RoomStatus(leagueID string) (RoomStatus, bool) {
	h.mu.Lock()
	room, ok := h.rooms[LeagueIDType(leagueID)]
	h.mu.Unlock()
	if !ok {
		return RoomStatus{}, false
	}
	return room.Status(), true
}

// TotalClients returns the number of downstream sessions across all rooms.
func (h *Hub) TotalClients() int {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	total := 0
	for _, room := range rooms {
		total += room.ClientsCount()
	}
	return total
}

// ForceRetire closes every session in a room with 1001 "Room force cleanup",
// cleans the room up, and removes it from the registry. Returns false if the
// league is unknown.
func (h *Hub) ForceRetire(leagueID string) bool {
	h.mu.Lock()
	room, ok := h.rooms[LeagueIDType(leagueID)]
	if ok {
		delete(h.rooms, LeagueIDType(leagueID))
		metrics.ActiveRooms.Dec()
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	room.Cleanup(websocket.CloseGoingAway, "Room force cleanup")
	return true
}

// Shutdown gracefully closes every room: downstream sockets get 1001
// "Server shutdown", and every upstream link is closed.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all active rooms...")

	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for leagueID, room := range h.rooms {
		rooms = append(rooms, room)
		delete(h.rooms, leagueID)
		metrics.ActiveRooms.Dec()
	}
	h.mu.Unlock()

	for _, room := range rooms {
		room.Cleanup(websocket.CloseGoingAway, "Server shutdown")
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}
