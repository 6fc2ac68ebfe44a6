package session

import (
	"context"
	"sync"
	"time"

	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/logging"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/metrics"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/upstream"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultRetireGracePeriod is how long a room survives with no clients before
// it tears down its upstream socket. Brief browser reloads land inside this
// window and reuse the same room.
const DefaultRetireGracePeriod = 2 * time.Second

// RoomParams carries the construction-time configuration of a Room.
type RoomParams struct {
	UpstreamURL       string
	PlatformUserID    string
	DraftPosition     int
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	RetireGracePeriod time.Duration
	OnRetired         func(*Room)       // invoked after the room removes itself
	Dial              upstream.DialFunc // optional; tests inject a fake upstream
}

// Room groups every downstream session for one league onto a single shared
// upstream link, and enforces the lifecycle rules that make the fan-out
// correct. All state transitions are serialized by the room mutex; upstream
// events, client arrivals and departures, and the retirement timer never
// interleave against each other.
type Room struct {
	mu sync.Mutex

	leagueID       LeagueIDType
	upstreamURL    string
	platformUserID string

	// primaryDraftPosition is the position used when composing the join
	// frame. It is mutable: a client-initiated reconnect may move it.
	primaryDraftPosition int

	clients []*Client // insertion order drives broadcast traversal

	link                  *upstream.Link
	hasSentJoin           bool
	intentionalDisconnect bool
	reconnectAttempts     int
	lastHeartbeatAt       time.Time

	retireTimer *time.Timer
	retired     bool

	heartbeatInterval time.Duration
	dialTimeout       time.Duration
	retireGrace       time.Duration
	onRetired         func(*Room)
	dial              upstream.DialFunc
}

// NewRoom creates a Room for the given league. The upstream link is not
// dialed until the first client attaches.
func NewRoom(leagueID LeagueIDType, params RoomParams) *Room {
	grace := params.RetireGracePeriod
	if grace <= 0 {
		grace = DefaultRetireGracePeriod
	}
	hb := params.HeartbeatInterval
	if hb <= 0 {
		hb = 30 * time.Second
	}

	return &Room{
		leagueID:             leagueID,
		upstreamURL:          params.UpstreamURL,
		platformUserID:       params.PlatformUserID,
		primaryDraftPosition: params.DraftPosition,
		heartbeatInterval:    hb,
		dialTimeout:          params.DialTimeout,
		retireGrace:          grace,
		onRetired:            params.OnRetired,
		dial:                 params.Dial,
	}
}

// LeagueID returns the room's league identity.
func (r *Room) LeagueID() LeagueIDType {
	return r.leagueID
}

// UpstreamURL returns the upstream URL the room dials.
func (r *Room) UpstreamURL() string {
	return r.upstreamURL
}

// AddClient attaches a downstream session to the room. If the room already
// has clients or an open upstream, the upstream is re-established so that
// every current client observes Yahoo's one-shot initialization burst.
// Returns ErrRoomRetired if the room retired concurrently; the hub then
// creates a replacement.
func (r *Room) AddClient(c *Client, draftPosition int) error {
	ctx := context.Background()

	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return ErrRoomRetired
	}

	// 1. Cancel any pending retirement.
	if r.retireTimer != nil {
		r.retireTimer.Stop()
		r.retireTimer = nil
		logging.Info(ctx, "Cancelled pending room retirement due to new client",
			zap.String("leagueId", string(r.leagueID)))
	}

	// 2. Force upstream re-init when the join burst must be replayed.
	if len(r.clients) > 0 || (r.link != nil && r.link.IsOpen()) {
		if old := r.link; old != nil {
			r.link = nil
			r.intentionalDisconnect = true
			r.mu.Unlock()
			logging.Info(ctx, "Forcing upstream reconnection for new client",
				zap.String("leagueId", string(r.leagueID)))
			old.Close(websocket.CloseNormalClosure, "New client joined — forcing reconnection", true)
			r.mu.Lock()
			if r.retired {
				r.mu.Unlock()
				return ErrRoomRetired
			}
		}
	}
	r.hasSentJoin = false
	r.intentionalDisconnect = false

	// 3. Insert the session.
	c.DraftPosition = draftPosition
	r.clients = append(r.clients, c)
	clientsCount := len(r.clients)

	// 4. Dial a fresh link.
	link := r.newLinkLocked()
	r.link = link
	r.mu.Unlock()

	logging.Info(ctx, "Client joined room",
		zap.String("leagueId", string(r.leagueID)),
		zap.String("sessionId", string(c.ID)),
		zap.Int("draftPosition", draftPosition),
		zap.Int("clientsCount", clientsCount))

	link.Connect()

	// 5. Confirm membership. yahooConnected is always false here: the fresh
	// link has not finished its handshake yet.
	c.SendJSON(RoomJoinedFrame{
		Type:           FrameTypeRoomJoined,
		RoomID:         string(r.leagueID),
		YahooConnected: false,
		ClientsCount:   clientsCount,
		DraftPosition:  draftPosition,
	})

	return nil
}

// RemoveClient detaches a session. When the client set empties, a retirement
// timer is armed; a new arrival inside the grace period cancels it.
func (r *Room) RemoveClient(c *Client) {
	r.mu.Lock()
	idx := -1
	for i, existing := range r.clients {
		if existing == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	r.clients = append(r.clients[:idx], r.clients[idx+1:]...)
	remaining := len(r.clients)

	if remaining == 0 && !r.retired {
		if r.retireTimer != nil {
			r.retireTimer.Stop()
		}
		r.retireTimer = time.AfterFunc(r.retireGrace, r.retire)
		logging.Info(context.Background(), "Room empty, retirement timer armed",
			zap.String("leagueId", string(r.leagueID)),
			zap.Duration("grace", r.retireGrace))
	}
	r.mu.Unlock()

	logging.Info(context.Background(), "Client left room",
		zap.String("leagueId", string(r.leagueID)),
		zap.String("sessionId", string(c.ID)),
		zap.Int("clientsCount", remaining))
}

// retire runs when the grace period elapses with no clients.
func (r *Room) retire() {
	r.mu.Lock()
	if r.retired || len(r.clients) > 0 {
		r.retireTimer = nil
		r.mu.Unlock()
		return
	}
	r.retired = true
	r.retireTimer = nil
	r.intentionalDisconnect = true
	link := r.link
	r.link = nil
	r.mu.Unlock()

	logging.Info(context.Background(), "Retiring room after grace period",
		zap.String("leagueId", string(r.leagueID)))

	if link != nil {
		link.Close(websocket.CloseNormalClosure, "Room retired — no active clients", true)
	}
	if r.onRetired != nil {
		r.onRetired(r)
	}
}

// SendToUpstream forwards a downstream payload to the upstream socket. If the
// upstream is not open the payload is dropped with a warning; the client gets
// no error surface for this.
func (r *Room) SendToUpstream(data []byte) {
	r.mu.Lock()
	link := r.link
	r.mu.Unlock()

	if link == nil || !link.IsOpen() {
		logging.Warn(context.Background(), "Upstream not open, dropping payload",
			zap.String("leagueId", string(r.leagueID)),
			zap.Int("bytes", len(data)))
		return
	}
	if err := link.Send(data); err != nil {
		logging.Warn(context.Background(), "Failed to send payload upstream",
			zap.String("leagueId", string(r.leagueID)), zap.Error(err))
	}
}

// HandleClientReconnect tears down the current upstream link and dials a new
// one at a client's request. A request naming a different league fails with
// ErrLeagueMismatch. A differing draft position moves the room's primary
// position, which the next join frame uses.
func (r *Room) HandleClientReconnect(req ReconnectRequest) error {
	r.mu.Lock()
	if LeagueIDType(req.LeagueID) != r.leagueID {
		r.mu.Unlock()
		return ErrLeagueMismatch
	}
	if r.retired {
		r.mu.Unlock()
		return ErrRoomRetired
	}
	if req.DraftPosition != r.primaryDraftPosition {
		logging.Info(context.Background(), "Updating primary draft position on reconnect",
			zap.String("leagueId", string(r.leagueID)),
			zap.Int("from", r.primaryDraftPosition),
			zap.Int("to", req.DraftPosition))
		r.primaryDraftPosition = req.DraftPosition
	}

	old := r.link
	r.link = nil
	r.intentionalDisconnect = true
	r.mu.Unlock()

	if old != nil {
		old.Close(websocket.CloseNormalClosure, "Client-initiated reconnection", true)
	}

	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return ErrRoomRetired
	}
	r.hasSentJoin = false
	r.intentionalDisconnect = false
	link := r.newLinkLocked()
	r.link = link
	r.mu.Unlock()

	logging.Info(context.Background(), "Client-initiated upstream reconnection",
		zap.String("leagueId", string(r.leagueID)))

	link.Connect()
	return nil
}

// newLinkLocked instantiates a fresh upstream link wired to this room's event
// handlers. Caller holds r.mu. Each link carries its own heartbeat stop
// channel so an overlapping close from a superseded link cannot stop the
// successor's ticker.
func (r *Room) newLinkLocked() *upstream.Link {
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopHeartbeat := func() { stopOnce.Do(func() { close(stop) }) }

	var link *upstream.Link
	events := upstream.Events{
		OnOpen: func() {
			r.handleUpstreamOpen(link, stop)
		},
		OnMessage: func(data []byte) {
			r.handleUpstreamMessage(data)
		},
		OnClose: func(code int, reason string) {
			stopHeartbeat()
			r.handleUpstreamClose(link, code, reason)
		},
		OnError: func(err error) {
			r.handleUpstreamError(err)
		},
	}

	if r.dial != nil {
		link = upstream.NewLinkWithDialer(r.upstreamURL, events, r.dial)
	} else {
		link = upstream.NewLink(r.upstreamURL, r.dialTimeout, events)
	}
	return link
}

// handleUpstreamOpen sends the join frame, starts the heartbeat, and tells
// every client the upstream is live.
func (r *Room) handleUpstreamOpen(link *upstream.Link, stop chan struct{}) {
	r.mu.Lock()
	if r.link != link {
		// Superseded while the dial was in flight.
		r.mu.Unlock()
		link.Close(websocket.CloseNormalClosure, "superseded by a newer link", true)
		return
	}
	r.reconnectAttempts = 0
	r.hasSentJoin = false
	join := r.joinFrameLocked()
	r.mu.Unlock()

	if err := link.Send([]byte(join)); err != nil {
		logging.Error(context.Background(), "Failed to send join frame",
			zap.String("leagueId", string(r.leagueID)), zap.Error(err))
	} else {
		r.mu.Lock()
		r.hasSentJoin = true
		r.mu.Unlock()
		logging.Info(context.Background(), "Join frame sent",
			zap.String("leagueId", string(r.leagueID)))
	}

	go r.heartbeatLoop(link, stop)

	r.broadcast(YahooConnectedFrame{
		Type:    FrameTypeYahooConnected,
		Message: "Connected to Yahoo WebSocket",
	})
}

// handleUpstreamMessage fans one upstream frame out to every session in
// insertion order.
func (r *Room) handleUpstreamMessage(data []byte) {
	metrics.RelayedFrames.WithLabelValues("to_clients").Inc()
	r.broadcast(YahooMessageFrame{
		Type: FrameTypeYahooMessage,
		Data: string(data),
	})
}

// handleUpstreamClose clears the join gate and notifies clients. The room
// never redials on its own; only AddClient and HandleClientReconnect do.
func (r *Room) handleUpstreamClose(link *upstream.Link, code int, reason string) {
	r.mu.Lock()
	if r.link == link {
		r.hasSentJoin = false
	}
	r.mu.Unlock()

	logging.Info(context.Background(), "Upstream closed",
		zap.String("leagueId", string(r.leagueID)),
		zap.Int("code", code),
		zap.String("reason", reason))

	r.broadcast(YahooDisconnectedFrame{
		Type:   FrameTypeYahooDisconnected,
		Code:   code,
		Reason: reason,
	})
}

func (r *Room) handleUpstreamError(err error) {
	logging.Error(context.Background(), "Upstream error",
		zap.String("leagueId", string(r.leagueID)), zap.Error(err))

	r.broadcast(YahooErrorFrame{
		Type:  FrameTypeYahooError,
		Error: err.Error(),
	})
}

// heartbeatLoop sends the single-character keepalive while the link is open.
func (r *Room) heartbeatLoop(link *upstream.Link, stop chan struct{}) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := link.Send([]byte("c")); err != nil {
				return
			}
			r.mu.Lock()
			r.lastHeartbeatAt = time.Now()
			r.mu.Unlock()
			metrics.HeartbeatsSent.Inc()
		}
	}
}

// broadcast fans a frame out to every session in insertion order.
func (r *Room) broadcast(v any) {
	r.mu.Lock()
	snapshot := make([]*Client, len(r.clients))
	copy(snapshot, r.clients)
	r.mu.Unlock()

	for _, c := range snapshot {
		c.SendJSON(v)
	}
}

// ClientsCount returns the number of attached sessions.
func (r *Room) ClientsCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// IsRetired reports whether the room has completed retirement.
func (r *Room) IsRetired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retired
}

// Cleanup force-retires the room: every session is closed with the given
// status, timers are cleared, and the upstream link is dropped. Idempotent.
// The hub owns registry removal.
func (r *Room) Cleanup(code int, reason string) {
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return
	}
	r.retired = true
	if r.retireTimer != nil {
		r.retireTimer.Stop()
		r.retireTimer = nil
	}
	r.intentionalDisconnect = true
	link := r.link
	r.link = nil
	clients := make([]*Client, len(r.clients))
	copy(clients, r.clients)
	r.clients = nil
	r.mu.Unlock()

	logging.Info(context.Background(), "Cleaning up room",
		zap.String("leagueId", string(r.leagueID)),
		zap.String("reason", reason),
		zap.Int("clientsCount", len(clients)))

	for _, c := range clients {
		c.CloseWithStatus(code, reason)
	}
	if link != nil {
		link.Close(websocket.CloseNormalClosure, reason, true)
	}
}
