// Package upstream owns the proxy's outbound WebSocket to the Yahoo draft
// server for a single room. A Link is single-use: each connect attempt gets a
// fresh instance, and its state only moves forward
// (idle → connecting → open → closing → closed).
package upstream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/logging"
	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotOpen is returned by Send when the link is not in the open state.
var ErrNotOpen = errors.New("upstream link is not open")

// ErrSendBufferFull is returned by Send when the outbound buffer is saturated.
var ErrSendBufferFull = errors.New("upstream send buffer full")

// State is the lifecycle state of a Link.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn defines the subset of WebSocket connection operations the link uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// DialFunc opens a WebSocket connection to the given URL with the given headers.
type DialFunc func(urlStr string, header http.Header) (Conn, error)

// Events carries the callbacks a Link raises toward its owning room.
// Delivery is ordered; OnClose is terminal and fires exactly once.
type Events struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// Link is one outbound WebSocket connection attempt to the upstream server.
// It performs no reconnection of its own; that policy belongs to the room.
type Link struct {
	url    string
	dial   DialFunc
	events Events

	mu          sync.Mutex
	state       State
	intentional bool
	conn        Conn

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewLink creates a Link that dials with a gorilla/websocket Dialer. The dial
// timeout applies to the handshake phase. No Origin header is sent: the
// entire point of the proxy is to present an origin-less client to Yahoo.
func NewLink(urlStr string, dialTimeout time.Duration, events Events) *Link {
	return NewLinkWithDialer(urlStr, events, gorillaDialer(dialTimeout))
}

// NewLinkWithDialer creates a Link with a custom dial function. Tests use this
// to substitute a fake upstream connection.
func NewLinkWithDialer(urlStr string, events Events, dial DialFunc) *Link {
	return &Link{
		url:    urlStr,
		dial:   dial,
		events: events,
		state:  StateIdle,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

func gorillaDialer(timeout time.Duration) DialFunc {
	return func(urlStr string, header http.Header) (Conn, error) {
		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		}
		conn, resp, err := dialer.Dial(urlStr, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// dialHeader builds the handshake headers. Origin is deliberately absent.
func dialHeader() http.Header {
	header := http.Header{}
	header.Set("User-Agent", "YahooFantasyProxy/1.0")
	header.Set("Accept-Encoding", "gzip, deflate, br")
	header.Set("Accept-Language", "en-US,en;q=0.9")
	header.Set("Cache-Control", "no-cache")
	header.Set("Pragma", "no-cache")
	return header
}

// Connect starts the dial. It is idempotent: calling it while the link is
// connecting or open has no effect. The dial and the subsequent read loop run
// on a background goroutine.
func (l *Link) Connect() {
	l.mu.Lock()
	if l.state == StateConnecting || l.state == StateOpen {
		l.mu.Unlock()
		return
	}
	if l.state != StateIdle {
		// Closing or closed links never redial.
		l.mu.Unlock()
		return
	}
	l.state = StateConnecting
	l.mu.Unlock()

	go l.run()
}

func (l *Link) run() {
	conn, err := l.dial(l.url, dialHeader())
	if err != nil {
		metrics.UpstreamDials.WithLabelValues("failure").Inc()
		logging.Error(context.Background(), "Upstream dial failed", zap.String("url", l.url), zap.Error(err))
		if l.events.OnError != nil {
			l.events.OnError(err)
		}
		l.terminate(0, "dial failed")
		return
	}

	l.mu.Lock()
	if l.state != StateConnecting {
		// Closed while the dial was in flight; discard the connection.
		l.mu.Unlock()
		_ = conn.Close()
		l.terminate(websocket.CloseNormalClosure, "closed before open")
		return
	}
	l.conn = conn
	l.state = StateOpen
	l.mu.Unlock()

	metrics.UpstreamDials.WithLabelValues("success").Inc()

	if l.events.OnOpen != nil {
		l.events.OnOpen()
	}

	go l.writePump(conn)
	l.readPump(conn)
}

// readPump relays inbound frames until the connection dies. It runs on the
// same goroutine as run so event delivery stays ordered.
func (l *Link) readPump(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.handleReadError(err)
			return
		}
		if l.events.OnMessage != nil {
			l.events.OnMessage(data)
		}
	}
}

func (l *Link) handleReadError(err error) {
	// A close initiated through Close() already owns the terminal transition.
	select {
	case <-l.done:
		return
	default:
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		l.terminate(closeErr.Code, closeErr.Text)
		return
	}

	if l.events.OnError != nil {
		l.events.OnError(err)
	}
	l.terminate(0, err.Error())
}

func (l *Link) writePump(conn Conn) {
	for {
		select {
		case data := <-l.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				select {
				case <-l.done:
				default:
					logging.Error(context.Background(), "Upstream write failed", zap.Error(err))
					if l.events.OnError != nil {
						l.events.OnError(err)
					}
					l.terminate(0, err.Error())
				}
				return
			}
		case <-l.done:
			return
		}
	}
}

// Send enqueues a text frame for transmission. Frames are sent in submission
// order. Fails with ErrNotOpen unless the link is open.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	if l.state != StateOpen {
		l.mu.Unlock()
		return ErrNotOpen
	}
	l.mu.Unlock()

	select {
	case l.sendCh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears the link down. The intentional flag marks closes requested by
// the room (forced re-init, client reconnect, retirement) so observers can
// distinguish them from upstream failures. OnClose fires exactly once per
// link instance.
func (l *Link) Close(code int, reason string, intentional bool) {
	l.mu.Lock()
	if intentional {
		l.intentional = true
	}
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	wasOpen := l.state == StateOpen
	l.state = StateClosing
	conn := l.conn
	l.mu.Unlock()

	if wasOpen && conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	}

	l.terminate(code, reason)
}

// terminate performs the single terminal transition to closed.
func (l *Link) terminate(code int, reason string) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = StateClosed
		conn := l.conn
		l.mu.Unlock()

		close(l.done)
		if conn != nil {
			_ = conn.Close()
		}
		if l.events.OnClose != nil {
			l.events.OnClose(code, reason)
		}
	})
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsOpen reports whether the link is open for sending.
func (l *Link) IsOpen() bool {
	return l.State() == StateOpen
}

// IsIntentional reports whether the link was closed on purpose by the room.
func (l *Link) IsIntentional() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.intentional
}
