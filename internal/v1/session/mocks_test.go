package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/draftrelay/yahoo-ws-proxy/internal/v1/upstream"
	"github.com/gorilla/websocket"
)

// mockConn is an in-memory downstream wsConnection.
type mockConn struct {
	mu          sync.Mutex
	writes      [][]byte
	closeFrames []closeFrameRecord

	writeCh  chan []byte
	closeCh  chan closeFrameRecord
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		writeCh:  make(chan []byte, 64),
		closeCh:  make(chan closeFrameRecord, 8),
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-m.incoming:
		return websocket.TextMessage, msg, nil
	case <-m.closed:
		return 0, nil, errors.New("mock connection closed")
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-m.closed:
		return errors.New("mock connection closed")
	default:
	}
	if messageType == websocket.CloseMessage {
		record := closeFrameRecord{code: websocket.CloseNoStatusReceived}
		if len(data) >= 2 {
			record.code = int(data[0])<<8 | int(data[1])
			record.reason = string(data[2:])
		}
		m.mu.Lock()
		m.closeFrames = append(m.closeFrames, record)
		m.mu.Unlock()
		select {
		case m.closeCh <- record:
		default:
		}
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	m.writes = append(m.writes, buf)
	m.mu.Unlock()
	select {
	case m.writeCh <- buf:
	default:
	}
	return nil
}

// nextCloseFrame waits for the close frame delivered by the session writePump.
func (m *mockConn) nextCloseFrame(t *testing.T) closeFrameRecord {
	t.Helper()
	select {
	case record := <-m.closeCh:
		return record
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for downstream close frame")
		return closeFrameRecord{}
	}
}

func (m *mockConn) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// pushInbound simulates the browser sending a frame.
func (m *mockConn) pushInbound(data []byte) {
	m.incoming <- data
}

// nextFrame waits for the next frame written to the downstream socket and
// decodes it as JSON.
func nextFrame(t *testing.T, m *mockConn) map[string]any {
	t.Helper()
	select {
	case data := <-m.writeCh:
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("frame is not JSON: %q (%v)", data, err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for downstream frame")
		return nil
	}
}

// waitFrameOfType drains downstream frames until one with the wanted type tag
// arrives.
func waitFrameOfType(t *testing.T, m *mockConn, frameType string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-m.writeCh:
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame["type"] == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", frameType)
			return nil
		}
	}
}

// closeFrameRecord captures a close frame written by the link.
type closeFrameRecord struct {
	code   int
	reason string
}

// fakeUpstreamConn is an in-memory upstream.Conn scripted by tests.
type fakeUpstreamConn struct {
	mu          sync.Mutex
	writes      [][]byte
	closeFrames []closeFrameRecord

	writeCh  chan []byte
	incoming chan []byte
	readErr  chan error
	closed   chan struct{}
	once     sync.Once
}

func newFakeUpstreamConn() *fakeUpstreamConn {
	return &fakeUpstreamConn{
		writeCh:  make(chan []byte, 64),
		incoming: make(chan []byte, 64),
		readErr:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (f *fakeUpstreamConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.incoming:
		return websocket.TextMessage, msg, nil
	case err := <-f.readErr:
		return 0, nil, err
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeUpstreamConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.mu.Lock()
	f.writes = append(f.writes, buf)
	f.mu.Unlock()
	select {
	case f.writeCh <- buf:
	default:
	}
	return nil
}

func (f *fakeUpstreamConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType == websocket.CloseMessage {
		code := websocket.CloseNoStatusReceived
		reason := ""
		if len(data) >= 2 {
			code = int(data[0])<<8 | int(data[1])
			reason = string(data[2:])
		}
		f.mu.Lock()
		f.closeFrames = append(f.closeFrames, closeFrameRecord{code: code, reason: reason})
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeUpstreamConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeUpstreamConn) SetWriteDeadline(t time.Time) error { return nil }

// pushMessage simulates an upstream text frame arriving.
func (f *fakeUpstreamConn) pushMessage(data string) {
	f.incoming <- []byte(data)
}

// peerClose simulates the upstream server closing the connection.
func (f *fakeUpstreamConn) peerClose(code int, reason string) {
	f.readErr <- &websocket.CloseError{Code: code, Text: reason}
}

// nextWrite waits for the next frame the room sent upstream.
func (f *fakeUpstreamConn) nextWrite(t *testing.T) string {
	t.Helper()
	select {
	case data := <-f.writeCh:
		return string(data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream write")
		return ""
	}
}

// lastCloseFrame returns the most recent close frame, if any.
func (f *fakeUpstreamConn) lastCloseFrame() (closeFrameRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.closeFrames) == 0 {
		return closeFrameRecord{}, false
	}
	return f.closeFrames[len(f.closeFrames)-1], true
}

// fakeDialer hands out scripted upstream connections.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeUpstreamConn
	headers []http.Header
	urls    []string
	failAll bool

	dialCh chan *fakeUpstreamConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialCh: make(chan *fakeUpstreamConn, 16)}
}

func (d *fakeDialer) dial(urlStr string, header http.Header) (upstream.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, urlStr)
	d.headers = append(d.headers, header)
	fail := d.failAll
	var conn *fakeUpstreamConn
	if !fail {
		conn = newFakeUpstreamConn()
		d.conns = append(d.conns, conn)
	}
	d.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	d.dialCh <- conn
	return conn, nil
}

// nextConn waits for the next dial to complete.
func (d *fakeDialer) nextConn(t *testing.T) *fakeUpstreamConn {
	t.Helper()
	select {
	case conn := <-d.dialCh:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream dial")
		return nil
	}
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// newTestRoom builds a room wired to a fake dialer with test-friendly timers.
func newTestRoom(t *testing.T, leagueID string, onRetired func(*Room)) (*Room, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	room := NewRoom(LeagueIDType(leagueID), RoomParams{
		UpstreamURL:       "wss://upstream.example/draft",
		PlatformUserID:    "user-a",
		DraftPosition:     1,
		HeartbeatInterval: time.Hour, // heartbeat exercised explicitly where needed
		RetireGracePeriod: 40 * time.Millisecond,
		OnRetired:         onRetired,
		Dial:              dialer.dial,
	})
	t.Cleanup(func() { room.Cleanup(websocket.CloseGoingAway, "test teardown") })
	return room, dialer
}

// newTestClient builds a client with a running writePump over a mock socket.
func newTestClient(t *testing.T, id string) (*Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	client := newClient(conn, SessionIDType(id))
	go client.writePump()
	t.Cleanup(client.Disconnect)
	return client, conn
}
