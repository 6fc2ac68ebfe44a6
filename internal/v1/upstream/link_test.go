package upstream

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedConn struct {
	mu          sync.Mutex
	writes      []string
	closeFrames []struct {
		code   int
		reason string
	}

	writeCh  chan string
	incoming chan []byte
	readErr  chan error
	closed   chan struct{}
	once     sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		writeCh:  make(chan string, 64),
		incoming: make(chan []byte, 64),
		readErr:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (s *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-s.incoming:
		return websocket.TextMessage, msg, nil
	case err := <-s.readErr:
		return 0, nil, err
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *scriptedConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("use of closed connection")
	default:
	}
	s.mu.Lock()
	s.writes = append(s.writes, string(data))
	s.mu.Unlock()
	select {
	case s.writeCh <- string(data):
	default:
	}
	return nil
}

func (s *scriptedConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType == websocket.CloseMessage {
		code := websocket.CloseNoStatusReceived
		reason := ""
		if len(data) >= 2 {
			code = int(data[0])<<8 | int(data[1])
			reason = string(data[2:])
		}
		s.mu.Lock()
		s.closeFrames = append(s.closeFrames, struct {
			code   int
			reason string
		}{code, reason})
		s.mu.Unlock()
	}
	return nil
}

func (s *scriptedConn) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedConn) SetWriteDeadline(t time.Time) error { return nil }

func (s *scriptedConn) nextWrite(t *testing.T) string {
	t.Helper()
	select {
	case data := <-s.writeCh:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
		return ""
	}
}

// eventRecorder captures link callbacks in delivery order.
type eventRecorder struct {
	mu     sync.Mutex
	order  []string
	closes []struct {
		code   int
		reason string
	}
	errs     []error
	messages []string

	opened   chan struct{}
	closedCh chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		opened:   make(chan struct{}, 8),
		closedCh: make(chan struct{}, 8),
	}
}

func (e *eventRecorder) events() Events {
	return Events{
		OnOpen: func() {
			e.mu.Lock()
			e.order = append(e.order, "open")
			e.mu.Unlock()
			e.opened <- struct{}{}
		},
		OnMessage: func(data []byte) {
			e.mu.Lock()
			e.order = append(e.order, "message")
			e.messages = append(e.messages, string(data))
			e.mu.Unlock()
		},
		OnClose: func(code int, reason string) {
			e.mu.Lock()
			e.order = append(e.order, "close")
			e.closes = append(e.closes, struct {
				code   int
				reason string
			}{code, reason})
			e.mu.Unlock()
			e.closedCh <- struct{}{}
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.order = append(e.order, "error")
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		},
	}
}

func (e *eventRecorder) waitOpen(t *testing.T) {
	t.Helper()
	select {
	case <-e.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnOpen")
	}
}

func (e *eventRecorder) waitClose(t *testing.T) {
	t.Helper()
	select {
	case <-e.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnClose")
	}
}

func newOpenLink(t *testing.T) (*Link, *scriptedConn, *eventRecorder) {
	t.Helper()
	conn := newScriptedConn()
	rec := newEventRecorder()
	link := NewLinkWithDialer("wss://upstream.example/draft", rec.events(), func(urlStr string, header http.Header) (Conn, error) {
		return conn, nil
	})
	link.Connect()
	rec.waitOpen(t)
	t.Cleanup(func() {
		link.Close(websocket.CloseGoingAway, "test teardown", true)
	})
	return link, conn, rec
}

func TestDialHeadersOmitOrigin(t *testing.T) {
	conn := newScriptedConn()
	rec := newEventRecorder()
	var gotHeader http.Header
	link := NewLinkWithDialer("wss://upstream.example/draft", rec.events(), func(urlStr string, header http.Header) (Conn, error) {
		gotHeader = header
		return conn, nil
	})
	link.Connect()
	rec.waitOpen(t)
	defer link.Close(websocket.CloseGoingAway, "test teardown", true)

	assert.Equal(t, "YahooFantasyProxy/1.0", gotHeader.Get("User-Agent"))
	assert.Empty(t, gotHeader.Get("Origin"))
	assert.Empty(t, gotHeader.Values("Origin"))
}

func TestConnectIsIdempotent(t *testing.T) {
	conn := newScriptedConn()
	rec := newEventRecorder()
	var dials int32
	var mu sync.Mutex
	link := NewLinkWithDialer("wss://upstream.example/draft", rec.events(), func(urlStr string, header http.Header) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return conn, nil
	})

	link.Connect()
	link.Connect()
	rec.waitOpen(t)
	link.Connect()
	defer link.Close(websocket.CloseGoingAway, "test teardown", true)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), dials)
	assert.Equal(t, StateOpen, link.State())
}

func TestDialFailureFiresErrorThenClose(t *testing.T) {
	rec := newEventRecorder()
	link := NewLinkWithDialer("wss://upstream.example/draft", rec.events(), func(urlStr string, header http.Header) (Conn, error) {
		return nil, errors.New("connection refused")
	})
	link.Connect()
	rec.waitClose(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"error", "close"}, rec.order)
	require.Len(t, rec.closes, 1)
	assert.Equal(t, 0, rec.closes[0].code)
	assert.Equal(t, "dial failed", rec.closes[0].reason)
	assert.Equal(t, StateClosed, link.State())
}

func TestSendRequiresOpenState(t *testing.T) {
	rec := newEventRecorder()
	link := NewLinkWithDialer("wss://upstream.example/draft", rec.events(), func(urlStr string, header http.Header) (Conn, error) {
		return newScriptedConn(), nil
	})
	assert.ErrorIs(t, link.Send([]byte("x")), ErrNotOpen)
}

func TestSendPreservesOrder(t *testing.T) {
	link, conn, _ := newOpenLink(t)

	require.NoError(t, link.Send([]byte("first")))
	require.NoError(t, link.Send([]byte("second")))
	require.NoError(t, link.Send([]byte("third")))

	assert.Equal(t, "first", conn.nextWrite(t))
	assert.Equal(t, "second", conn.nextWrite(t))
	assert.Equal(t, "third", conn.nextWrite(t))
}

func TestMessagesDeliverInOrder(t *testing.T) {
	_, conn, rec := newOpenLink(t)

	conn.incoming <- []byte("one")
	conn.incoming <- []byte("two")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.messages)
		rec.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, rec.messages)
}

func TestCloseWritesCloseFrameAndFiresOnCloseOnce(t *testing.T) {
	link, conn, rec := newOpenLink(t)

	link.Close(websocket.CloseNormalClosure, "Client-initiated reconnection", true)
	rec.waitClose(t)
	link.Close(websocket.CloseNormalClosure, "Client-initiated reconnection", true)

	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	closes := len(rec.closes)
	rec.mu.Unlock()
	assert.Equal(t, 1, closes)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.closeFrames, 1)
	assert.Equal(t, websocket.CloseNormalClosure, conn.closeFrames[0].code)
	assert.Equal(t, "Client-initiated reconnection", conn.closeFrames[0].reason)

	assert.Equal(t, StateClosed, link.State())
	assert.True(t, link.IsIntentional())
	assert.ErrorIs(t, link.Send([]byte("late")), ErrNotOpen)
}

func TestPeerCloseSurfacesCodeAndReason(t *testing.T) {
	link, conn, rec := newOpenLink(t)

	conn.readErr <- &websocket.CloseError{Code: websocket.CloseGoingAway, Text: "server restarting"}
	rec.waitClose(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.closes, 1)
	assert.Equal(t, websocket.CloseGoingAway, rec.closes[0].code)
	assert.Equal(t, "server restarting", rec.closes[0].reason)
	// A close from the peer is not an error.
	assert.Empty(t, rec.errs)
	assert.False(t, link.IsIntentional())
}

func TestReadFailureFiresErrorThenClose(t *testing.T) {
	_, conn, rec := newOpenLink(t)

	conn.readErr <- errors.New("connection reset by peer")
	rec.waitClose(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
	require.Len(t, rec.closes, 1)
	assert.Equal(t, 0, rec.closes[0].code)
	assert.Equal(t, "connection reset by peer", rec.closes[0].reason)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}
