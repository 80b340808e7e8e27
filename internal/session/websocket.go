package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

// NewWebsocketTransport wraps an upgraded connection. A zero readTimeout disables
// the idle deadline.
func NewWebsocketTransport(c *websocket.Conn, readTimeout time.Duration) Transport {
	t := &wsTransport{conn: c, readTimeout: readTimeout, stop: make(chan struct{})}
	c.SetPongHandler(func(string) error {
		t.extendDeadline()
		return nil
	})
	go t.keepalive()
	return t
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	t.extendDeadline()
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stop)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) extendDeadline() {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
}

func (t *wsTransport) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Handler upgrades requests to websocket sessions. Sessions end when base is cancelled.
func (m *Manager) Handler(base context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	readTimeout := time.Duration(m.cfg.ReadTimeoutMS) * time.Millisecond
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Warn("websocket upgrade failed", slogError(err))
			return
		}
		if m.cfg.MaxMessageBytes > 0 {
			c.SetReadLimit(m.cfg.MaxMessageBytes)
		}
		t := NewWebsocketTransport(c, readTimeout)
		defer t.Close()

		if err := m.Serve(base, t, r.RemoteAddr); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Info("websocket session ended", slog.String("client", r.RemoteAddr), slogError(err))
		}
	})
}
