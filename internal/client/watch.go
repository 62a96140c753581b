package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lazypower/crystal/internal/server"
)

// Watch is a live websocket connection delivering topic snapshots.
type Watch struct {
	conn   *websocket.Conn
	frames chan server.ServerFrame

	writeMu   sync.Mutex
	closeOnce sync.Once
	err       error
}

// Watch dials the server's websocket endpoint.
func (c *Client) Watch(ctx context.Context) (*Watch, error) {
	u := c.serverURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	header := http.Header{}
	c.authorize(header)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u+"/api/ws", header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	w := &Watch{conn: conn, frames: make(chan server.ServerFrame, 16)}
	go w.readLoop()
	return w, nil
}

// Frames delivers server frames until the connection ends, then closes.
func (w *Watch) Frames() <-chan server.ServerFrame { return w.frames }

// Err returns why the frame channel closed.
func (w *Watch) Err() error { return w.err }

// Subscribe asks for snapshots of topic under id (defaults to topic).
func (w *Watch) Subscribe(topic, id string) error {
	return w.write(server.ClientFrame{Op: server.OpSubscribe, Topic: topic, ID: id})
}

// Unsubscribe stops the subscription named id.
func (w *Watch) Unsubscribe(id string) error {
	return w.write(server.ClientFrame{Op: server.OpUnsubscribe, ID: id})
}

// Close ends the connection.
func (w *Watch) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *Watch) write(f server.ClientFrame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(f)
}

func (w *Watch) readLoop() {
	defer close(w.frames)
	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				w.err = err
			}
			return
		}
		var f server.ServerFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			w.err = fmt.Errorf("decode frame: %w", err)
			return
		}
		w.frames <- f
	}
}
