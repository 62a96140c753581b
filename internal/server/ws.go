package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/engine"
	"github.com/lazypower/crystal/internal/identity"
	"github.com/lazypower/crystal/internal/metrics"
	"github.com/lazypower/crystal/internal/presence"
	"github.com/lazypower/crystal/internal/realtime"
	"github.com/lazypower/crystal/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 4096
	sendBufferSize = 64
	minExpiryDelay = 50 * time.Millisecond
)

// Frame ops and types.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"

	FrameSnapshot = "snapshot"
	FrameError    = "error"
)

// ClientFrame is sent by websocket clients. ID names the subscription and
// defaults to the topic.
type ClientFrame struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
	ID    string `json:"id,omitempty"`
}

// ServerFrame carries a snapshot of a topic, or an error for a frame.
type ServerFrame struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

// wsConn is one websocket connection. It owns a realtime.Surface; closing
// the connection tears down every subscription made through it.
type wsConn struct {
	id      string
	s       *Server
	conn    *websocket.Conn
	sess    identity.Session
	surface *realtime.Surface
	send    chan []byte
	log     zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		s:    s,
		conn: conn,
		sess: sess,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	c.log = s.log.With().Str("conn", c.id).Str("user", sess.UserID).Logger()
	c.surface = realtime.NewSurface(c.attachPresence)

	metrics.WebsocketConnections.Inc()
	c.log.Debug().Msg("websocket connected")

	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.surface.Close()
		c.conn.Close()
		metrics.WebsocketConnections.Dec()
		c.log.Debug().Msg("websocket closed")
	})
}

func (c *wsConn) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read")
			}
			return
		}

		var f ClientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.fail("", "", apperr.Validation("invalid frame"))
			continue
		}
		key := f.ID
		if key == "" {
			key = f.Topic
		}

		switch f.Op {
		case OpSubscribe:
			if err := c.subscribe(key, f.Topic); err != nil {
				c.fail(f.Topic, f.ID, err)
			}
		case OpUnsubscribe:
			c.surface.Remove(key)
		default:
			c.fail(f.Topic, f.ID, apperr.Validation("unknown op "+f.Op))
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case b := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue hands a frame to the writer. A client that cannot keep up with
// its send buffer is disconnected.
func (c *wsConn) enqueue(f ServerFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.log.Error().Err(err).Str("topic", f.Topic).Msg("encode frame")
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
		c.log.Warn().Msg("websocket send buffer full, disconnecting")
		c.close()
	}
}

func (c *wsConn) snapshot(topic, id string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("encode snapshot")
		return
	}
	c.enqueue(ServerFrame{Type: FrameSnapshot, Topic: topic, ID: id, Data: data})
}

func (c *wsConn) fail(topic, id string, err error) {
	code := apperr.CodeOf(err)
	msg := "internal error"
	var ae *apperr.AppError
	if errors.As(err, &ae) && code != apperr.CodeInternal {
		msg = ae.Message
	}
	c.enqueue(ServerFrame{Type: FrameError, Topic: topic, ID: id, Error: msg, Code: string(code)})
}

// subscribe attaches topic under key after authorising the caller for it.
func (c *wsConn) subscribe(key, topic string) error {
	kind, target, err := realtime.ParseTopic(topic)
	if err != nil {
		return apperr.Validation(err.Error())
	}
	if key == "" {
		return apperr.Validation("subscription id required")
	}

	hub := c.s.hub
	eng := c.s.engine
	user := c.sess.UserID
	id := key
	if id == topic {
		id = ""
	}

	// Callbacks read sub, so delivery starts only once it is registered.
	var sub *realtime.Subscription
	switch kind {
	case realtime.KindConversationList:
		if target != user {
			return apperr.Permission("cannot watch another user's conversations")
		}
		sub = realtime.PrepareWatch(hub, topic,
			func(ctx context.Context) ([]engine.ConversationView, error) {
				return eng.ListForUser(ctx, user)
			},
			func(views []engine.ConversationView) {
				others := make([]string, 0, len(views))
				for _, v := range views {
					others = append(others, v.Other.UserID)
				}
				c.surface.SetPresenceTargets(key, sub, others)
				c.snapshot(topic, id, map[string]any{"conversations": views})
			})

	case realtime.KindNotifications:
		if target != user {
			return apperr.Permission("cannot watch another user's notifications")
		}
		sub = realtime.PrepareWatch(hub, topic,
			func(ctx context.Context) ([]store.Notification, error) {
				return eng.Notifications(ctx, user, 50)
			},
			func(list []store.Notification) {
				c.snapshot(topic, id, map[string]any{"notifications": list})
			})

	case realtime.KindConversation:
		if _, err := eng.Conversation(context.Background(), target, user); err != nil {
			return err
		}
		sub = realtime.PrepareWatch(hub, topic,
			func(ctx context.Context) (*engine.ConversationView, error) {
				return eng.Conversation(ctx, target, user)
			},
			func(v *engine.ConversationView) {
				c.surface.SetPresenceTargets(key, sub, []string{v.Other.UserID})
				c.snapshot(topic, id, v)
			})

	case realtime.KindMessages:
		if _, err := eng.Conversation(context.Background(), target, user); err != nil {
			return err
		}
		sub = realtime.PrepareWatch(hub, topic,
			func(ctx context.Context) ([]store.Message, error) {
				return eng.Messages(ctx, target, user)
			},
			func(msgs []store.Message) {
				c.snapshot(topic, id, map[string]any{"messages": msgs})
			})

	case realtime.KindPresence:
		sub = c.watchPresence(target, id)
	}

	c.surface.Add(key, sub)
	sub.Start()
	return nil
}

// attachPresence is the surface's presence attach function. Snapshots of
// auto-attached targets carry no subscription id.
func (c *wsConn) attachPresence(target string) *realtime.Subscription {
	return c.watchPresence(target, "")
}

// watchPresence delivers presence snapshots for target and re-publishes
// its topic when an online status would lapse, so the offline state is
// pushed without another heartbeat.
func (c *wsConn) watchPresence(target, id string) *realtime.Subscription {
	topic := realtime.PresenceTopic(target)
	tracker := c.s.presence
	hub := c.s.hub
	timerKey := "presence-expiry/" + target
	if id != "" {
		timerKey += "/" + id
	}

	return realtime.Watch(hub, topic,
		func(ctx context.Context) (presence.Status, error) {
			return tracker.Status(ctx, target)
		},
		func(st presence.Status) {
			if st.Online && st.ExpiresAt != nil {
				until := max(time.UnixMilli(*st.ExpiresAt).Sub(tracker.Now()), minExpiryDelay)
				c.surface.AfterFunc(timerKey, until, func() { hub.Publish(topic) })
			} else {
				c.surface.StopTimer(timerKey)
			}
			c.snapshot(topic, id, st)
		})
}
