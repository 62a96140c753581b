package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/crystal/internal/engine"
	"github.com/lazypower/crystal/internal/identity"
	"github.com/lazypower/crystal/internal/presence"
	"github.com/lazypower/crystal/internal/realtime"
)

func dialWS(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	header := http.Header{}
	header.Set(identity.HeaderUserID, user)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// nextFrame reads frames until one matches, failing after a deadline.
func nextFrame(t *testing.T, conn *websocket.Conn, match func(ServerFrame) bool) ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f ServerFrame
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &f))
		if match(f) {
			return f
		}
	}
}

func onTopic(topic string) func(ServerFrame) bool {
	return func(f ServerFrame) bool { return f.Topic == topic }
}

func TestWSListSnapshotsFollowSends(t *testing.T) {
	srv := testServer(t)
	id := setupPair(t, srv)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialWS(t, ts, "bob")
	topic := realtime.ConversationListTopic("bob")
	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpSubscribe, Topic: topic}))

	f := nextFrame(t, conn, onTopic(topic))
	assert.Equal(t, FrameSnapshot, f.Type)

	w := call(t, srv, "POST", "/api/conversations/"+id+"/messages", "alice", map[string]string{"text": "over the wire"})
	require.Equal(t, http.StatusCreated, w.Code)

	f = nextFrame(t, conn, func(f ServerFrame) bool {
		return f.Topic == topic && strings.Contains(string(f.Data), "over the wire")
	})
	var body struct {
		Conversations []engine.ConversationView `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &body))
	require.Len(t, body.Conversations, 1)
	assert.Equal(t, 1, body.Conversations[0].Unread)
}

func TestWSListAttachesPresence(t *testing.T) {
	srv := testServer(t)
	setupPair(t, srv)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialWS(t, ts, "bob")
	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpSubscribe, Topic: realtime.ConversationListTopic("bob")}))

	topic := realtime.PresenceTopic("alice")
	f := nextFrame(t, conn, onTopic(topic))
	var st presence.Status
	require.NoError(t, json.Unmarshal(f.Data, &st))
	assert.False(t, st.Online)

	w := call(t, srv, "POST", "/api/presence/heartbeat", "alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	f = nextFrame(t, conn, func(f ServerFrame) bool {
		return f.Topic == topic && strings.Contains(string(f.Data), `"online":true`)
	})
	require.NoError(t, json.Unmarshal(f.Data, &st))
	assert.True(t, st.Online)
}

func TestWSSubscribeAuthorization(t *testing.T) {
	srv := testServer(t)
	id := setupPair(t, srv)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialWS(t, ts, "carol")

	tests := []struct {
		topic string
		code  string
	}{
		{realtime.ConversationListTopic("bob"), "PERMISSION_DENIED"},
		{realtime.NotificationsTopic("alice"), "PERMISSION_DENIED"},
		{realtime.MessagesTopic(id), "PERMISSION_DENIED"},
		{realtime.ConversationTopic("alice_zed"), "NOT_FOUND"},
		{"bogus/x", "VALIDATION"},
	}
	for _, tt := range tests {
		require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpSubscribe, Topic: tt.topic, ID: "s1"}))
		f := nextFrame(t, conn, func(f ServerFrame) bool { return f.Type == FrameError })
		assert.Equal(t, tt.topic, f.Topic)
		assert.Equal(t, "s1", f.ID)
		assert.Equal(t, tt.code, f.Code, tt.topic)
	}
}

func TestWSUnsubscribeStopsSnapshots(t *testing.T) {
	srv := testServer(t)
	id := setupPair(t, srv)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialWS(t, ts, "alice")
	topic := realtime.MessagesTopic(id)
	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpSubscribe, Topic: topic, ID: "thread"}))
	f := nextFrame(t, conn, onTopic(topic))
	assert.Equal(t, "thread", f.ID)

	require.Eventually(t, func() bool { return srv.hub.Count(topic) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpUnsubscribe, ID: "thread"}))
	require.Eventually(t, func() bool { return srv.hub.Count(topic) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWSCloseReleasesSubscriptions(t *testing.T) {
	srv := testServer(t)
	id := setupPair(t, srv)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialWS(t, ts, "alice")
	topic := realtime.ConversationTopic(id)
	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpSubscribe, Topic: topic}))
	nextFrame(t, conn, onTopic(topic))
	require.Eventually(t, func() bool {
		return srv.hub.Count(realtime.PresenceTopic("bob")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return srv.hub.Count(topic) == 0 && srv.hub.Count(realtime.PresenceTopic("bob")) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
