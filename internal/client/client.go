// Package client talks to a crystal server over HTTP and websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/config"
	"github.com/lazypower/crystal/internal/engine"
	"github.com/lazypower/crystal/internal/identity"
	"github.com/lazypower/crystal/internal/media"
	"github.com/lazypower/crystal/internal/presence"
	"github.com/lazypower/crystal/internal/store"
)

const (
	defaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 10 * time.Second
)

// Client talks to the crystal server as one user.
type Client struct {
	http      *http.Client
	serverURL string
	token     string
	userID    string
}

// New creates a client. A token, when set, wins over the user id header.
func New(cfg config.ClientConfig) *Client {
	u := cfg.ServerURL
	if u == "" {
		u = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: u,
		token:     cfg.Token,
		userID:    cfg.UserID,
	}
}

// UserID returns the user the client acts as, when known.
func (c *Client) UserID() string { return c.userID }

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	} else if c.userID != "" {
		h.Set(identity.HeaderUserID, c.userID)
	}
}

// do sends a request and decodes a JSON response into out (if non-nil).
// Error responses come back as coded errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	return c.send(ctx, method, path, "application/json", rd, out)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transient(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Transient(fmt.Sprintf("read response %s", path), err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return apperr.New(apperr.CodeInternal, fmt.Sprintf("status %d: %s", status, data))
	}
	return apperr.New(apperr.Code(body.Code), body.Error)
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

// Me returns the caller's profile.
func (c *Client) Me(ctx context.Context) (*store.Profile, error) {
	var p store.Profile
	if err := c.do(ctx, http.MethodGet, "/api/profile", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile replaces the caller's profile.
func (c *Client) UpdateProfile(ctx context.Context, upd engine.ProfileUpdate) (*store.Profile, error) {
	var p store.Profile
	if err := c.do(ctx, http.MethodPut, "/api/profile", upd, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UserView is another user's profile with their presence.
type UserView struct {
	Profile  store.Profile   `json:"profile"`
	Presence presence.Status `json:"presence"`
}

// User returns userID's profile and presence.
func (c *Client) User(ctx context.Context, userID string) (*UserView, error) {
	var v UserView
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Heartbeat marks the caller online.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/presence/heartbeat", nil, nil)
}

// Presence returns userID's presence.
func (c *Client) Presence(ctx context.Context, userID string) (*presence.Status, error) {
	var st presence.Status
	if err := c.do(ctx, http.MethodGet, "/api/presence/"+url.PathEscape(userID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Conversations lists the caller's conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]engine.ConversationView, error) {
	var body struct {
		Conversations []engine.ConversationView `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &body); err != nil {
		return nil, err
	}
	return body.Conversations, nil
}

// Open ensures the conversation with userID.
func (c *Client) Open(ctx context.Context, userID string) (*engine.ConversationView, error) {
	var v engine.ConversationView
	if err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]string{"user_id": userID}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Conversation returns one conversation.
func (c *Client) Conversation(ctx context.Context, convID string) (*engine.ConversationView, error) {
	var v engine.ConversationView
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(convID), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Messages returns a conversation's messages, oldest first.
func (c *Client) Messages(ctx context.Context, convID string) ([]store.Message, error) {
	var body struct {
		Messages []store.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(convID)+"/messages", nil, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

// SendMessage appends a message to convID.
func (c *Client) SendMessage(ctx context.Context, convID, text, attachmentURL string) (*engine.SendResult, error) {
	req := map[string]string{"text": text, "attachment_url": attachmentURL}
	var res engine.SendResult
	if err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(convID)+"/messages", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteMessage deletes one of the caller's messages.
func (c *Client) DeleteMessage(ctx context.Context, convID, msgID string) error {
	path := "/api/conversations/" + url.PathEscape(convID) + "/messages/" + url.PathEscape(msgID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// MarkRead advances the caller's read cursor. upto 0 means now.
func (c *Client) MarkRead(ctx context.Context, convID string, upto int64) (bool, error) {
	var body struct {
		Advanced bool `json:"advanced"`
	}
	req := map[string]int64{"upto": upto}
	if err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(convID)+"/read", req, &body); err != nil {
		return false, err
	}
	return body.Advanced, nil
}

// Inbox is the caller's notification list.
type Inbox struct {
	Notifications []store.Notification `json:"notifications"`
	Unread        int                  `json:"unread"`
}

// Notifications returns up to limit notifications, newest first.
func (c *Client) Notifications(ctx context.Context, limit int) (*Inbox, error) {
	path := "/api/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var in Inbox
	if err := c.do(ctx, http.MethodGet, path, nil, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// MarkNotificationsRead marks every notification read.
func (c *Client) MarkNotificationsRead(ctx context.Context) (int64, error) {
	var body struct {
		Marked int64 `json:"marked"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/notifications/read", nil, &body); err != nil {
		return 0, err
	}
	return body.Marked, nil
}

// Upload stores an image or video and returns its URL.
func (c *Client) Upload(ctx context.Context, r io.Reader) (*media.Upload, error) {
	var up media.Upload
	if err := c.send(ctx, http.MethodPost, "/api/media", "application/octet-stream", r, &up); err != nil {
		return nil, err
	}
	return &up, nil
}
