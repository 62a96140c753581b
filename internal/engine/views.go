package engine

import (
	"context"
	"time"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/decay"
	"github.com/lazypower/crystal/internal/store"
)

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	ID          string             `json:"id"`
	Other       store.Participant  `json:"other"`
	LastMessage *store.LastMessage `json:"last_message,omitempty"`
	LastReadAt  *int64             `json:"last_read_at,omitempty"`
	Unread      int                `json:"unread"`
	Crystal     *decay.Crystal     `json:"crystal,omitempty"`
	CreatedAt   int64              `json:"created_at"`
	UpdatedAt   int64              `json:"updated_at"`
}

func (e *Engine) view(ctx context.Context, c *store.Conversation, viewer string, now time.Time) (ConversationView, error) {
	self := c.Participant(viewer)
	other := c.Other(viewer)
	if self == nil || other == nil {
		return ConversationView{}, apperr.Permission("not a participant of this conversation")
	}

	unread, err := e.DB.UnreadCount(ctx, c.ID, viewer)
	if err != nil {
		return ConversationView{}, apperr.Transient("count unread", err)
	}

	v := ConversationView{
		ID:          c.ID,
		Other:       *other,
		LastMessage: c.LastMessage,
		LastReadAt:  self.LastReadAt,
		Unread:      unread,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	if c.Relationship != nil {
		crystal := decay.Evaluate(c.Relationship.Seed(), now)
		v.Crystal = &crystal
	}
	return v, nil
}

// ListForUser returns userID's conversations, most recently active first,
// each with its crystal evaluated now.
func (e *Engine) ListForUser(ctx context.Context, userID string) ([]ConversationView, error) {
	convs, err := e.DB.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Transient("list conversations", err)
	}

	now := e.clock()
	views := make([]ConversationView, 0, len(convs))
	for i := range convs {
		v, err := e.view(ctx, &convs[i], userID, now)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// Conversation returns one conversation as seen by viewer.
func (e *Engine) Conversation(ctx context.Context, convID, viewer string) (*ConversationView, error) {
	c, err := e.member(ctx, convID, viewer)
	if err != nil {
		return nil, err
	}
	v, err := e.view(ctx, c, viewer, e.clock())
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Messages returns the full log of a conversation, oldest first.
func (e *Engine) Messages(ctx context.Context, convID, viewer string) ([]store.Message, error) {
	if _, err := e.member(ctx, convID, viewer); err != nil {
		return nil, err
	}
	msgs, err := e.DB.ListMessages(ctx, convID)
	if err != nil {
		return nil, apperr.Transient("list messages", err)
	}
	return msgs, nil
}

// Crystal evaluates the relationship of a conversation now. Returns nil
// when the pair has never exchanged a message.
func (e *Engine) Crystal(ctx context.Context, convID, viewer string) (*decay.Crystal, error) {
	c, err := e.member(ctx, convID, viewer)
	if err != nil {
		return nil, err
	}
	if c.Relationship == nil {
		return nil, nil
	}
	crystal := decay.Evaluate(c.Relationship.Seed(), e.clock())
	return &crystal, nil
}
