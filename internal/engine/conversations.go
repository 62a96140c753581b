package engine

import (
	"context"
	"time"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/decay"
	"github.com/lazypower/crystal/internal/identity"
	"github.com/lazypower/crystal/internal/metrics"
	"github.com/lazypower/crystal/internal/realtime"
	"github.com/lazypower/crystal/internal/store"
)

// Ensure returns the conversation between a and b, creating it if needed.
// Argument order does not matter and concurrent calls create one row.
func (e *Engine) Ensure(ctx context.Context, a, b string) (*store.Conversation, error) {
	if _, err := store.CanonicalID(a, b); err != nil {
		return nil, err
	}
	pa, err := e.Profile(ctx, a)
	if err != nil {
		return nil, err
	}
	pb, err := e.Profile(ctx, b)
	if err != nil {
		return nil, err
	}

	var conv *store.Conversation
	var created bool
	now := e.clock().UnixMilli()
	err = e.DB.WithTx(ctx, func(tx *store.Tx) error {
		id, ok, err := tx.EnsureConversation(ctx,
			store.Participant{UserID: pa.UserID, Username: pa.Username, AvatarURL: pa.AvatarURL},
			store.Participant{UserID: pb.UserID, Username: pb.Username, AvatarURL: pb.AvatarURL},
			now)
		if err != nil {
			return err
		}
		created = ok
		conv, err = tx.GetConversation(ctx, id)
		return err
	})
	if err != nil {
		return nil, failed("ensure", err)
	}

	if created {
		metrics.ConversationsCreated.Inc()
		e.log.Info().Str("conversation", conv.ID).Msg("conversation created")
		e.publish(conversationTopics(conv)...)
	}
	return conv, nil
}

// Open ensures the conversation between the caller and targetID and moves
// it to the top of both lists.
func (e *Engine) Open(ctx context.Context, sess identity.Session, targetID string) (*ConversationView, error) {
	if err := e.ensureProfile(ctx, sess); err != nil {
		return nil, err
	}
	conv, err := e.Ensure(ctx, sess.UserID, targetID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	err = e.DB.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.TouchConversation(ctx, conv.ID, now.UnixMilli()); err != nil {
			return err
		}
		conv, err = tx.GetConversation(ctx, conv.ID)
		return err
	})
	if err != nil {
		return nil, failed("open", err)
	}
	e.publish(conversationTopics(conv)...)

	v, err := e.view(ctx, conv, sess.UserID, now)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SendResult is the committed outcome of a send.
type SendResult struct {
	Message store.Message `json:"message"`
	Crystal decay.Crystal `json:"crystal"`
	Change  decay.Change  `json:"change"`
}

// SendMessage appends a message and, in the same transaction, updates the
// conversation tail, the relationship seed and the recipient's
// notifications. Nothing is visible unless all of it commits.
func (e *Engine) SendMessage(ctx context.Context, sess identity.Session, convID, text, attachmentURL string) (*SendResult, error) {
	conv, err := e.member(ctx, convID, sess.UserID)
	if err != nil {
		return nil, err
	}
	recipient := conv.Other(sess.UserID).UserID

	now := e.clock()
	var res SendResult
	err = e.DB.WithTx(ctx, func(tx *store.Tx) error {
		m, err := tx.AppendMessage(ctx, convID, sess.UserID, text, attachmentURL, now.UnixMilli())
		if err != nil {
			return err
		}
		if err := tx.SetLastMessage(ctx, convID, m); err != nil {
			return err
		}

		// Re-read inside the transaction so the seed reflects every
		// committed send.
		current, err := tx.GetConversation(ctx, convID)
		if err != nil {
			return err
		}
		var prev *decay.Seed
		if current.Relationship != nil {
			s := current.Relationship.Seed()
			prev = &s
		}
		at := time.UnixMilli(m.CreatedAt).In(e.loc)
		seed, change := decay.Interact(prev, at)
		if err := tx.PutRelationship(ctx, store.RelationshipFromSeed(convID, seed)); err != nil {
			return err
		}

		if err := tx.AddNotification(ctx, &store.Notification{
			RecipientID:    recipient,
			ActorID:        sess.UserID,
			Type:           store.NotifyNewMessage,
			ConversationID: convID,
			Text:           preview(text),
			CreatedAt:      m.CreatedAt,
		}); err != nil {
			return err
		}
		if change.Celebrate() {
			if err := tx.AddNotification(ctx, &store.Notification{
				RecipientID:    recipient,
				ActorID:        sess.UserID,
				Type:           store.NotifyMilestone,
				ConversationID: convID,
				Level:          string(change.To),
				CreatedAt:      m.CreatedAt,
			}); err != nil {
				return err
			}
		}

		res = SendResult{Message: *m, Crystal: decay.Evaluate(seed, at), Change: change}
		return nil
	})
	if err != nil {
		e.log.Warn().Err(err).Str("conversation", convID).Msg("send rolled back")
		return nil, failed("send", err)
	}

	metrics.MessagesSent.Inc()
	if res.Change.Changed() {
		from := string(res.Change.From)
		if res.Change.First {
			from = "none"
		}
		metrics.RecordTransition(from, string(res.Change.To))
	}
	e.rememberLevel(convID, res.Crystal.Level)

	topics := append(conversationTopics(conv),
		realtime.MessagesTopic(convID),
		realtime.NotificationsTopic(recipient))
	e.publish(topics...)
	return &res, nil
}

// DeleteMessage hard-deletes one of the caller's messages and re-points the
// conversation tail at the newest survivor, or clears it.
func (e *Engine) DeleteMessage(ctx context.Context, sess identity.Session, convID, msgID string) error {
	conv, err := e.member(ctx, convID, sess.UserID)
	if err != nil {
		return err
	}

	err = e.DB.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.DeleteMessage(ctx, convID, msgID, sess.UserID); err != nil {
			return err
		}
		tail, err := tx.LatestMessage(ctx, convID)
		if err != nil {
			return err
		}
		return tx.SetLastMessage(ctx, convID, tail)
	})
	if err != nil {
		return failed("delete", err)
	}

	metrics.MessagesDeleted.Inc()
	e.publish(append(conversationTopics(conv), realtime.MessagesTopic(convID))...)
	return nil
}

// MarkRead advances the caller's read cursor to upto (unix ms). Zero or a
// future upto means now. A cursor already at or past upto is left alone and reports false.
func (e *Engine) MarkRead(ctx context.Context, sess identity.Session, convID string, upto int64) (bool, error) {
	if upto < 0 {
		return false, apperr.Validation("read cursor must not be negative")
	}
	if _, err := e.member(ctx, convID, sess.UserID); err != nil {
		return false, err
	}
	// Cursors never run ahead of the clock.
	if now := e.clock().UnixMilli(); upto == 0 || upto > now {
		upto = now
	}

	advanced, err := e.DB.AdvanceReadCursor(ctx, convID, sess.UserID, upto)
	if err != nil {
		return false, failed("mark_read", err)
	}
	if advanced {
		e.publish(realtime.ConversationTopic(convID), realtime.ConversationListTopic(sess.UserID))
	}
	return advanced, nil
}
