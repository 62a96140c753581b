package engine

import (
	"context"
	"fmt"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/identity"
	"github.com/lazypower/crystal/internal/realtime"
	"github.com/lazypower/crystal/internal/store"
)

// Profile returns a user's profile. Lookups are served from an LRU cache
// that UpdateProfile invalidates.
func (e *Engine) Profile(ctx context.Context, userID string) (*store.Profile, error) {
	if v, ok := e.profiles.Get(userID); ok {
		p := v.(store.Profile)
		return &p, nil
	}

	gen := e.profileGeneration(userID)
	p, err := e.DB.GetProfile(ctx, userID)
	if err != nil {
		return nil, apperr.Transient("load profile", err)
	}
	if p == nil {
		return nil, apperr.NotFound(fmt.Sprintf("user %s not found", userID))
	}
	e.cacheProfile(gen, *p)
	return p, nil
}

func (e *Engine) profileGeneration(userID string) uint64 {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return e.profileGen[userID]
}

// cacheProfile stores p unless the profile was invalidated after gen was
// read.
func (e *Engine) cacheProfile(gen uint64, p store.Profile) {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	if e.profileGen[p.UserID] == gen {
		e.profiles.Add(p.UserID, p)
	}
}

func (e *Engine) invalidateProfile(userID string) {
	e.genMu.Lock()
	e.profileGen[userID]++
	e.profiles.Remove(userID)
	e.genMu.Unlock()
}

// UpdateProfile writes the caller's profile and rewrites their display
// snapshot in every conversation they are part of, atomically.
func (e *Engine) UpdateProfile(ctx context.Context, sess identity.Session, upd ProfileUpdate) (*store.Profile, error) {
	if err := store.ValidateUserID(sess.UserID); err != nil {
		return nil, err
	}
	upd, err := validateProfile(upd)
	if err != nil {
		return nil, err
	}

	p := &store.Profile{
		UserID:    sess.UserID,
		Username:  upd.Username,
		AvatarURL: upd.AvatarURL,
		Bio:       upd.Bio,
		IsPrivate: upd.IsPrivate,
	}
	var affected []string
	err = e.DB.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertProfile(ctx, p, e.clock().UnixMilli()); err != nil {
			return err
		}
		affected, err = tx.RefreshParticipantSnapshots(ctx, p.UserID, p.Username, p.AvatarURL)
		return err
	})
	e.invalidateProfile(sess.UserID)
	if err != nil {
		return nil, failed("update_profile", err)
	}

	topics := []string{realtime.ConversationListTopic(sess.UserID)}
	for _, id := range affected {
		topics = append(topics, realtime.ConversationTopic(id))
		if a, b, ok := store.SplitID(id); ok {
			other := a
			if a == sess.UserID {
				other = b
			}
			topics = append(topics, realtime.ConversationListTopic(other))
		}
	}
	e.publish(topics...)

	e.log.Debug().Str("user", sess.UserID).Int("conversations", len(affected)).Msg("profile updated")
	return p, nil
}

// ensureProfile creates a minimal profile for a caller who has none, using
// the display name carried by their session.
func (e *Engine) ensureProfile(ctx context.Context, sess identity.Session) error {
	_, err := e.Profile(ctx, sess.UserID)
	if !apperr.Is(err, apperr.CodeNotFound) {
		return err
	}
	name := sess.Username
	if name == "" {
		name = sess.UserID
	}
	avatar := sess.AvatarURL
	if validateAvatarURL(avatar) != nil {
		avatar = ""
	}
	_, err = e.UpdateProfile(ctx, sess, ProfileUpdate{Username: name, AvatarURL: avatar})
	return err
}

// Notifications returns the newest notifications for userID.
func (e *Engine) Notifications(ctx context.Context, userID string, limit int) ([]store.Notification, error) {
	list, err := e.DB.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Transient("list notifications", err)
	}
	return list, nil
}

// MarkNotificationsRead marks all of userID's notifications read.
func (e *Engine) MarkNotificationsRead(ctx context.Context, userID string) (int64, error) {
	n, err := e.DB.MarkNotificationsRead(ctx, userID, e.clock().UnixMilli())
	if err != nil {
		return 0, failed("mark_notifications", err)
	}
	if n > 0 {
		e.publish(realtime.NotificationsTopic(userID))
	}
	return n, nil
}
