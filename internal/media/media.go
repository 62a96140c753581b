// Package media stores message attachments and profile pictures.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/config"
)

// Store is a blob backend.
type Store interface {
	// Put writes body under key and returns its public URL.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// Upload describes a stored blob.
type Upload struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Uploader validates uploads and hands them to a Store.
type Uploader struct {
	store    Store
	maxBytes int64
	log      zerolog.Logger
}

// NewUploader wraps store. maxBytes <= 0 disables the size limit.
func NewUploader(store Store, maxBytes int64, log zerolog.Logger) *Uploader {
	return &Uploader{
		store:    store,
		maxBytes: maxBytes,
		log:      log.With().Str("component", "media").Logger(),
	}
}

// New builds the uploader for the configured backend.
func New(ctx context.Context, cfg config.MediaConfig, log zerolog.Logger) (*Uploader, *LocalStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "s3":
		s, err := NewS3Store(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return NewUploader(s, cfg.MaxBytes, log), nil, nil
	case "local", "":
		s, err := NewLocalStore(cfg.LocalPath, cfg.BaseURL)
		if err != nil {
			return nil, nil, err
		}
		return NewUploader(s, cfg.MaxBytes, log), s, nil
	default:
		return nil, nil, fmt.Errorf("unknown media backend %q", cfg.Backend)
	}
}

// Health reports whether the backend can take uploads. Backends without a
// health check are assumed reachable.
func (u *Uploader) Health(ctx context.Context) error {
	if h, ok := u.store.(interface{ Health(context.Context) error }); ok {
		return h.Health(ctx)
	}
	return nil
}

// Accepted reports whether a detected content type may be stored.
func Accepted(contentType string) bool {
	return strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/")
}

// Upload stores the content of r on behalf of ownerID. The content type is
// sniffed from the bytes, never taken from the caller.
func (u *Uploader) Upload(ctx context.Context, ownerID string, r io.Reader) (*Upload, error) {
	src := r
	if u.maxBytes > 0 {
		src = io.LimitReader(r, u.maxBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, apperr.Validation("upload is empty")
	}
	if u.maxBytes > 0 && int64(len(data)) > u.maxBytes {
		return nil, apperr.Validation(fmt.Sprintf("upload exceeds %d bytes", u.maxBytes))
	}

	mt := mimetype.Detect(data)
	contentType := mt.String()
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if !Accepted(contentType) {
		return nil, apperr.Validation(fmt.Sprintf("unsupported media type %s", contentType))
	}

	key := fmt.Sprintf("%s/%s%s", ownerID, strings.ToLower(ulid.Make().String()), mt.Extension())
	url, err := u.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		u.log.Error().Err(err).Str("key", key).Msg("media put failed")
		return nil, apperr.Transient("store media", err)
	}

	u.log.Debug().Str("key", key).Str("type", contentType).Int("size", len(data)).Msg("media stored")
	return &Upload{URL: url, ContentType: contentType, Size: int64(len(data))}, nil
}
