package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes blobs under a directory and serves them over HTTP.
type LocalStore struct {
	root    string
	baseURL string
}

// NewLocalStore creates the store. An empty root defaults to
// ~/.crystal/media and an empty baseURL to "/media".
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		root = filepath.Join(home, ".crystal", "media")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if baseURL == "" {
		baseURL = "/media"
	}
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	clean := filepath.Clean("/" + key)
	path := filepath.Join(s.root, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create media subdir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close media: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("commit media: %w", err)
	}
	return s.baseURL + filepath.ToSlash(clean), nil
}

// Handler serves stored files. Mount it with the base URL prefix stripped.
func (s *LocalStore) Handler() http.Handler {
	return http.FileServer(http.Dir(s.root))
}
