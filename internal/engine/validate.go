package engine

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lazypower/crystal/internal/apperr"
)

// Profile field limits.
const (
	maxUsernameRunes  = 40
	maxBioRunes       = 500
	maxAvatarURLBytes = 2048
	previewRunes      = 140
)

// ProfileUpdate is the caller-editable part of a profile.
type ProfileUpdate struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	Bio       string `json:"bio"`
	IsPrivate bool   `json:"is_private"`
}

// sanitizeUsername trims, collapses runs of whitespace to one space and
// drops control characters.
func sanitizeUsername(name string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

// validateAvatarURL accepts absolute http(s) URLs and local media paths.
func validateAvatarURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > maxAvatarURLBytes {
		return fmt.Errorf("avatar url too long")
	}
	if strings.HasPrefix(raw, "/media/") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("avatar url must be http(s)")
	}
	return nil
}

// validateProfile checks an update and returns a sanitized copy. An
// oversized bio is truncated rather than rejected.
func validateProfile(p ProfileUpdate) (ProfileUpdate, error) {
	p.Username = sanitizeUsername(p.Username)
	if p.Username == "" {
		return p, apperr.Validation("username is required")
	}
	if utf8.RuneCountInString(p.Username) > maxUsernameRunes {
		return p, apperr.Validation(fmt.Sprintf("username exceeds %d characters", maxUsernameRunes))
	}

	p.AvatarURL = strings.TrimSpace(p.AvatarURL)
	if err := validateAvatarURL(p.AvatarURL); err != nil {
		return p, apperr.Validation(err.Error())
	}

	p.Bio = truncateClean(strings.TrimSpace(p.Bio), maxBioRunes)
	return p, nil
}

// truncateClean shortens s to at most maxRunes, cutting at the last word
// boundary when one is close to the limit.
func truncateClean(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}

	runes := []rune(s)[:maxRunes]
	truncated := string(runes)
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > len(truncated)*3/4 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}

// preview is the notification text for a message.
func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	return truncateClean(text, previewRunes-1) + "…"
}
