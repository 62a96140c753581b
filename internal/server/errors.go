package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lazypower/crystal/internal/apperr"
)

const maxJSONBody = 64 << 10

// statusFor maps an error code to an HTTP status.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error", "code"}. Server-side failures are
// logged; their cause is not exposed.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)

	msg := err.Error()
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	if status >= 500 {
		log.Error().Err(err).Str("code", string(code)).Msg("request failed")
		if code == apperr.CodeUnknown || code == apperr.CodeInternal {
			msg = "internal error"
			code = apperr.CodeInternal
		}
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody+1))
	if err != nil {
		return apperr.Validation("read body failed")
	}
	if len(body) > maxJSONBody {
		return apperr.Validation("request body too large")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Validation("invalid json")
	}
	return nil
}
