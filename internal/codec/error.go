package codec

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
)

// WriteError writes the {"error":{"detail":...}} envelope.
func WriteError(w http.ResponseWriter, status int, detail string) {
	if strings.TrimSpace(detail) == "" {
		detail = http.StatusText(status)
	}
	slog.Error("request failed", "status", status, "error", detail)
	WriteJSON(w, status, types.ErrorResponse{Error: types.ErrorDetail{Detail: detail}})
}

// WriteAppError translates err at the boundary: the status and text come
// from its apperr classification, the full cause only goes to the log.
func WriteAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	attrs := []any{"status", status, "error", err}
	var e *apperr.Error
	if errors.As(err, &e) {
		attrs = append(attrs, "code", string(e.Code))
		if e.Status != 0 {
			attrs = append(attrs, "upstream_status", e.Status)
		}
	}
	slog.Error("request failed", attrs...)
	WriteJSON(w, status, types.ErrorResponse{Error: types.ErrorDetail{Detail: apperr.UserMessage(err)}})
}
