// Package sse writes the outbound Server-Sent-Events protocol: one
// "data: <json>\n\n" frame per event and a literal "data: [DONE]" terminator.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/emojumpRepo/worldseek-studio/internal/types"
)

// ErrClosed is returned by writes after the [DONE] frame.
var ErrClosed = errors.New("sse: stream already terminated")

// WriteHeaders commits an event-stream response with status 200.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// Writer emits frames in call order and flushes after each one. It is not
// safe for concurrent use; one relay owns one Writer.
type Writer struct {
	out     io.Writer
	flusher http.Flusher
	frames  int
	done    bool
}

// NewWriter wraps w. Flushing is skipped when w does not implement http.Flusher.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{out: w, flusher: f}
}

// WriteJSON marshals v into one data frame.
func (w *Writer) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("sse.marshal.failed", "error", err)
		return err
	}
	return w.writeFrame(data)
}

// WriteError emits an in-band {"error":{"detail":...}} frame.
func (w *Writer) WriteError(detail string) error {
	return w.WriteJSON(types.ErrorResponse{Error: types.ErrorDetail{Detail: detail}})
}

// WriteDone emits the terminal [DONE] frame. Only the first call writes.
func (w *Writer) WriteDone() error {
	if w.done {
		return nil
	}
	err := w.writeFrame([]byte("[DONE]"))
	w.done = true
	return err
}

// Done reports whether the terminator has been written.
func (w *Writer) Done() bool { return w.done }

// Frames counts data frames written so far, [DONE] included.
func (w *Writer) Frames() int { return w.frames }

func (w *Writer) writeFrame(data []byte) error {
	if w.done {
		return ErrClosed
	}
	if _, err := fmt.Fprintf(w.out, "data: %s\n\n", data); err != nil {
		return err
	}
	w.frames++
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
