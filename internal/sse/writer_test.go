package sse

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHeaders(rec)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestWriterFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	require.NoError(t, w.WriteJSON(map[string]string{"content": "hi"}))
	require.NoError(t, w.WriteError("boom"))
	require.NoError(t, w.WriteDone())

	assert.Equal(t,
		"data: {\"content\":\"hi\"}\n\n"+
			"data: {\"error\":{\"detail\":\"boom\"}}\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())
	assert.True(t, rec.Flushed)
	assert.Equal(t, 3, w.Frames())
	assert.True(t, w.Done())
}

func TestWriterRejectsFramesAfterDone(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NoError(t, w.WriteDone())
	require.NoError(t, w.WriteDone())

	assert.ErrorIs(t, w.WriteJSON(map[string]string{"content": "late"}), ErrClosed)
	assert.Equal(t, "data: [DONE]\n\n", rec.Body.String())
}

func TestWriterMarshalFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	assert.Error(t, w.WriteJSON(func() {}))
	assert.Empty(t, rec.Body.String())
	assert.Zero(t, w.Frames())
}
