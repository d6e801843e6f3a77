package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/emojumpRepo/worldseek-studio/internal/codec"
)

// maxBodyBytes limits the size of incoming request bodies to prevent memory exhaustion.
const maxBodyBytes = 10 * 1024 * 1024 // 10 MB

func readLimitedRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		codec.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

func parseJSONRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := readLimitedRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		codec.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// redactInbound masks the proxy access token in an inbound request dump.
func redactInbound(dump []byte) []byte {
	lines := bytes.Split(dump, []byte("\r\n"))
	for i, line := range lines {
		if bytes.HasPrefix(bytes.ToLower(line), []byte("authorization:")) {
			name, _, _ := bytes.Cut(line, []byte(":"))
			lines[i] = append(append([]byte{}, name...), []byte(": [redacted]")...)
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}
