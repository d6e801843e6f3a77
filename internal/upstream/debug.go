package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
)

var debugOutput io.Writer = os.Stderr

func (c *Client) dumpUpstreamRequest(req *http.Request, body []byte) {
	if c == nil || !c.Debug || req == nil {
		return
	}
	headerDump, err := httputil.DumpRequestOut(req, false)
	if err != nil {
		slog.Error("upstream.request.dump.failed", "error", err)
		return
	}
	c.writeDebugDumpBlock("UPSTREAM REQUEST", append(redactAuth(headerDump), body...))
}

// dumpUpstreamResponse writes the response headers and tees the body to the
// debug output as the caller reads it. For streams only the terminal "end"
// events are echoed, which keeps token floods out of the dump.
func (c *Client) dumpUpstreamResponse(resp *http.Response, streaming bool) {
	if c == nil || !c.Debug || resp == nil {
		return
	}

	headerDump, err := httputil.DumpResponse(resp, false)
	if err != nil {
		slog.Error("upstream.response.dump.failed", "error", err)
	} else {
		c.writeDebugDumpBlock("UPSTREAM RESPONSE", headerDump)
	}

	if resp.Body != nil {
		title := fmt.Sprintf("UPSTREAM RESPONSE BODY status=%d", resp.StatusCode)
		c.writeDebugDumpBoundary(title, true)
		resp.Body = &debugDumpReadCloser{
			src:     resp.Body,
			client:  c,
			title:   title,
			endOnly: streaming,
		}
	}
}

func (c *Client) writeDebugDumpBlock(title string, data []byte) {
	c.writeDebugDumpBoundary(title, true)
	if len(data) > 0 {
		c.writeDebugDumpChunk(data)
		if data[len(data)-1] != '\n' {
			c.writeDebugDumpChunk([]byte("\n"))
		}
	}
	c.writeDebugDumpBoundary(title, false)
}

func (c *Client) writeDebugDumpBoundary(title string, begin bool) {
	kind := "END"
	if begin {
		kind = "BEGIN"
	}
	c.writeDebugDumpChunk([]byte("===== " + strings.TrimSpace(title) + " " + kind + " =====\n"))
}

func (c *Client) writeDebugDumpChunk(data []byte) {
	if c == nil || len(data) == 0 {
		return
	}
	c.dumpMu.Lock()
	defer c.dumpMu.Unlock()
	if _, err := debugOutput.Write(data); err != nil {
		slog.Error("upstream.dump.write.failed", "error", err)
	}
}

// redactAuth masks credential headers in a request dump.
func redactAuth(dump []byte) []byte {
	lines := bytes.Split(dump, []byte("\r\n"))
	for i, line := range lines {
		lower := bytes.ToLower(line)
		if bytes.HasPrefix(lower, []byte("authorization:")) || bytes.HasPrefix(lower, []byte("x-api-key:")) {
			name, _, _ := bytes.Cut(line, []byte(":"))
			lines[i] = append(append([]byte{}, name...), []byte(": [redacted]")...)
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}

type debugDumpReadCloser struct {
	src      io.ReadCloser
	client   *Client
	title    string
	closed   bool
	lastByte byte
	hasData  bool
	endOnly  bool
	lineBuf  []byte
}

func (d *debugDumpReadCloser) Read(p []byte) (int, error) {
	if d == nil || d.src == nil {
		return 0, io.EOF
	}
	n, err := d.src.Read(p)
	if n > 0 {
		chunk := p[:n]
		if d.endOnly {
			d.lineBuf = append(d.lineBuf, chunk...)
			d.flushLines(false)
		} else {
			d.writeRawChunk(chunk)
		}
	}
	if errors.Is(err, io.EOF) {
		d.flushLines(true)
		d.finish()
	}
	return n, err
}

func (d *debugDumpReadCloser) Close() error {
	if d == nil || d.src == nil {
		return nil
	}
	err := d.src.Close()
	d.finish()
	return err
}

func (d *debugDumpReadCloser) finish() {
	if d == nil || d.closed {
		return
	}
	d.closed = true
	if d.client == nil {
		return
	}
	if d.hasData && d.lastByte != '\n' {
		d.client.writeDebugDumpChunk([]byte("\n"))
	}
	d.client.writeDebugDumpBoundary(d.title, false)
}

func (d *debugDumpReadCloser) flushLines(final bool) {
	for {
		idx := bytes.IndexByte(d.lineBuf, '\n')
		if idx < 0 {
			break
		}
		d.handleLine(d.lineBuf[:idx])
		d.lineBuf = d.lineBuf[idx+1:]
	}
	if final && len(d.lineBuf) > 0 {
		d.handleLine(d.lineBuf)
		d.lineBuf = nil
	}
}

func (d *debugDumpReadCloser) handleLine(raw []byte) {
	line := bytes.TrimSpace(raw)
	line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if len(line) == 0 {
		return
	}
	var obj struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(line, &obj); err != nil || obj.Event != "end" {
		return
	}
	d.writeRawChunk(append(append([]byte{}, line...), '\n'))
}

func (d *debugDumpReadCloser) writeRawChunk(chunk []byte) {
	if d == nil || len(chunk) == 0 {
		return
	}
	d.hasData = true
	d.lastByte = chunk[len(chunk)-1]
	if d.client != nil {
		d.client.writeDebugDumpChunk(chunk)
	}
}
