// Package stream relays one chunked workflow response to a caller as SSE.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
	"github.com/emojumpRepo/worldseek-studio/internal/normalize"
	"github.com/emojumpRepo/worldseek-studio/internal/sse"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
	"github.com/emojumpRepo/worldseek-studio/internal/upstream"
)

const (
	// DefaultFlowID prefixes the id of the completion frame.
	DefaultFlowID = "langflow"
	// DefaultMaxChunkFailures aborts a stream after this many consecutive
	// chunks fail to process.
	DefaultMaxChunkFailures = 50
	// DefaultProgressInterval bounds how often progress is logged.
	DefaultProgressInterval = time.Second

	emptyResponseDetail = "empty response"
	connectionLostText  = "connection to the workflow backend was lost"
)

// Opener starts a streamed upstream call. *upstream.Client implements it.
type Opener interface {
	Open(ctx context.Context, target upstream.Target, payload types.FlowRequest) (*http.Response, error)
}

// Relay drives a single streamed request to termination. It never retries:
// once a byte has reached the caller the call is final.
type Relay struct {
	Client     Opener
	Normalizer *normalize.Normalizer
	// Timeout bounds the whole call, connect included.
	Timeout          time.Duration
	ProgressInterval time.Duration
	FlowID           string
	MaxChunkFailures int
}

// NewRelay creates a Relay with default settings.
func NewRelay(client Opener, timeout time.Duration) *Relay {
	return &Relay{
		Client:           client,
		Normalizer:       normalize.New(),
		Timeout:          timeout,
		ProgressInterval: DefaultProgressInterval,
		FlowID:           DefaultFlowID,
		MaxChunkFailures: DefaultMaxChunkFailures,
	}
}

// run is the state of one Run call.
type run struct {
	relay    *Relay
	norm     *normalize.Normalizer
	w        *sse.Writer
	stats    *Stats
	state    State
	progress rate.Sometimes
	failures int
}

// Run streams target's response into w. It always finishes with exactly one
// [DONE] frame unless the caller's ctx is canceled, in which case it stops
// writing as soon as the cancellation is observed. The returned Stats
// describe the call.
func (r *Relay) Run(ctx context.Context, w *sse.Writer, target upstream.Target, payload types.FlowRequest) *Stats {
	s := &run{
		relay:    r,
		norm:     r.Normalizer,
		w:        w,
		stats:    &Stats{StartTime: time.Now()},
		progress: rate.Sometimes{Interval: r.progressInterval()},
	}
	if s.norm == nil {
		s.norm = normalize.New()
	}
	defer s.finish()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	}
	defer cancel()

	s.transition(StateConnecting)
	resp, err := r.Client.Open(runCtx, target, payload)
	if err != nil {
		if ctx.Err() != nil {
			s.canceled()
			return s.stats
		}
		if errors.Is(err, apperr.ErrTimeout) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			s.fail(r.timeoutDetail(), err)
			return s.stats
		}
		s.fail(apperr.UserMessage(err), err)
		return s.stats
	}
	defer resp.Body.Close()

	s.transition(StateStreaming)
	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			if stop := s.processLine(line); stop {
				return s.stats
			}
		}
		if readErr == nil {
			continue
		}

		switch {
		case ctx.Err() != nil:
			s.canceled()
			return s.stats
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			s.fail(r.timeoutDetail(), readErr)
			return s.stats
		case errors.Is(readErr, io.EOF):
			s.complete()
			return s.stats
		default:
			slog.Warn("stream.read.failed", "error", readErr, "accumulated", s.stats.content.Len())
			if s.stats.content.Len() > 0 {
				// Keep what was received; the caller gets the partial text.
				s.complete()
				return s.stats
			}
			s.fail(connectionLostText, readErr)
			return s.stats
		}
	}
}

// processLine handles one upstream chunk. It reports whether the stream is
// over, either by the upstream's own terminator or by a failure.
func (s *run) processLine(line string) (stop bool) {
	s.stats.ChunkCount++
	s.stats.TotalBytes += int64(len(line))
	s.logProgress()

	events, err := s.normalize(line)
	if err != nil {
		s.failures++
		slog.Warn("stream.chunk.failed", "chunk", s.stats.ChunkCount, "consecutive", s.failures, "error", err)
		if s.failures > s.relay.maxChunkFailures() {
			s.fail("stream processing failed repeatedly", err)
			return true
		}
		return false
	}
	s.failures = 0

	for _, ev := range events {
		switch ev.Kind {
		case normalize.KindToken:
			s.stats.Apply(ev)
			if !s.emit(types.TokenFrame{
				Event: "token",
				Data:  types.TokenData{Chunk: ev.Content, ID: ev.ID, Timestamp: ev.Timestamp},
			}) {
				return true
			}
		case normalize.KindComplete:
			// Carried by the completion frame emitted at close.
			s.stats.Apply(ev)
		case normalize.KindError:
			s.fail(ev.Detail, nil)
			return true
		case normalize.KindDone:
			s.complete()
			return true
		}
	}
	return false
}

// normalize classifies one line, turning a panic in the classifier into a
// per-chunk processing error.
func (s *run) normalize(line string) (events []normalize.Event, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.Wrap(apperr.CodeStreamProcessing, "stream chunk could not be processed", fmt.Errorf("%v", p))
		}
	}()
	line = strings.TrimRight(line, "\r\n")
	line = strings.ToValidUTF8(line, "")
	return s.norm.Normalize(line), nil
}

// emit writes one frame. A write failure means the caller is gone.
func (s *run) emit(v any) bool {
	if err := s.w.WriteJSON(v); err != nil {
		slog.Warn("stream.write.failed", "error", err)
		s.stats.Final = StateClosed
		s.transition(StateClosed)
		return false
	}
	return true
}

func (s *run) complete() {
	s.transition(StateCompleting)
	content := s.stats.Content()
	if content == "" {
		s.w.WriteError(emptyResponseDetail)
	} else {
		s.emit(types.CompleteFrame{
			ID:        s.relay.flowID() + "-complete",
			Complete:  true,
			Content:   content,
			SessionID: s.stats.SessionID,
		})
	}
	s.w.WriteDone()
	s.stats.Final = StateCompleting
	s.transition(StateClosed)
}

func (s *run) fail(detail string, cause error) {
	s.transition(StateFailed)
	if cause != nil {
		slog.Error("stream.failed", "detail", detail, "error", cause)
	} else {
		slog.Warn("stream.failed", "detail", detail)
	}
	s.w.WriteError(detail)
	s.w.WriteDone()
	s.stats.Final = StateFailed
	s.transition(StateClosed)
}

func (s *run) canceled() {
	slog.Info("stream.canceled", "chunks", s.stats.ChunkCount)
	s.stats.Final = StateClosed
	s.transition(StateClosed)
}

func (s *run) transition(next State) {
	if s.state == next {
		return
	}
	slog.Debug("stream.state", "from", s.state.String(), "to", next.String())
	s.state = next
}

func (s *run) logProgress() {
	s.progress.Do(func() {
		slog.Info("stream.progress",
			"chunks", s.stats.ChunkCount,
			"bytes", s.stats.TotalBytes,
			"tokens", s.stats.TokenCount,
			"elapsed", time.Since(s.stats.StartTime).Round(time.Millisecond),
		)
	})
}

func (s *run) finish() {
	slog.Info("stream.done",
		"state", s.stats.Final.String(),
		"chunks", s.stats.ChunkCount,
		"bytes", s.stats.TotalBytes,
		"tokens", s.stats.TokenCount,
		"content_len", s.stats.content.Len(),
		"session_id", s.stats.SessionID,
		"elapsed", time.Since(s.stats.StartTime).Round(time.Millisecond),
	)
}

func (r *Relay) timeoutDetail() string {
	return "execution exceeded " + formatSeconds(r.Timeout) + " seconds"
}

func (r *Relay) progressInterval() time.Duration {
	if r.ProgressInterval > 0 {
		return r.ProgressInterval
	}
	return DefaultProgressInterval
}

func (r *Relay) flowID() string {
	if r.FlowID != "" {
		return r.FlowID
	}
	return DefaultFlowID
}

func (r *Relay) maxChunkFailures() int {
	if r.MaxChunkFailures > 0 {
		return r.MaxChunkFailures
	}
	return DefaultMaxChunkFailures
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
