// Package sse implements Server-Sent Events framing for the streaming
// gateway.
//
// Wire format per event: "event: <name>\ndata: <single-line JSON>\n\n".
// Keepalives are comment frames (":ka\n\n") that proxies pass through and
// clients ignore.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// KeepaliveComment is the comment frame sent during silent periods.
const KeepaliveComment = ":ka\n\n"

// Writer serializes SSE frames onto an HTTP response.
//
// Safe for concurrent use: the agent worker and the keepalive timer write
// through one mutex, so frames never interleave. Writes block on the
// transport when the client is slow; the attempt/success timestamps are
// atomics so a watchdog can detect stalls while a write is blocked inside
// the mutex.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	attempt atomic.Int64 // unix nanos of the last write attempt
	success atomic.Int64 // unix nanos of the last completed write
}

// NewWriter prepares a response for SSE streaming: content type, buffering
// disabled, and an initial comment frame so clients and proxies commit to
// the stream immediately.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sw := &Writer{w: w, flusher: flusher}
	now := time.Now().UnixNano()
	sw.attempt.Store(now)
	sw.success.Store(now)

	if _, err := fmt.Fprint(w, ":ok\n\n"); err != nil {
		return nil, fmt.Errorf("write initial frame: %w", err)
	}
	flusher.Flush()
	return sw, nil
}

// WriteEvent sends one named event with a JSON payload.
func (sw *Writer) WriteEvent(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.attempt.Store(time.Now().UnixNano())
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("write %s event: %w", name, err)
	}
	sw.flusher.Flush()
	sw.success.Store(time.Now().UnixNano())
	return nil
}

// WriteKeepalive sends the keepalive comment frame.
func (sw *Writer) WriteKeepalive() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.attempt.Store(time.Now().UnixNano())
	if _, err := fmt.Fprint(sw.w, KeepaliveComment); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	sw.flusher.Flush()
	sw.success.Store(time.Now().UnixNano())
	return nil
}

// LastSuccess returns when the last frame completed.
func (sw *Writer) LastSuccess() time.Time {
	return time.Unix(0, sw.success.Load())
}

// Stalled reports whether a write has been blocked for longer than limit:
// an attempt started, no success since, and the attempt is older than the
// limit.
func (sw *Writer) Stalled(limit time.Duration) bool {
	attempt := sw.attempt.Load()
	success := sw.success.Load()
	return attempt > success && time.Since(time.Unix(0, attempt)) > limit
}
