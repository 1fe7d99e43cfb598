// Package stream serves the live audit trail over websocket.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/opsflow/guardian/internal/audit"
)

const (
	DefaultBuffer       = 256
	DefaultWriteTimeout = 10 * time.Second
)

// Source is implemented by *audit.Log.
type Source interface {
	Subscribe(buffer int, f audit.Filter) *audit.Subscription
}

// Handler upgrades requests to websocket and writes every matching audit
// event as one JSON text message. Query parameters narrow the feed:
// resource_type, resource_id, event_type (repeatable or comma separated),
// failures=true and since (RFC 3339).
type Handler struct {
	source       Source
	logger       *slog.Logger
	buffer       int
	writeTimeout time.Duration
	origins      []string
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithBuffer sets how many events a client may fall behind before it is
// disconnected.
func WithBuffer(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin clients whose host matches one of
// the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = append(h.origins, patterns...) }
}

func NewHandler(source Source, opts ...Option) *Handler {
	h := &Handler{
		source:       source,
		buffer:       DefaultBuffer,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Subscribe before the handshake completes so a client never misses
	// events recorded right after it connected.
	sub := h.source.Subscribe(h.buffer, f)
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("audit stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	h.logger.Debug("audit stream client connected", "remote", r.RemoteAddr, "resource_id", f.ResourceID)
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "audit stream closed")
				return
			}
			if err := h.write(ctx, conn, e); err != nil {
				h.logger.Debug("audit stream write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, e audit.Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

// ParseFilter builds an audit filter from query parameters.
func ParseFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}
	for _, v := range q["event_type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, audit.EventType(t))
			}
		}
	}
	if v := q.Get("failures"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid failures value %q", v)
		}
		f.FailuresOnly = b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since value %q: want RFC 3339", v)
		}
		f.Since = t
	}
	return f, nil
}
