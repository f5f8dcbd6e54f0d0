// Package dashboard is the user-visible notification centre: every
// notification is logged, kept in a bounded ring and streamed to SSE
// subscribers.
package dashboard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pinchtab/autoapply/internal/web"
)

type Config struct {
	BufferSize    int
	SSEBufferSize int
	KeepAlive     time.Duration
}

type Notification struct {
	ID        uint64    `json:"id"`
	Platform  string    `json:"platform"`
	Level     string    `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Dashboard struct {
	cfg Config

	mu       sync.RWMutex
	ring     []Notification
	next     uint64
	sseConns map[chan Notification]struct{}

	now func() time.Time
}

func NewDashboard(cfg *Config) *Dashboard {
	c := Config{
		BufferSize:    100,
		SSEBufferSize: 64,
		KeepAlive:     30 * time.Second,
	}
	if cfg != nil {
		if cfg.BufferSize > 0 {
			c.BufferSize = cfg.BufferSize
		}
		if cfg.SSEBufferSize > 0 {
			c.SSEBufferSize = cfg.SSEBufferSize
		}
		if cfg.KeepAlive > 0 {
			c.KeepAlive = cfg.KeepAlive
		}
	}
	return &Dashboard{
		cfg:      c,
		sseConns: make(map[chan Notification]struct{}),
		now:      time.Now,
	}
}

// Notify records a notification and fans it out. Slow subscribers miss
// events rather than block the caller.
func (d *Dashboard) Notify(platform, level, title, message string) {
	switch level {
	case "error":
		slog.Error("notification", "platform", platform, "title", title, "message", message)
	case "warning":
		slog.Warn("notification", "platform", platform, "title", title, "message", message)
	default:
		slog.Info("notification", "platform", platform, "title", title, "message", message)
	}

	d.mu.Lock()
	d.next++
	n := Notification{
		ID:        d.next,
		Platform:  platform,
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: d.now(),
	}
	d.ring = append(d.ring, n)
	if over := len(d.ring) - d.cfg.BufferSize; over > 0 {
		d.ring = append(d.ring[:0:0], d.ring[over:]...)
	}
	chans := make([]chan Notification, 0, len(d.sseConns))
	for ch := range d.sseConns {
		chans = append(chans, ch)
	}
	d.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- n:
		default:
		}
	}
}

// Recent returns up to limit notifications, newest last. A limit of zero
// returns everything buffered.
func (d *Dashboard) Recent(platform string, limit int) []Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Notification, 0, len(d.ring))
	for _, n := range d.ring {
		if platform == "" || n.Platform == platform {
			out = append(out, n)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (d *Dashboard) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /notifications", d.handleList)
	mux.HandleFunc("GET /notifications/events", d.handleSSE)
}

func (d *Dashboard) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	web.JSON(w, 200, d.Recent(r.URL.Query().Get("platform"), limit))
}

func (d *Dashboard) subscribe() chan Notification {
	ch := make(chan Notification, d.cfg.SSEBufferSize)
	d.mu.Lock()
	d.sseConns[ch] = struct{}{}
	d.mu.Unlock()
	return ch
}

func (d *Dashboard) unsubscribe(ch chan Notification) {
	d.mu.Lock()
	delete(d.sseConns, ch)
	d.mu.Unlock()
}

func (d *Dashboard) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := d.subscribe()
	defer d.unsubscribe(ch)

	data, _ := json.Marshal(d.Recent(r.URL.Query().Get("platform"), 0))
	_, _ = fmt.Fprintf(w, "event: init\ndata: %s\n\n", data)
	flusher.Flush()

	keepalive := time.NewTicker(d.cfg.KeepAlive)
	defer keepalive.Stop()

	platform := r.URL.Query().Get("platform")
	for {
		select {
		case n := <-ch:
			if platform != "" && n.Platform != platform {
				continue
			}
			data, _ := json.Marshal(n)
			_, _ = fmt.Fprintf(w, "event: notification\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			_, _ = fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
