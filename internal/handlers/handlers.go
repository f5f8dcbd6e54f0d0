// Package handlers exposes the coordinators, message transport, and
// notification feed over HTTP.
package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pinchtab/autoapply/internal/config"
	"github.com/pinchtab/autoapply/internal/coordinator"
	"github.com/pinchtab/autoapply/internal/dashboard"
	"github.com/pinchtab/autoapply/internal/history"
	"github.com/pinchtab/autoapply/internal/session"
	"github.com/pinchtab/autoapply/internal/transport"
	"github.com/pinchtab/autoapply/internal/web"
)

const maxMessageBytes = 1 << 20

// HistoryReader is the read side of the outcome history.
type HistoryReader interface {
	List(ctx context.Context, q history.Query) ([]session.Outcome, error)
}

// Controller is the part of a coordinator the HTTP surface drives.
type Controller interface {
	Status() coordinator.Status
	Stop(reason string) transport.Response
	Reset(reason string)
}

type Handlers struct {
	Config       *config.RuntimeConfig
	Hub          *transport.Hub
	Coordinators map[string]Controller
	Dashboard    *dashboard.Dashboard
	History      HistoryReader
	Version      string
	Started      time.Time
}

func New(cfg *config.RuntimeConfig, hub *transport.Hub, coords map[string]Controller, d *dashboard.Dashboard, hist HistoryReader, version string) *Handlers {
	return &Handlers{
		Config:       cfg,
		Hub:          hub,
		Coordinators: coords,
		Dashboard:    d,
		History:      hist,
		Version:      version,
		Started:      time.Now(),
	}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /message", h.HandleMessage)
	mux.HandleFunc("GET /ports/{name}", h.HandlePort)
	mux.HandleFunc("GET /platforms", h.HandlePlatforms)
	mux.HandleFunc("GET /platforms/{name}/session", h.HandleSession)
	mux.HandleFunc("POST /platforms/{name}/stop", h.HandleStop)
	mux.HandleFunc("POST /platforms/{name}/reset", h.HandleReset)
	mux.HandleFunc("GET /history", h.HandleHistory)
	if h.Dashboard != nil {
		h.Dashboard.RegisterHandlers(mux)
	}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ports := 0
	if h.Hub != nil {
		ports = len(h.Hub.Ports())
	}
	web.JSON(w, 200, map[string]any{
		"status":    "ok",
		"version":   h.Version,
		"uptime":    time.Since(h.Started).Round(time.Second).String(),
		"platforms": len(h.Coordinators),
		"ports":     ports,
		"metrics":   snapshotMetrics(),
	})
}

// HandleMessage answers one-off messages. Failures travel in the response
// body so content scripts always get a parseable reply.
func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		web.JSON(w, 200, transport.Fail(fmt.Sprintf("read body: %v", err)))
		return
	}
	if len(raw) > maxMessageBytes {
		web.JSON(w, 200, transport.Fail("message too large"))
		return
	}
	web.JSON(w, 200, h.Hub.HandleOneOff(r.Context(), raw))
}

func (h *Handlers) HandlePort(w http.ResponseWriter, r *http.Request) {
	h.Hub.ServePort(w, r, r.PathValue("name"))
}

func (h *Handlers) HandlePlatforms(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.Coordinators))
	for name := range h.Coordinators {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		st := h.Coordinators[name].Status()
		connected := false
		if h.Hub != nil && st.Record.SearchTask.TabID != "" {
			connected = h.Hub.Connected(name, st.Record.SearchTask.TabID)
		}
		out = append(out, map[string]any{
			"platform":        name,
			"state":           st.State,
			"applied":         st.Record.SearchTask.Current,
			"limit":           st.Record.SearchTask.Limit,
			"searchConnected": connected,
		})
	}
	web.JSON(w, 200, out)
}

func (h *Handlers) coordinator(w http.ResponseWriter, r *http.Request) (Controller, bool) {
	name := strings.ToLower(r.PathValue("name"))
	c, ok := h.Coordinators[name]
	if !ok {
		web.ErrorCode(w, 404, "unknown_platform", fmt.Sprintf("unknown platform: %q", name))
		return nil, false
	}
	return c, true
}

func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	web.JSON(w, 200, c.Status())
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = "stopped from api"
	}
	web.JSON(w, 200, c.Stop(reason))
}

func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	c.Reset("reset from api")
	web.JSON(w, 200, transport.Response{Success: true, Status: "reset"})
}

func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		web.ErrorCode(w, 503, "history_disabled", "history is not enabled")
		return
	}
	q := r.URL.Query()
	hq := history.Query{
		Platform:  strings.ToLower(q.Get("platform")),
		SessionID: q.Get("session"),
	}
	if s := q.Get("status"); s != "" {
		st, ok := session.ParseStatus(s)
		if !ok {
			web.ErrorCode(w, 400, "bad_status", fmt.Sprintf("unknown status: %q", s))
			return
		}
		hq.Status = st
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			web.ErrorCode(w, 400, "bad_limit", "limit must be a non-negative integer")
			return
		}
		hq.Limit = n
	}

	items, err := h.History.List(r.Context(), hq)
	if err != nil {
		web.Error(w, 500, err)
		return
	}
	web.JSON(w, 200, map[string]any{"items": items, "count": len(items)})
}
