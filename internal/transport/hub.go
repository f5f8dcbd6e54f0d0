package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pinchtab/autoapply/internal/tabs"
)

const defaultPingInterval = 10 * time.Second

// Handler answers messages for one platform.
type Handler interface {
	HandleMessage(ctx context.Context, from Origin, env Envelope, msg Message) Response
}

// Resolver finds the handler for a platform.
type Resolver func(platform string) (Handler, bool)

type Port struct {
	conn net.Conn

	mu     sync.Mutex
	origin Origin

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

func newPort(conn net.Conn, origin Origin) *Port {
	return &Port{conn: conn, origin: origin, done: make(chan struct{})}
}

func (p *Port) Origin() Origin {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.origin
}

// Send writes one text frame. A failed write closes the port.
func (p *Port) Send(data []byte) error {
	if p.closed.Load() {
		return ErrPortClosed
	}
	p.writeMu.Lock()
	err := wsutil.WriteServerMessage(p.conn, ws.OpText, data)
	p.writeMu.Unlock()
	if err != nil {
		p.Close()
		return fmt.Errorf("%w: %v", ErrPortClosed, err)
	}
	return nil
}

func (p *Port) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wsutil.WriteServerMessage(p.conn, ws.OpPing, nil)
}

func (p *Port) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.done)
		_ = p.conn.Close()
	}
}

type portKey struct {
	platform string
	role     tabs.Role
}

// Hub owns every open port. At most one port per platform and role is
// current; pushes without a tab id go there.
type Hub struct {
	resolve Resolver

	mu      sync.RWMutex
	byTab   map[string]*Port
	current map[portKey]*Port

	pingInterval time.Duration
}

func NewHub(resolve Resolver) *Hub {
	return &Hub{
		resolve:      resolve,
		byTab:        make(map[string]*Port),
		current:      make(map[portKey]*Port),
		pingInterval: defaultPingInterval,
	}
}

func tabKey(platform, tabID string) string {
	return platform + "/" + tabID
}

// ServePort upgrades the request and runs the port until it disconnects.
func (h *Hub) ServePort(w http.ResponseWriter, r *http.Request, name string) {
	origin, err := ParsePortName(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handler, ok := h.resolve(origin.Platform)
	if !ok {
		http.Error(w, "unknown platform: "+origin.Platform, http.StatusNotFound)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Error("ws upgrade failed", "port", name, "err", err)
		return
	}

	p := newPort(conn, origin)
	h.attach(p)
	defer h.detach(p)
	slog.Debug("port connected", "port", name)

	go h.keepAlive(p)

	ctx := context.WithoutCancel(r.Context())
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			// Navigation, tab close and extension reloads all end here.
			slog.Debug("port disconnected", "port", name, "err", err)
			return
		}
		if op != ws.OpText {
			continue
		}
		resp := h.handle(ctx, p, handler, data)
		out, err := json.Marshal(resp)
		if err != nil {
			slog.Error("encode response", "port", name, "err", err)
			continue
		}
		if err := p.Send(out); err != nil {
			slog.Debug("port response not delivered", "port", name, "err", err)
			return
		}
	}
}

func (h *Hub) keepAlive(p *Port) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.ping(); err != nil {
				p.Close()
				return
			}
		}
	}
}

func (h *Hub) handle(ctx context.Context, p *Port, handler Handler, data []byte) Response {
	env, msg, err := Decode(data)
	if err != nil {
		resp := Fail(err.Error())
		resp.Type = env.Kind()
		resp.RequestID = env.RequestID
		return resp
	}
	if hello, ok := msg.(Hello); ok {
		h.rebind(p, hello)
	}
	resp := handler.HandleMessage(ctx, p.Origin(), env, msg)
	resp.Type = env.Kind()
	resp.RequestID = env.RequestID
	return resp
}

// HandleOneOff answers a request/response message that arrived outside a
// port. The sender's role is taken from its port when it has one.
func (h *Hub) HandleOneOff(ctx context.Context, raw []byte) Response {
	env, msg, err := Decode(raw)
	if err != nil {
		resp := Fail(err.Error())
		resp.Type = env.Kind()
		resp.RequestID = env.RequestID
		return resp
	}

	handler, ok := h.resolve(env.Platform)
	if !ok {
		resp := Fail(fmt.Sprintf("unknown platform: %q", env.Platform))
		resp.Type = env.Kind()
		resp.RequestID = env.RequestID
		return resp
	}

	from := Origin{Platform: env.Platform, TabID: env.TabID}
	if env.TabID != "" {
		h.mu.RLock()
		if p, ok := h.byTab[tabKey(env.Platform, env.TabID)]; ok {
			from.Role = p.Origin().Role
		}
		h.mu.RUnlock()
	}

	resp := handler.HandleMessage(ctx, from, env, msg)
	resp.Type = env.Kind()
	resp.RequestID = env.RequestID
	return resp
}

// Push sends data to the port of tabID, or to the current port for role
// when tabID has none. Delivery failures are returned, never panicked on;
// there is no acknowledgement, so success means "written", not "handled".
func (h *Hub) Push(platform string, role tabs.Role, tabID string, data []byte) error {
	h.mu.RLock()
	p, ok := h.byTab[tabKey(platform, tabID)]
	if !ok || tabID == "" {
		p, ok = h.current[portKey{platform, role}]
	}
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: no %s port for %s", ErrPortClosed, role, platform)
	}
	return p.Send(data)
}

// Connected reports whether tabID currently has an open port.
func (h *Hub) Connected(platform, tabID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byTab[tabKey(platform, tabID)]
	return ok
}

// Ports lists the origins of every open port.
func (h *Hub) Ports() []Origin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Origin, 0, len(h.byTab))
	for _, p := range h.byTab {
		out = append(out, p.Origin())
	}
	return out
}

func (h *Hub) attach(p *Port) {
	o := p.Origin()
	h.mu.Lock()
	h.byTab[tabKey(o.Platform, o.TabID)] = p
	h.current[portKey{o.Platform, o.Role}] = p
	h.mu.Unlock()
}

func (h *Hub) detach(p *Port) {
	o := p.Origin()
	h.mu.Lock()
	if h.byTab[tabKey(o.Platform, o.TabID)] == p {
		delete(h.byTab, tabKey(o.Platform, o.TabID))
	}
	if h.current[portKey{o.Platform, o.Role}] == p {
		delete(h.current, portKey{o.Platform, o.Role})
	}
	h.mu.Unlock()
	p.Close()
}

// rebind replaces the name-derived identity with the handshake one.
func (h *Hub) rebind(p *Port, hello Hello) {
	role, ok := tabs.ParseRole(hello.Role)
	if !ok && hello.TabID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	old := p.Origin()
	if h.byTab[tabKey(old.Platform, old.TabID)] == p {
		delete(h.byTab, tabKey(old.Platform, old.TabID))
	}
	if h.current[portKey{old.Platform, old.Role}] == p {
		delete(h.current, portKey{old.Platform, old.Role})
	}

	next := old
	if ok {
		next.Role = role
	}
	if hello.TabID != "" {
		next.TabID = hello.TabID
	}
	p.mu.Lock()
	p.origin = next
	p.mu.Unlock()

	h.byTab[tabKey(next.Platform, next.TabID)] = p
	h.current[portKey{next.Platform, next.Role}] = p
	if next != old {
		slog.Debug("port identity updated", "port", old.Port, "role", next.Role, "tabId", next.TabID)
	}
}
