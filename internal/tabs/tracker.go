package tabs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	loadPollInterval = 200 * time.Millisecond
	closeTimeout     = 5 * time.Second
)

type Tracker struct {
	driver Driver

	mu        sync.Mutex
	tabs      map[string]Meta
	listeners map[string]Listener

	pollInterval time.Duration
	now          func() time.Time
}

func NewTracker(d Driver) *Tracker {
	return &Tracker{
		driver:       d,
		tabs:         make(map[string]Meta),
		listeners:    make(map[string]Listener),
		pollInterval: loadPollInterval,
		now:          time.Now,
	}
}

// Subscribe routes events for tabs tracked under platform to l.
func (t *Tracker) Subscribe(platform string, l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[platform] = l
}

// CreateTab opens url in windowID. If the window is gone, or windowID is
// zero, a new maximized window is created and its first tab is used.
func (t *Tracker) CreateTab(ctx context.Context, url string, windowID int64, platform string, role Role) (Tab, error) {
	var (
		tab Tab
		err error
	)
	if windowID != 0 {
		tab, err = t.driver.CreateTab(ctx, url, windowID)
		if errors.Is(err, ErrWindowNotFound) {
			slog.Warn("window gone, opening new window", "platform", platform, "windowId", windowID)
			tab, err = t.driver.CreateWindow(ctx, url)
		}
	} else {
		tab, err = t.driver.CreateWindow(ctx, url)
	}
	if err != nil {
		return Tab{}, fmt.Errorf("create %s tab: %w", role, err)
	}

	t.Track(tab, platform, role)
	slog.Info("tab opened", "platform", platform, "role", role, "tabId", tab.ID, "windowId", tab.WindowID)
	return tab, nil
}

// CreateWindow always opens a fresh window.
func (t *Tracker) CreateWindow(ctx context.Context, url, platform string, role Role) (Tab, error) {
	return t.CreateTab(ctx, url, 0, platform, role)
}

// Track records metadata for a tab the tracker did not open itself.
func (t *Tracker) Track(tab Tab, platform string, role Role) {
	t.mu.Lock()
	t.tabs[tab.ID] = Meta{
		TabID:     tab.ID,
		WindowID:  tab.WindowID,
		URL:       tab.URL,
		Platform:  platform,
		Role:      role,
		StartedAt: t.now(),
	}
	t.mu.Unlock()
}

// Untrack drops metadata without touching the browser.
func (t *Tracker) Untrack(tabID string) {
	t.mu.Lock()
	delete(t.tabs, tabID)
	t.mu.Unlock()
}

// CloseTab closes a tab. Closing a tab that is already gone is not an error.
func (t *Tracker) CloseTab(ctx context.Context, tabID string) {
	if tabID == "" {
		return
	}
	t.Untrack(tabID)

	closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	if err := t.driver.CloseTab(closeCtx, tabID); err != nil {
		if errors.Is(err, ErrTabNotFound) {
			slog.Debug("close tab: already gone", "tabId", tabID)
			return
		}
		slog.Warn("close tab failed", "tabId", tabID, "err", err)
	}
}

// WaitForLoad blocks until the tab finishes loading or timeout elapses. It
// returns false when the tab may not have loaded; it never fails.
func (t *Tracker) WaitForLoad(ctx context.Context, tabID string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		state, err := t.driver.ReadyState(ctx, tabID)
		if err == nil && state == "complete" {
			return true
		}
		if errors.Is(err, ErrTabNotFound) {
			return false
		}

		select {
		case <-ctx.Done():
			slog.Debug("tab load wait elapsed", "tabId", tabID, "timeout", timeout)
			return false
		case <-ticker.C:
		}
	}
}

func (t *Tracker) Reload(ctx context.Context, tabID string) error {
	if err := t.driver.Reload(ctx, tabID); err != nil {
		return fmt.Errorf("reload tab %s: %w", tabID, err)
	}
	return nil
}

// Get asks the browser for the tab's current state.
func (t *Tracker) Get(ctx context.Context, tabID string) (Tab, error) {
	if tabID == "" {
		return Tab{}, ErrTabNotFound
	}
	return t.driver.GetTab(ctx, tabID)
}

// Dispatch delivers payload straight into the tab's page.
func (t *Tracker) Dispatch(ctx context.Context, tabID string, payload []byte) error {
	return t.driver.Dispatch(ctx, tabID, payload)
}

// Tracked returns the metadata of every tab tracked for platform.
func (t *Tracker) Tracked(platform string) []Meta {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Meta, 0, len(t.tabs))
	for _, m := range t.tabs {
		if m.Platform == platform {
			out = append(out, m)
		}
	}
	return out
}

// Run consumes driver events until ctx is done or the event stream closes.
func (t *Tracker) Run(ctx context.Context) {
	events := t.driver.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.handle(ctx, ev)
		}
	}
}

func (t *Tracker) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventCreated:
		t.onCreated(ev)
	case EventUpdated:
		t.onUpdated(ev)
	case EventRemoved:
		t.onRemoved(ctx, ev)
	}
}

func (t *Tracker) onCreated(ev Event) {
	if ev.OpenerID == "" {
		return
	}
	t.mu.Lock()
	opener, ok := t.tabs[ev.OpenerID]
	l := t.listeners[opener.Platform]
	t.mu.Unlock()
	if !ok || l == nil {
		return
	}
	slog.Debug("tab opened by tracked tab", "tabId", ev.TabID, "opener", ev.OpenerID, "platform", opener.Platform)
	l.TabCreated(opener, Tab{ID: ev.TabID, WindowID: opener.WindowID, URL: ev.URL})
}

func (t *Tracker) onUpdated(ev Event) {
	t.mu.Lock()
	m, ok := t.tabs[ev.TabID]
	if !ok || m.URL == ev.URL || ev.URL == "" {
		t.mu.Unlock()
		return
	}
	m.URL = ev.URL
	t.tabs[ev.TabID] = m
	l := t.listeners[m.Platform]
	t.mu.Unlock()

	if l != nil {
		l.TabUpdated(m)
	}
}

func (t *Tracker) onRemoved(ctx context.Context, ev Event) {
	t.mu.Lock()
	m, ok := t.tabs[ev.TabID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.tabs, ev.TabID)
	l := t.listeners[m.Platform]
	lastInWindow := m.WindowID != 0
	for _, other := range t.tabs {
		if other.WindowID == m.WindowID {
			lastInWindow = false
			break
		}
	}
	t.mu.Unlock()

	slog.Info("tab removed", "platform", m.Platform, "role", m.Role, "tabId", m.TabID)
	if l == nil {
		return
	}
	l.TabRemoved(m)

	if !lastInWindow {
		return
	}
	exists, err := t.driver.WindowExists(ctx, m.WindowID)
	if err != nil {
		slog.Debug("window check failed", "windowId", m.WindowID, "err", err)
		return
	}
	if !exists {
		slog.Info("window removed", "platform", m.Platform, "windowId", m.WindowID)
		l.WindowRemoved(m.WindowID)
	}
}
