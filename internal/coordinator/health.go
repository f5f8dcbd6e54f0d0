package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pinchtab/autoapply/internal/session"
	"github.com/pinchtab/autoapply/internal/tabs"
	"github.com/pinchtab/autoapply/internal/transport"
)

func (c *Coordinator) runHealth(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one recovery pass. Each step is isolated so a failure in
// one never keeps the other from running, and the pass always ends by
// refreshing lastActivity.
func (c *Coordinator) CheckHealth(ctx context.Context) {
	c.safely("stuck apply", func() { c.recoverStuckApply() })
	c.safely("idle search", func() { c.recoverIdleSearch(ctx) })

	c.mu.Lock()
	c.store.Touch(c.now())
	c.mu.Unlock()
}

func (c *Coordinator) safely(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("health step panicked", "platform", c.name, "step", step, "panic", r)
		}
	}()
	fn()
}

func (c *Coordinator) recoverStuckApply() {
	c.mu.Lock()
	at := c.store.Record().ApplyTask
	if !at.Active || at.StartTime.IsZero() || c.now().Sub(at.StartTime) <= c.opts.StuckAfter {
		c.mu.Unlock()
		return
	}
	age := c.now().Sub(at.StartTime).Round(time.Second)
	f := c.finishLocked(session.StatusError, fmt.Sprintf("apply task stuck for %s", age))
	c.mu.Unlock()

	slog.Warn("apply task stuck, recovering", "platform", c.name, "url", at.URL, "tabId", at.TabID, "age", age)
	c.afterFinish(f)
}

func (c *Coordinator) recoverIdleSearch(ctx context.Context) {
	c.mu.Lock()
	rec := c.store.Record()
	idle := c.now().Sub(rec.LastActivity)
	if !rec.SearchTask.Started || idle <= c.opts.IdleAfter {
		c.mu.Unlock()
		return
	}
	tabID := rec.SearchTask.TabID
	windowID := rec.WindowID
	params := rec.Session
	gen := c.gen
	c.mu.Unlock()

	if _, err := c.tracker.Get(ctx, tabID); err == nil {
		slog.Warn("search tab idle, reloading", "platform", c.name, "tabId", tabID, "idle", idle.Round(time.Second))
		if err := c.tracker.Reload(ctx, tabID); err != nil {
			slog.Warn("reload search tab failed", "platform", c.name, "tabId", tabID, "err", err)
			return
		}
		c.notify("warning", "Search restarted", "The search page stopped responding and was reloaded.")
		return
	}

	searchURL, err := c.plat.SearchURL(params)
	if err != nil {
		slog.Error("rebuild search url failed", "platform", c.name, "err", err)
		return
	}
	tab, err := c.tracker.CreateTab(ctx, searchURL, windowID, c.name, tabs.RoleSearch)
	if err != nil {
		slog.Warn("recreate search tab failed", "platform", c.name, "err", err)
		return
	}

	c.mu.Lock()
	if c.gen != gen || !c.store.Record().SearchTask.Started {
		c.mu.Unlock()
		c.tracker.CloseTab(ctx, tab.ID)
		return
	}
	rec = c.store.Record()
	rec.SearchTask.TabID = tab.ID
	rec.WindowID = tab.WindowID
	rec.SearchTabLastSeen = c.now()
	c.markDirty()
	c.mu.Unlock()

	slog.Info("search tab recreated", "platform", c.name, "tabId", tab.ID, "windowId", tab.WindowID)
	c.notify("warning", "Search restarted", "The search page was closed and has been reopened.")
}

// searchTabSeen records traffic from the search tab.
func (c *Coordinator) searchTabSeen(from transport.Origin) {
	if from.Role != tabs.RoleSearch {
		return
	}
	rec := c.store.Record()
	if from.TabID != "" && rec.SearchTask.TabID != "" && from.TabID != rec.SearchTask.TabID {
		return
	}
	rec.SearchTabLastSeen = c.now()
}
