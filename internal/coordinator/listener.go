package coordinator

import (
	"log/slog"

	"github.com/pinchtab/autoapply/internal/session"
	"github.com/pinchtab/autoapply/internal/tabs"
	"github.com/pinchtab/autoapply/internal/transport"
)

var _ tabs.Listener = (*Coordinator)(nil)

// TabRemoved recovers from a tab the user or the browser closed.
func (c *Coordinator) TabRemoved(meta tabs.Meta) {
	c.mu.Lock()
	rec := c.store.Record()
	switch {
	case rec.ApplyTask.Active && rec.ApplyTask.TabID == meta.TabID:
		f := c.finishLocked(session.StatusError, "tab closed before completion")
		c.mu.Unlock()
		slog.Warn("apply tab closed before completion", "platform", c.name, "tabId", meta.TabID, "url", f.outcome.URL)
		// Off the tracker's event goroutine: afterFinish talks to the browser.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.afterFinish(f)
		}()
		return
	case rec.SearchTask.TabID == meta.TabID:
		rec.SearchTask.TabID = ""
		c.markDirty()
	}
	c.mu.Unlock()
}

// WindowRemoved ends the session when its window goes away.
func (c *Coordinator) WindowRemoved(windowID int64) {
	c.mu.Lock()
	rec := c.store.Record()
	ours := rec.WindowID == windowID && (rec.SearchTask.Started || rec.ApplyTask.Active)
	c.mu.Unlock()
	if !ours {
		return
	}
	slog.Info("session window closed", "platform", c.name, "windowId", windowID)
	c.Reset("window closed")
}

// TabUpdated watches the apply tab for redirects off the platform.
func (c *Coordinator) TabUpdated(meta tabs.Meta) {
	if !isWebURL(meta.URL) {
		return
	}
	c.mu.Lock()
	rec := c.store.Record()
	at := rec.ApplyTask
	searchTab := rec.SearchTask.TabID
	c.mu.Unlock()

	if !at.Active || at.TabID != meta.TabID || c.plat.AllowsURL(meta.URL) {
		return
	}
	slog.Info("apply tab left platform", "platform", c.name, "tabId", meta.TabID, "url", meta.URL)
	c.push(tabs.RoleSearch, searchTab, transport.ExternalTabOrigin{URL: meta.URL, Origin: at.URL})
	c.push(tabs.RoleApply, meta.TabID, transport.JobTabStatus{URL: meta.URL, External: true})
}

// TabCreated reports tabs the apply tab opens, which is how most boards
// hand off to an external applicant tracking system.
func (c *Coordinator) TabCreated(opener tabs.Meta, tab tabs.Tab) {
	c.mu.Lock()
	rec := c.store.Record()
	at := rec.ApplyTask
	searchTab := rec.SearchTask.TabID
	c.mu.Unlock()

	if !at.Active || at.TabID != opener.TabID {
		return
	}
	slog.Info("apply tab opened another tab", "platform", c.name, "opener", opener.TabID, "tabId", tab.ID, "url", tab.URL)
	c.push(tabs.RoleSearch, searchTab, transport.ExternalTabOrigin{URL: tab.URL, Origin: at.URL})
}
