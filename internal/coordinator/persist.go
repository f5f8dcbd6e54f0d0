package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/pinchtab/autoapply/internal/session"
)

const snapshotTimeout = 5 * time.Second

// markDirty schedules a snapshot. Repeated calls before the writer runs
// coalesce into one save. The caller must hold mu.
func (c *Coordinator) markDirty() {
	if c.opts.Snapshots == nil {
		return
	}
	select {
	case c.persist <- struct{}{}:
	default:
	}
}

func (c *Coordinator) persistLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			c.saveSnapshot(context.Background())
			return
		case <-c.persist:
			c.saveSnapshot(c.ctx)
		}
	}
}

func (c *Coordinator) saveSnapshot(ctx context.Context) {
	c.mu.Lock()
	rec := c.store.Snapshot()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	// A reset record has nothing worth resuming.
	if rec.ID == "" && !rec.SearchTask.Started {
		if err := c.opts.Snapshots.Delete(ctx, c.name); err != nil {
			slog.Warn("delete session snapshot failed", "platform", c.name, "err", err)
		}
		return
	}
	if err := c.opts.Snapshots.Save(ctx, rec); err != nil {
		slog.Warn("save session snapshot failed", "platform", c.name, "err", err)
	}
}

// Restore resumes a session saved by an earlier process. It reports whether
// a running session was resumed. An apply task that was in flight is closed
// out as ERROR; the search tab is forgotten and the health monitor reopens
// it on its first tick.
func (c *Coordinator) Restore(ctx context.Context) (bool, error) {
	if c.opts.Snapshots == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	rec, ok, err := c.opts.Snapshots.Load(ctx, c.name)
	cancel()
	if err != nil {
		return false, err
	}
	if !ok || !rec.SearchTask.Started {
		return false, nil
	}

	c.mu.Lock()
	if c.store.Record().SearchTask.Started || c.starting {
		c.mu.Unlock()
		return false, nil
	}
	c.store.Restore(rec)
	live := c.store.Record()
	live.SearchTask.TabID = ""
	live.SearchTabLastSeen = time.Time{}
	live.LastActivity = time.Time{}

	var f *finish
	if live.ApplyTask.Active {
		out := c.finishLocked(session.StatusError, "coordinator restarted")
		out.notifySearch = false
		f = &out
	}
	c.store.ResetApplyTask()
	c.gen++

	resumed := live.SearchTask.Started
	if resumed {
		c.state = StateSearching
		c.startHealthLocked()
	}
	c.markDirty()
	c.mu.Unlock()

	if f != nil {
		c.afterFinish(*f)
	}
	slog.Info("session restored", "platform", c.name, "session", rec.ID, "resumed", resumed,
		"applied", rec.SearchTask.Current, "limit", rec.SearchTask.Limit)
	return resumed, nil
}
