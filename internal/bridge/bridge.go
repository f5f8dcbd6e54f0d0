// Package bridge drives Chrome over the DevTools protocol and implements
// tabs.Driver.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/pinchtab/autoapply/internal/tabs"
)

const TargetTypePage = "page"

type tabEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type Bridge struct {
	browserCtx context.Context

	mu   sync.Mutex
	tabs map[string]*tabEntry

	events     chan tabs.Event
	listenOnce sync.Once
}

func New(browserCtx context.Context) *Bridge {
	return &Bridge{
		browserCtx: browserCtx,
		tabs:       make(map[string]*tabEntry),
		events:     make(chan tabs.Event, 256),
	}
}

// browserExec returns ctx bound to the browser-level CDP session.
func (b *Bridge) browserExec(ctx context.Context) (context.Context, error) {
	if b.browserCtx == nil {
		return nil, fmt.Errorf("no browser connection")
	}
	c := chromedp.FromContext(b.browserCtx)
	if c == nil || c.Browser == nil {
		return nil, fmt.Errorf("no browser connection")
	}
	return cdp.WithExecutor(ctx, c.Browser), nil
}

// tabContext attaches to a target, reusing the attachment when possible.
func (b *Bridge) tabContext(tabID string) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.tabs[tabID]; ok {
		return e.ctx, nil
	}
	if b.browserCtx == nil {
		return nil, fmt.Errorf("no browser connection")
	}

	ctx, cancel := chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(target.ID(tabID)))
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("tab %s: %w", tabID, tabs.ErrTabNotFound)
	}
	b.tabs[tabID] = &tabEntry{ctx: ctx, cancel: cancel}
	return ctx, nil
}

func (b *Bridge) forget(tabID string) {
	b.mu.Lock()
	e, ok := b.tabs[tabID]
	delete(b.tabs, tabID)
	b.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// run executes actions in a tab, bounded by ctx's deadline.
func (b *Bridge) run(ctx context.Context, tabID string, actions ...chromedp.Action) error {
	tctx, err := b.tabContext(tabID)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		tctx, cancel = context.WithDeadline(tctx, dl)
		defer cancel()
	}
	return chromedp.Run(tctx, actions...)
}

func (b *Bridge) CreateWindow(ctx context.Context, url string) (tabs.Tab, error) {
	exec, err := b.browserExec(ctx)
	if err != nil {
		return tabs.Tab{}, err
	}
	id, err := target.CreateTarget(navURL(url)).WithNewWindow(true).Do(exec)
	if err != nil {
		return tabs.Tab{}, fmt.Errorf("create window: %w", err)
	}

	windowID, _, err := browser.GetWindowForTarget().WithTargetID(id).Do(exec)
	if err != nil {
		return tabs.Tab{}, fmt.Errorf("window for target %s: %w", id, err)
	}
	if err := browser.SetWindowBounds(windowID, &browser.Bounds{WindowState: browser.WindowStateMaximized}).Do(exec); err != nil {
		slog.Debug("maximize window", "windowId", windowID, "err", err)
	}
	return tabs.Tab{ID: string(id), WindowID: int64(windowID), URL: url}, nil
}

// CreateTab opens url in windowID. CDP has no window parameter for new
// targets, so a tab already in that window is activated first and the new
// target opens next to it.
func (b *Bridge) CreateTab(ctx context.Context, url string, windowID int64) (tabs.Tab, error) {
	exec, err := b.browserExec(ctx)
	if err != nil {
		return tabs.Tab{}, err
	}
	anchor, found, err := b.targetInWindow(exec, windowID)
	if err != nil {
		return tabs.Tab{}, err
	}
	if !found {
		return tabs.Tab{}, fmt.Errorf("window %d: %w", windowID, tabs.ErrWindowNotFound)
	}
	if err := target.ActivateTarget(anchor).Do(exec); err != nil {
		slog.Debug("activate anchor target", "targetId", anchor, "err", err)
	}

	id, err := target.CreateTarget(navURL(url)).Do(exec)
	if err != nil {
		return tabs.Tab{}, fmt.Errorf("create target: %w", err)
	}
	actual := windowID
	if w, _, err := browser.GetWindowForTarget().WithTargetID(id).Do(exec); err == nil {
		actual = int64(w)
	}
	return tabs.Tab{ID: string(id), WindowID: actual, URL: url}, nil
}

func (b *Bridge) CloseTab(ctx context.Context, tabID string) error {
	b.forget(tabID)

	exec, err := b.browserExec(ctx)
	if err != nil {
		return err
	}
	if err := target.CloseTarget(target.ID(tabID)).Do(exec); err != nil {
		if _, found, _ := b.findPage(exec, tabID); !found {
			return fmt.Errorf("tab %s: %w", tabID, tabs.ErrTabNotFound)
		}
		return fmt.Errorf("close target %s: %w", tabID, err)
	}
	return nil
}

func (b *Bridge) Reload(ctx context.Context, tabID string) error {
	return b.run(ctx, tabID, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.Reload().Do(ctx)
	}))
}

func (b *Bridge) GetTab(ctx context.Context, tabID string) (tabs.Tab, error) {
	exec, err := b.browserExec(ctx)
	if err != nil {
		return tabs.Tab{}, err
	}
	info, found, err := b.findPage(exec, tabID)
	if err != nil {
		return tabs.Tab{}, err
	}
	if !found {
		return tabs.Tab{}, fmt.Errorf("tab %s: %w", tabID, tabs.ErrTabNotFound)
	}
	tab := tabs.Tab{ID: tabID, URL: info.URL}
	if w, _, err := browser.GetWindowForTarget().WithTargetID(info.TargetID).Do(exec); err == nil {
		tab.WindowID = int64(w)
	}
	return tab, nil
}

func (b *Bridge) WindowExists(ctx context.Context, windowID int64) (bool, error) {
	exec, err := b.browserExec(ctx)
	if err != nil {
		return false, err
	}
	_, found, err := b.targetInWindow(exec, windowID)
	return found, err
}

func (b *Bridge) ReadyState(ctx context.Context, tabID string) (string, error) {
	var state string
	err := b.run(ctx, tabID, chromedp.Evaluate("document.readyState", &state))
	return state, err
}

// Dispatch fires the payload at the page as a CustomEvent on window.
func (b *Bridge) Dispatch(ctx context.Context, tabID string, payload []byte) error {
	var delivered bool
	if err := b.run(ctx, tabID, chromedp.Evaluate(dispatchScript(payload), &delivered)); err != nil {
		return fmt.Errorf("dispatch to %s: %w", tabID, err)
	}
	return nil
}

func (b *Bridge) Events() <-chan tabs.Event {
	return b.events
}

// Close detaches from every tab the bridge attached to.
func (b *Bridge) Close() {
	b.mu.Lock()
	entries := b.tabs
	b.tabs = make(map[string]*tabEntry)
	b.mu.Unlock()
	for _, e := range entries {
		e.cancel()
	}
}

func navURL(url string) string {
	if url == "" {
		return "about:blank"
	}
	return url
}
