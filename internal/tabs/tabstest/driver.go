// Package tabstest provides an in-memory tabs.Driver for tests.
package tabstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pinchtab/autoapply/internal/tabs"
)

type Dispatch struct {
	TabID   string
	Payload []byte
}

// Driver is a fake browser. Tabs load instantly unless SetReady says
// otherwise. Closing a tab emits a removal event like a real browser.
type Driver struct {
	mu         sync.Mutex
	nextTab    int
	nextWindow int64
	tabs       map[string]tabs.Tab
	windows    map[int64]bool
	ready      map[string]string
	events     chan tabs.Event

	// CreateErr, when set, fails every CreateTab and CreateWindow call.
	CreateErr error
	// DispatchErr, when set, fails every Dispatch call.
	DispatchErr error

	Closed     []string
	Reloaded   []string
	Dispatched []Dispatch
}

func NewDriver() *Driver {
	return &Driver{
		tabs:    make(map[string]tabs.Tab),
		windows: make(map[int64]bool),
		ready:   make(map[string]string),
		events:  make(chan tabs.Event, 256),
	}
}

func (d *Driver) CreateWindow(ctx context.Context, url string) (tabs.Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CreateErr != nil {
		return tabs.Tab{}, d.CreateErr
	}
	d.nextWindow++
	d.windows[d.nextWindow] = true
	return d.openLocked(url, d.nextWindow), nil
}

func (d *Driver) CreateTab(ctx context.Context, url string, windowID int64) (tabs.Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CreateErr != nil {
		return tabs.Tab{}, d.CreateErr
	}
	if !d.windows[windowID] {
		return tabs.Tab{}, fmt.Errorf("window %d: %w", windowID, tabs.ErrWindowNotFound)
	}
	return d.openLocked(url, windowID), nil
}

func (d *Driver) openLocked(url string, windowID int64) tabs.Tab {
	d.nextTab++
	tab := tabs.Tab{ID: fmt.Sprintf("T%d", d.nextTab), WindowID: windowID, URL: url}
	d.tabs[tab.ID] = tab
	return tab
}

func (d *Driver) CloseTab(ctx context.Context, tabID string) error {
	d.mu.Lock()
	d.Closed = append(d.Closed, tabID)
	_, ok := d.removeLocked(tabID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("tab %s: %w", tabID, tabs.ErrTabNotFound)
	}
	d.emit(tabs.Event{Kind: tabs.EventRemoved, TabID: tabID})
	return nil
}

func (d *Driver) removeLocked(tabID string) (tabs.Tab, bool) {
	tab, ok := d.tabs[tabID]
	if !ok {
		return tabs.Tab{}, false
	}
	delete(d.tabs, tabID)
	delete(d.ready, tabID)
	for _, other := range d.tabs {
		if other.WindowID == tab.WindowID {
			return tab, true
		}
	}
	delete(d.windows, tab.WindowID)
	return tab, true
}

func (d *Driver) Reload(ctx context.Context, tabID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[tabID]; !ok {
		return fmt.Errorf("tab %s: %w", tabID, tabs.ErrTabNotFound)
	}
	d.Reloaded = append(d.Reloaded, tabID)
	return nil
}

func (d *Driver) GetTab(ctx context.Context, tabID string) (tabs.Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tab, ok := d.tabs[tabID]
	if !ok {
		return tabs.Tab{}, fmt.Errorf("tab %s: %w", tabID, tabs.ErrTabNotFound)
	}
	return tab, nil
}

func (d *Driver) WindowExists(ctx context.Context, windowID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.windows[windowID], nil
}

func (d *Driver) ReadyState(ctx context.Context, tabID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[tabID]; !ok {
		return "", fmt.Errorf("tab %s: %w", tabID, tabs.ErrTabNotFound)
	}
	if s, ok := d.ready[tabID]; ok {
		return s, nil
	}
	return "complete", nil
}

func (d *Driver) Dispatch(ctx context.Context, tabID string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DispatchErr != nil {
		return d.DispatchErr
	}
	if _, ok := d.tabs[tabID]; !ok {
		return fmt.Errorf("tab %s: %w", tabID, tabs.ErrTabNotFound)
	}
	d.Dispatched = append(d.Dispatched, Dispatch{TabID: tabID, Payload: append([]byte(nil), payload...)})
	return nil
}

func (d *Driver) Events() <-chan tabs.Event {
	return d.events
}

func (d *Driver) SetCreateErr(err error) {
	d.mu.Lock()
	d.CreateErr = err
	d.mu.Unlock()
}

// SetReady overrides the document.readyState reported for a tab.
func (d *Driver) SetReady(tabID, state string) {
	d.mu.Lock()
	d.ready[tabID] = state
	d.mu.Unlock()
}

// Remove simulates the user closing a tab.
func (d *Driver) Remove(tabID string) {
	d.mu.Lock()
	_, ok := d.removeLocked(tabID)
	d.mu.Unlock()
	if ok {
		d.emit(tabs.Event{Kind: tabs.EventRemoved, TabID: tabID})
	}
}

// Navigate simulates a tab changing URL.
func (d *Driver) Navigate(tabID, url string) {
	d.mu.Lock()
	tab, ok := d.tabs[tabID]
	if ok {
		tab.URL = url
		d.tabs[tabID] = tab
	}
	d.mu.Unlock()
	if ok {
		d.emit(tabs.Event{Kind: tabs.EventUpdated, TabID: tabID, URL: url})
	}
}

// OpenFrom simulates a page opening a new tab, e.g. window.open.
func (d *Driver) OpenFrom(openerID, url string) tabs.Tab {
	d.mu.Lock()
	opener := d.tabs[openerID]
	tab := d.openLocked(url, opener.WindowID)
	d.mu.Unlock()
	d.emit(tabs.Event{Kind: tabs.EventCreated, TabID: tab.ID, URL: url, OpenerID: openerID})
	return tab
}

// Open adds a tab to a window without emitting any event.
func (d *Driver) Open(url string, windowID int64) tabs.Tab {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.windows[windowID] = true
	return d.openLocked(url, windowID)
}

func (d *Driver) Has(tabID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tabs[tabID]
	return ok
}

func (d *Driver) TabCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tabs)
}

func (d *Driver) ReloadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Reloaded)
}

func (d *Driver) Dispatches() []Dispatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Dispatch(nil), d.Dispatched...)
}

func (d *Driver) emit(ev tabs.Event) {
	select {
	case d.events <- ev:
	default:
	}
}
