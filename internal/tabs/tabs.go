// Package tabs tracks the browser tabs a coordinator owns and turns raw
// browser events into per-platform callbacks.
package tabs

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTabNotFound    = errors.New("tab not found")
	ErrWindowNotFound = errors.New("window not found")
)

type Role string

const (
	RoleSearch Role = "search"
	RoleApply  Role = "apply"
)

// ParseRole accepts "search" and "apply"; anything else is invalid.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleSearch, RoleApply:
		return Role(s), true
	}
	return "", false
}

type Tab struct {
	ID       string `json:"id"`
	WindowID int64  `json:"windowId"`
	URL      string `json:"url"`
}

type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventUpdated
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is a browser-side change to a page target.
type Event struct {
	Kind     EventKind
	TabID    string
	URL      string
	OpenerID string
}

// Driver is the browser. Implementations must return ErrTabNotFound and
// ErrWindowNotFound (wrapped or not) when the target is gone.
type Driver interface {
	CreateWindow(ctx context.Context, url string) (Tab, error)
	CreateTab(ctx context.Context, url string, windowID int64) (Tab, error)
	CloseTab(ctx context.Context, tabID string) error
	Reload(ctx context.Context, tabID string) error
	GetTab(ctx context.Context, tabID string) (Tab, error)
	WindowExists(ctx context.Context, windowID int64) (bool, error)
	ReadyState(ctx context.Context, tabID string) (string, error)
	Dispatch(ctx context.Context, tabID string, payload []byte) error
	Events() <-chan Event
}

// Meta is what the tracker remembers about a tab it opened.
type Meta struct {
	TabID     string    `json:"tabId"`
	WindowID  int64     `json:"windowId"`
	URL       string    `json:"url"`
	Platform  string    `json:"platform"`
	Role      Role      `json:"role"`
	StartedAt time.Time `json:"startedAt"`
}

// Listener receives events for the tabs of one platform. Callbacks run on
// the tracker's event goroutine and must not block for long.
type Listener interface {
	TabCreated(opener Meta, tab Tab)
	TabUpdated(meta Meta)
	TabRemoved(meta Meta)
	WindowRemoved(windowID int64)
}
