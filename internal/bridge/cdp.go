package bridge

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
)

// DispatchEvent is the window event content scripts listen on for pushes
// that could not be delivered over a port.
const DispatchEvent = "autoapply:message"

func dispatchScript(payload []byte) string {
	return fmt.Sprintf("window.dispatchEvent(new CustomEvent(%q, {detail: %s}))", DispatchEvent, payload)
}

func listPages(exec context.Context) ([]*target.Info, error) {
	targets, err := target.GetTargets().Do(exec)
	if err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}
	pages := make([]*target.Info, 0, len(targets))
	for _, t := range targets {
		if t.Type == TargetTypePage {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

func (b *Bridge) findPage(exec context.Context, tabID string) (*target.Info, bool, error) {
	pages, err := listPages(exec)
	if err != nil {
		return nil, false, err
	}
	for _, p := range pages {
		if string(p.TargetID) == tabID {
			return p, true, nil
		}
	}
	return nil, false, nil
}

func (b *Bridge) targetInWindow(exec context.Context, windowID int64) (target.ID, bool, error) {
	pages, err := listPages(exec)
	if err != nil {
		return "", false, err
	}
	for _, p := range pages {
		w, _, err := browser.GetWindowForTarget().WithTargetID(p.TargetID).Do(exec)
		if err != nil {
			continue
		}
		if int64(w) == windowID {
			return p.TargetID, true, nil
		}
	}
	return "", false, nil
}
