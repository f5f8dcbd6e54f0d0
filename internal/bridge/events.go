package bridge

import (
	"log/slog"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/pinchtab/autoapply/internal/tabs"
)

// Listen starts forwarding page target events to Events(). Safe to call
// more than once.
func (b *Bridge) Listen() error {
	var err error
	b.listenOnce.Do(func() {
		exec, e := b.browserExec(b.browserCtx)
		if e != nil {
			err = e
			return
		}
		if e := target.SetDiscoverTargets(true).Do(exec); e != nil {
			slog.Debug("set discover targets", "err", e)
		}
		chromedp.ListenBrowser(b.browserCtx, func(ev any) {
			out, ok := toEvent(ev)
			if !ok {
				return
			}
			if out.Kind == tabs.EventRemoved {
				go b.forget(out.TabID)
			}
			select {
			case b.events <- out:
			default:
				slog.Warn("tab event dropped", "kind", out.Kind, "tabId", out.TabID)
			}
		})
	})
	return err
}

func toEvent(ev any) (tabs.Event, bool) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo == nil || e.TargetInfo.Type != TargetTypePage {
			return tabs.Event{}, false
		}
		return tabs.Event{
			Kind:     tabs.EventCreated,
			TabID:    string(e.TargetInfo.TargetID),
			URL:      e.TargetInfo.URL,
			OpenerID: string(e.TargetInfo.OpenerID),
		}, true
	case *target.EventTargetInfoChanged:
		if e.TargetInfo == nil || e.TargetInfo.Type != TargetTypePage {
			return tabs.Event{}, false
		}
		return tabs.Event{Kind: tabs.EventUpdated, TabID: string(e.TargetInfo.TargetID), URL: e.TargetInfo.URL}, true
	case *target.EventTargetDestroyed:
		return tabs.Event{Kind: tabs.EventRemoved, TabID: string(e.TargetID)}, true
	}
	return tabs.Event{}, false
}
