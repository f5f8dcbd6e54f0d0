package coordinator

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/pinchtab/autoapply/internal/tabs"
)

var ErrValidation = errors.New("validation failed")

const (
	CategoryNetwork    = "NETWORK_ERROR"
	CategoryBrowser    = "BROWSER_ERROR"
	CategoryValidation = "VALIDATION_ERROR"
	CategoryTimeout    = "TIMEOUT_ERROR"
	CategoryUnknown    = "UNKNOWN_ERROR"
)

// Categorize maps a startup error to the coarse category reported to the
// caller. Typed errors win; the message is matched as a fallback.
func Categorize(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, tabs.ErrTabNotFound), errors.Is(err, tabs.ErrWindowNotFound):
		return CategoryBrowser
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline"):
		return CategoryTimeout
	case containsAny(msg, "network", "fetch", "connection", "dial", "status code", "http"):
		return CategoryNetwork
	case containsAny(msg, "tab", "window", "browser", "chrome", "target"):
		return CategoryBrowser
	case containsAny(msg, "invalid", "required", "validation"):
		return CategoryValidation
	}
	return CategoryUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
