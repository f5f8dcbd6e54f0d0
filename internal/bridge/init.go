package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/pinchtab/autoapply/internal/config"
)

const chromeStartTimeout = 15 * time.Second

// InitChrome connects to CdpURL when set, otherwise launches Chrome with
// the configured profile. The returned cancel tears down both the browser
// and its allocator.
func InitChrome(cfg *config.RuntimeConfig) (context.Context, context.CancelFunc, error) {
	allocCtx, allocCancel := setupAllocator(cfg)

	browserCtx, browserCancel, err := startChrome(allocCtx)
	if err != nil && cfg.CdpURL == "" {
		slog.Warn("chrome startup failed, clearing sessions and retrying once", "err", err)
		allocCancel()
		ClearChromeSessions(cfg.ProfileDir)
		MarkCleanExit(cfg.ProfileDir)

		allocCtx, allocCancel = setupAllocator(cfg)
		browserCtx, browserCancel, err = startChrome(allocCtx)
	}
	if err != nil {
		allocCancel()
		return nil, nil, fmt.Errorf("start chrome: %w", err)
	}

	slog.Info("chrome ready", "headless", cfg.Headless, "profile", cfg.ProfileDir, "cdp", cfg.CdpURL)
	return browserCtx, func() {
		browserCancel()
		allocCancel()
		if cfg.CdpURL == "" {
			MarkCleanExit(cfg.ProfileDir)
		}
	}, nil
}

func setupAllocator(cfg *config.RuntimeConfig) (context.Context, context.CancelFunc) {
	if cfg.CdpURL != "" {
		slog.Info("connecting to chrome", "url", cfg.CdpURL)
		return chromedp.NewRemoteAllocator(context.Background(), cfg.CdpURL)
	}

	if err := os.MkdirAll(cfg.ProfileDir, 0755); err != nil {
		slog.Warn("cannot create profile dir", "dir", cfg.ProfileDir, "err", err)
	}
	for _, lockName := range []string{"SingletonLock", "SingletonSocket", "SingletonCookie"} {
		if err := os.Remove(filepath.Join(cfg.ProfileDir, lockName)); err == nil {
			slog.Warn("removed stale lock", "file", lockName)
		}
	}
	if WasUncleanExit(cfg.ProfileDir) {
		slog.Warn("previous session exited uncleanly, clearing chrome session restore data")
		ClearChromeSessions(cfg.ProfileDir)
	}

	slog.Info("launching chrome", "profile", cfg.ProfileDir, "headless", cfg.Headless)
	return chromedp.NewExecAllocator(context.Background(), buildChromeOpts(cfg)...)
}

func buildChromeOpts(cfg *config.RuntimeConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.UserDataDir(cfg.ProfileDir),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,

		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("disable-session-crashed-bubble", true),
		chromedp.Flag("hide-crash-restore-bubble", true),
		chromedp.Flag("disable-sync", true),
	}

	if cfg.ChromeBinary != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromeBinary))
	}
	for _, f := range strings.Fields(cfg.ChromeExtraFlags) {
		if k, v, ok := strings.Cut(f, "="); ok {
			opts = append(opts, chromedp.Flag(strings.TrimLeft(k, "-"), v))
		} else {
			opts = append(opts, chromedp.Flag(strings.TrimLeft(f, "-"), true))
		}
	}

	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

func startChrome(allocCtx context.Context) (context.Context, context.CancelFunc, error) {
	bCtx, bCancel := chromedp.NewContext(allocCtx)

	startCtx, startDone := context.WithTimeout(context.Background(), chromeStartTimeout)
	defer startDone()

	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(bCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			bCancel()
			return nil, nil, err
		}
		return bCtx, bCancel, nil
	case <-startCtx.Done():
		bCancel()
		return nil, nil, fmt.Errorf("timed out after %s", chromeStartTimeout)
	}
}
