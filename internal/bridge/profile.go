package bridge

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var crashedPrefsReplacer = strings.NewReplacer(
	`"exit_type":"Crashed"`, `"exit_type":"Normal"`,
	`"exit_type": "Crashed"`, `"exit_type": "Normal"`,
	`"exited_cleanly":false`, `"exited_cleanly":true`,
	`"exited_cleanly": false`, `"exited_cleanly": true`,
)

func prefsPath(profileDir string) string {
	return filepath.Join(profileDir, "Default", "Preferences")
}

// MarkCleanExit patches Chrome's preferences so the next launch does not
// offer to restore the previous session.
func MarkCleanExit(profileDir string) {
	data, err := os.ReadFile(prefsPath(profileDir))
	if err != nil {
		return
	}
	patched := crashedPrefsReplacer.Replace(string(data))
	if patched == string(data) {
		return
	}
	if err := os.WriteFile(prefsPath(profileDir), []byte(patched), 0644); err != nil {
		slog.Error("patch prefs", "err", err)
	}
}

func WasUncleanExit(profileDir string) bool {
	data, err := os.ReadFile(prefsPath(profileDir))
	if err != nil {
		return false
	}
	prefs := string(data)
	return strings.Contains(prefs, `"exit_type":"Crashed"`) || strings.Contains(prefs, `"exit_type": "Crashed"`)
}

// ClearChromeSessions removes session restore data. Chrome can hang on
// startup restoring a large crashed session.
func ClearChromeSessions(profileDir string) {
	dir := filepath.Join(profileDir, "Default", "Sessions")

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		if err = os.RemoveAll(dir); err == nil {
			slog.Info("cleared chrome sessions dir")
			return
		}
	}
	slog.Warn("failed to clear chrome sessions dir", "err", err)
}
