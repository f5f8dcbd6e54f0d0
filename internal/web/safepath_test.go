package web

import (
	"path/filepath"
	"testing"
)

func TestSafePathHistoryDB(t *testing.T) {
	state := t.TempDir()

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"default name", "history.db", filepath.Join(state, "history.db"), false},
		{"nested", "db/history.db", filepath.Join(state, "db", "history.db"), false},
		{"absolute inside", filepath.Join(state, "h.db"), filepath.Join(state, "h.db"), false},
		{"state dir itself", state, state, false},
		{"dotdot escape", "../history.db", "", true},
		{"hidden escape", "db/../../history.db", "", true},
		{"absolute outside", filepath.Join(filepath.Dir(state), "history.db"), "", true},
		{"sibling prefix", state + "-other/history.db", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafePath(state, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SafePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SafePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
