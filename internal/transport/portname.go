package transport

import (
	"fmt"
	"strings"

	"github.com/pinchtab/autoapply/internal/tabs"
)

// Origin identifies who sent a message.
type Origin struct {
	Platform string    `json:"platform"`
	Role     tabs.Role `json:"role,omitempty"`
	TabID    string    `json:"tabId,omitempty"`
	Port     string    `json:"port,omitempty"`
}

// ParsePortName splits "{platform}-{role}-{tabId}". The tab id is
// everything after the second dash.
func ParsePortName(name string) (Origin, error) {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Origin{}, fmt.Errorf("invalid port name %q: want platform-role-tabId", name)
	}
	role, ok := tabs.ParseRole(parts[1])
	if !ok {
		return Origin{}, fmt.Errorf("invalid port name %q: unknown role %q", name, parts[1])
	}
	return Origin{Platform: strings.ToLower(parts[0]), Role: role, TabID: parts[2], Port: name}, nil
}
