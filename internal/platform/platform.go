// Package platform describes the job boards a coordinator can drive.
// A platform is data: a name, a domain allowlist, a job-link pattern and a
// search-URL builder. Coordinators are generic over it.
package platform

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pinchtab/autoapply/internal/session"
)

// SearchURLFunc builds the first search-results URL for a run.
type SearchURLFunc func(p session.SearchParams) (string, error)

type Platform struct {
	Name        string
	Domains     []string
	LinkPattern *regexp.Regexp
	SearchURL   SearchURLFunc
}

// AllowsURL reports whether raw points at one of the platform's domains or
// a subdomain of one.
func (p *Platform) AllowsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range p.Domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// MatchesJob reports whether raw looks like a job posting for this board.
func (p *Platform) MatchesJob(raw string) bool {
	if p.LinkPattern == nil {
		return true
	}
	return p.LinkPattern.MatchString(raw)
}

func (p *Platform) LinkPatternString() string {
	if p.LinkPattern == nil {
		return ""
	}
	return p.LinkPattern.String()
}

var (
	registry = make(map[string]*Platform)
	mu       sync.RWMutex
)

// Register adds or replaces a platform definition.
func Register(p *Platform) {
	mu.Lock()
	defer mu.Unlock()
	registry[strings.ToLower(p.Name)] = p
}

// Get returns a platform by name.
func Get(name string) (*Platform, error) {
	mu.RLock()
	p, ok := registry[strings.ToLower(name)]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown platform: %s (available: %v)", name, Names())
	}
	return p, nil
}

// Names returns all registered platform names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
