package session

import (
	"net/url"
	"strings"
)

// NormalizeURL reduces a job URL to lower-case host+path with no scheme, no
// fragment and no trailing slash. The query is kept because some boards
// identify postings by it (indeed.com/viewjob?jk=...). Unparseable input is
// lower-cased and trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(stripScheme(raw)), "/")
	}
	out := strings.ToLower(u.Host + strings.TrimRight(u.EscapedPath(), "/"))
	if u.RawQuery != "" {
		out += "?" + strings.ToLower(u.RawQuery)
	}
	return out
}

func stripScheme(s string) string {
	if i := strings.Index(s, "://"); i >= 0 {
		return s[i+3:]
	}
	return s
}

// SameURL compares normalised forms, falling back to containment in either
// direction so that tracking parameters do not defeat duplicate detection.
// A contained URL must end where the longer one ends or at a separator, so
// jobs/view/1 never matches jobs/view/1001.
func SameURL(a, b string) bool {
	na, nb := NormalizeURL(a), NormalizeURL(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	la := strings.TrimRight(strings.ToLower(stripScheme(strings.TrimSpace(a))), "/")
	lb := strings.TrimRight(strings.ToLower(stripScheme(strings.TrimSpace(b))), "/")
	return containsAtBoundary(la, lb) || containsAtBoundary(lb, la)
}

func containsAtBoundary(long, short string) bool {
	if short == "" {
		return false
	}
	for from := 0; from+len(short) <= len(long); {
		i := strings.Index(long[from:], short)
		if i < 0 {
			return false
		}
		end := from + i + len(short)
		if end == len(long) || strings.IndexByte("?#&/", long[end]) >= 0 {
			return true
		}
		from += i + 1
	}
	return false
}
