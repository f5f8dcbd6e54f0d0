// Package session holds the per-platform automation record and the
// mutation methods the coordinator applies to it.
package session

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
	StatusSkipped    Status = "SKIPPED"
	StatusTimeout    Status = "TIMEOUT"
)

// Terminal reports whether a link in this status never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusSkipped, StatusTimeout:
		return true
	}
	return false
}

// ParseStatus accepts upper or lower case and rejects unknown values.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusProcessing, StatusSuccess, StatusError, StatusSkipped, StatusTimeout:
		return st, true
	}
	return "", false
}

// SearchParams are the user's search filters. Field names follow the
// inbound START_SEARCH payload.
type SearchParams struct {
	Role          string `json:"role"`
	Location      string `json:"location,omitempty"`
	Country       string `json:"country,omitempty"`
	WorkplaceMode string `json:"workplace,omitempty"`
	JobType       string `json:"jobType,omitempty"`
	DatePosted    string `json:"datePosted,omitempty"`
	SalaryMin     int    `json:"salaryMin,omitempty"`
	SalaryMax     int    `json:"salaryMax,omitempty"`
}

type SearchTask struct {
	TabID       string   `json:"tabId,omitempty"`
	Limit       int      `json:"limit"`
	Current     int      `json:"current"`
	Domains     []string `json:"domain"`
	LinkPattern string   `json:"linkPattern,omitempty"`
	Started     bool     `json:"started"`
}

type ApplyTask struct {
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	TabID     string    `json:"tabId,omitempty"`
	Active    bool      `json:"active"`
	StartTime time.Time `json:"startTime,omitempty"`
}

type SubmittedLink struct {
	URL       string    `json:"url"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Record struct {
	ID       string          `json:"id,omitempty"`
	Platform string          `json:"platform"`
	UserID   string          `json:"userId,omitempty"`
	Profile  json.RawMessage `json:"profile,omitempty"`
	Session  SearchParams    `json:"session"`
	DevMode  bool            `json:"devMode"`

	SearchTask     SearchTask      `json:"searchTask"`
	ApplyTask      ApplyTask       `json:"applyTask"`
	SubmittedLinks []SubmittedLink `json:"submittedLinks"`

	WindowID          int64     `json:"windowId,omitempty"`
	LastActivity      time.Time `json:"lastActivity,omitempty"`
	WindowCreatedAt   time.Time `json:"windowCreatedAt,omitempty"`
	SearchTabLastSeen time.Time `json:"searchTabLastSeen,omitempty"`
	ApplyTabOpenedAt  time.Time `json:"applyTabOpenedAt,omitempty"`
}

// Clone returns a deep copy safe to hand outside the owning coordinator.
func (r Record) Clone() Record {
	out := r
	if r.Profile != nil {
		out.Profile = append(json.RawMessage(nil), r.Profile...)
	}
	out.SearchTask.Domains = append([]string(nil), r.SearchTask.Domains...)
	out.SubmittedLinks = append([]SubmittedLink(nil), r.SubmittedLinks...)
	return out
}
