package session

import (
	"time"
)

// Store is the single mutable record owned by one coordinator. It does no
// locking of its own: the coordinator serialises every call.
type Store struct {
	rec Record
}

func NewStore(platform string) *Store {
	return &Store{rec: Record{Platform: platform}}
}

// Record exposes the live record for in-place mutation by the owner.
func (s *Store) Record() *Record {
	return &s.rec
}

func (s *Store) Snapshot() Record {
	return s.rec.Clone()
}

// Restore replaces the record wholesale, keeping the platform binding.
func (s *Store) Restore(r Record) {
	platform := s.rec.Platform
	s.rec = r.Clone()
	s.rec.Platform = platform
}

// Reset returns the record to its defaults.
func (s *Store) Reset() {
	s.rec = Record{Platform: s.rec.Platform}
}

func (s *Store) ResetApplyTask() {
	s.rec.ApplyTask = ApplyTask{}
}

func (s *Store) BeginApply(url, title string, now time.Time) {
	s.rec.ApplyTask = ApplyTask{URL: url, Title: title, Active: true, StartTime: now}
}

func (s *Store) AppendSubmittedLink(e SubmittedLink) {
	s.rec.SubmittedLinks = append(s.rec.SubmittedLinks, e)
}

// RetractProcessing removes the newest PROCESSING entry for url. It is the
// only operation that removes log entries.
func (s *Store) RetractProcessing(url string) bool {
	links := s.rec.SubmittedLinks
	for i := len(links) - 1; i >= 0; i-- {
		if links[i].Status == StatusProcessing && links[i].URL == url {
			s.rec.SubmittedLinks = append(links[:i:i], links[i+1:]...)
			return true
		}
	}
	return false
}

// Finalize moves url to a terminal status. A PROCESSING placeholder for url
// is always superseded in place, so no placeholder outlives its apply task.
// Without one a new entry is appended. It returns false when url already
// has a terminal entry and nothing was written.
func (s *Store) Finalize(url string, status Status, detail string, now time.Time) bool {
	links := s.rec.SubmittedLinks
	for i := len(links) - 1; i >= 0; i-- {
		if links[i].Status == StatusProcessing && SameURL(links[i].URL, url) {
			links[i].Status = status
			links[i].Detail = detail
			links[i].Timestamp = now
			return true
		}
	}
	if s.HasTerminal(url) {
		return false
	}
	s.AppendSubmittedLink(SubmittedLink{URL: url, Status: status, Detail: detail, Timestamp: now})
	return true
}

func (s *Store) HasTerminal(url string) bool {
	for _, l := range s.rec.SubmittedLinks {
		if l.Status.Terminal() && SameURL(l.URL, url) {
			return true
		}
	}
	return false
}

// IsDuplicate reports whether url was already submitted in any status.
func (s *Store) IsDuplicate(url string) bool {
	for _, l := range s.rec.SubmittedLinks {
		if SameURL(l.URL, url) {
			return true
		}
	}
	return false
}

func (s *Store) IncrementApplied() {
	s.rec.SearchTask.Current++
}

func (s *Store) ReachedLimit() bool {
	return s.rec.SearchTask.Limit > 0 && s.rec.SearchTask.Current >= s.rec.SearchTask.Limit
}

func (s *Store) Touch(now time.Time) {
	s.rec.LastActivity = now
}

// Counts tallies the log by status.
func (s *Store) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, l := range s.rec.SubmittedLinks {
		out[l.Status]++
	}
	return out
}
