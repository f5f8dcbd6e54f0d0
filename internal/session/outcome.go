package session

import "time"

// Outcome is one terminal result, as handed to the recording service and
// the outcome sinks.
type Outcome struct {
	SessionID string    `json:"sessionId"`
	Platform  string    `json:"platform"`
	UserID    string    `json:"userId"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Applied   int       `json:"applied"`
	Limit     int       `json:"limit"`
	At        time.Time `json:"at"`
}
