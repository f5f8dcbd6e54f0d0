// Package backend talks to the profile and application-recording services.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pinchtab/autoapply/internal/session"
)

const maxBody = 4 << 20

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status code %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// FetchProfile returns the user's profile as the service sent it.
func (c *Client) FetchProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	if userID == "" {
		return nil, fmt.Errorf("fetch profile: user id is required")
	}
	body, err := c.do(ctx, http.MethodGet, "/api/user/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("fetch profile: invalid json")
	}
	return json.RawMessage(body), nil
}

type applicationRequest struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	Platform  string    `json:"platform"`
	JobURL    string    `json:"jobUrl"`
	JobTitle  string    `json:"jobTitle,omitempty"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	AppliedAt time.Time `json:"appliedAt"`
}

type appliedJobRequest struct {
	UserID   string `json:"userId"`
	Platform string `json:"platform"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
}

func (c *Client) RecordApplication(ctx context.Context, o session.Outcome) error {
	_, err := c.do(ctx, http.MethodPost, "/api/applications", applicationRequest{
		UserID:    o.UserID,
		SessionID: o.SessionID,
		Platform:  o.Platform,
		JobURL:    o.URL,
		JobTitle:  o.Title,
		Status:    string(o.Status),
		Detail:    o.Detail,
		AppliedAt: o.At,
	})
	if err != nil {
		return fmt.Errorf("record application: %w", err)
	}
	return nil
}

func (c *Client) RecordAppliedJob(ctx context.Context, o session.Outcome) error {
	_, err := c.do(ctx, http.MethodPost, "/api/applied-jobs", appliedJobRequest{
		UserID:   o.UserID,
		Platform: o.Platform,
		URL:      o.URL,
		Title:    o.Title,
	})
	if err != nil {
		return fmt.Errorf("record applied job: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: snippet}
	}
	return data, nil
}
