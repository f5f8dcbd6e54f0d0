package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pinchtab/autoapply/internal/session"
	"github.com/pinchtab/autoapply/internal/tabs"
	"github.com/pinchtab/autoapply/internal/transport"
)

// HandleMessage answers one inbound message. Every message refreshes
// lastActivity; every message gets a response.
func (c *Coordinator) HandleMessage(ctx context.Context, from transport.Origin, env transport.Envelope, msg transport.Message) transport.Response {
	c.mu.Lock()
	c.store.Touch(c.now())
	c.searchTabSeen(from)
	c.mu.Unlock()

	switch m := msg.(type) {
	case transport.StartSearch:
		return c.Start(ctx, StartRequest{
			UserID:       m.UserID,
			JobsToApply:  m.JobsToApply,
			DevMode:      m.DevMode,
			SearchParams: m.SearchParams,
		})
	case transport.StopSearch:
		reason := m.Reason
		if reason == "" {
			reason = "stopped by user"
		}
		return c.Stop(reason)
	case transport.GetSearchTask:
		return c.searchTask()
	case transport.GetProfileData:
		return c.profileData(ctx)
	case transport.GetApplyTask:
		return c.applyTask()
	case transport.StartApplication:
		return c.RequestStartApplication(m.URL, m.Title)
	case transport.ApplicationCompleted:
		return c.ReportOutcome(m.URL, session.StatusSuccess, m.Detail)
	case transport.ApplicationError:
		return c.ReportOutcome(m.URL, session.StatusError, m.Message)
	case transport.ApplicationSkipped:
		return c.ReportOutcome(m.URL, session.StatusSkipped, m.Reason)
	case transport.ApplicationTimeout:
		return c.ReportOutcome(m.URL, session.StatusTimeout, m.Message)
	case transport.SearchCompleted:
		return c.OnSearchCompleted(m.Message)
	case transport.CheckApplicationStatus:
		return c.applicationStatus(from)
	case transport.Keepalive:
		return transport.OK(map[string]int64{"timestamp": c.now().UnixMilli()})
	case transport.Hello:
		return transport.OK(map[string]string{"role": string(from.Role), "tabId": from.TabID})
	case transport.SearchNext, transport.ApplicationStarting, transport.ApplicationStatus,
		transport.ExternalTabOrigin, transport.JobTabStatus:
		return transport.Fail(fmt.Sprintf("%s is an outbound message", m.Kind()))
	}

	slog.Warn("unhandled message", "platform", c.name, "kind", env.Kind())
	return transport.Fail(fmt.Sprintf("%v: %s", transport.ErrUnknownType, env.Kind()))
}

func (c *Coordinator) searchTask() transport.Response {
	c.mu.Lock()
	rec := c.store.Snapshot()
	c.mu.Unlock()

	links := rec.SubmittedLinks
	if links == nil {
		links = []session.SubmittedLink{}
	}
	return transport.OK(map[string]any{
		"started":        rec.SearchTask.Started,
		"limit":          rec.SearchTask.Limit,
		"current":        rec.SearchTask.Current,
		"domain":         rec.SearchTask.Domains,
		"linkPattern":    rec.SearchTask.LinkPattern,
		"submittedLinks": links,
	})
}

// profileData returns the cached profile, fetching it once if the session
// started without one.
func (c *Coordinator) profileData(ctx context.Context) transport.Response {
	c.mu.Lock()
	rec := c.store.Record()
	profile := rec.Profile
	userID := rec.UserID
	gen := c.gen
	c.mu.Unlock()

	if len(profile) > 0 {
		return transport.OK(profile)
	}
	if userID == "" {
		return transport.Fail("no active session")
	}
	if c.opts.Profiles == nil {
		return transport.Fail("profile service not configured")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.ProfileTimeout)
	defer cancel()
	profile, err := c.opts.Profiles.FetchProfile(fetchCtx, userID)
	if err != nil {
		slog.Warn("fetch profile failed", "platform", c.name, "userId", userID, "err", err)
		resp := transport.Fail(err.Error())
		resp.Category = Categorize(err)
		return resp
	}

	c.mu.Lock()
	if c.gen == gen && c.store.Record().UserID == userID {
		c.store.Record().Profile = profile
		c.markDirty()
	}
	c.mu.Unlock()
	return transport.OK(profile)
}

func (c *Coordinator) applyTask() transport.Response {
	c.mu.Lock()
	rec := c.store.Snapshot()
	c.mu.Unlock()

	return transport.OK(map[string]any{
		"profile":   rec.Profile,
		"session":   rec.Session,
		"devMode":   rec.DevMode,
		"avatarUrl": avatarURL(rec.Profile),
		"url":       rec.ApplyTask.URL,
		"title":     rec.ApplyTask.Title,
		"active":    rec.ApplyTask.Active,
	})
}

func avatarURL(profile json.RawMessage) string {
	if len(profile) == 0 {
		return ""
	}
	var p struct {
		AvatarURL string `json:"avatarUrl"`
		Avatar    string `json:"avatar"`
		User      *struct {
			AvatarURL string `json:"avatarUrl"`
		} `json:"user"`
	}
	if err := json.Unmarshal(profile, &p); err != nil {
		return ""
	}
	switch {
	case p.AvatarURL != "":
		return p.AvatarURL
	case p.Avatar != "":
		return p.Avatar
	case p.User != nil:
		return p.User.AvatarURL
	}
	return ""
}

// applicationStatus answers CHECK_APPLICATION_STATUS. A request that did
// not come over a port is also answered by a push, since the sender may be
// listening on a port that the one-off channel bypassed.
func (c *Coordinator) applicationStatus(from transport.Origin) transport.Response {
	c.mu.Lock()
	at := c.store.Record().ApplyTask
	c.mu.Unlock()

	status := transport.ApplicationStatus{InProgress: at.Active, URL: at.URL, TabID: at.TabID}
	if from.Port == "" && from.TabID != "" {
		role := from.Role
		if role == "" {
			role = tabs.RoleSearch
		}
		c.push(role, from.TabID, status)
	}
	return transport.OK(status)
}

func isWebURL(u string) bool {
	u = strings.ToLower(u)
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
