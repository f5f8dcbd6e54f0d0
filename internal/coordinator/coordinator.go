// Package coordinator runs one platform's automation session: it owns the
// session record, enforces a single in-flight application, drives the apply
// tab and keeps the search tab moving.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pinchtab/autoapply/internal/idutil"
	"github.com/pinchtab/autoapply/internal/platform"
	"github.com/pinchtab/autoapply/internal/session"
	"github.com/pinchtab/autoapply/internal/tabs"
	"github.com/pinchtab/autoapply/internal/transport"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateIdle      State = "IDLE"
	StateSearching State = "SEARCHING"
	StateApplying  State = "APPLYING"
	StateCompleted State = "COMPLETED"
	StateStopped   State = "STOPPED"
)

// ProfileFetcher loads the user's profile blob.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, userID string) (json.RawMessage, error)
}

// Recorder is the application-recording service. Calls are best effort.
type Recorder interface {
	RecordApplication(ctx context.Context, o session.Outcome) error
	RecordAppliedJob(ctx context.Context, o session.Outcome) error
}

// Pusher delivers an encoded message to a content automaton's port.
type Pusher interface {
	Push(platform string, role tabs.Role, tabID string, data []byte) error
}

// Notifier shows user-visible notifications.
type Notifier interface {
	Notify(platform, level, title, message string)
}

// OutcomeSink receives every terminal outcome.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, o session.Outcome) error
}

type Options struct {
	Platform  *platform.Platform
	Tracker   *tabs.Tracker
	Profiles  ProfileFetcher
	Recorder  Recorder
	Pusher    Pusher
	Notifier  Notifier
	Sinks     []OutcomeSink
	Snapshots session.Snapshots
	// DevMode forces dev mode on every session regardless of the request.
	DevMode   bool

	ProfileTimeout time.Duration
	RecordTimeout  time.Duration
	LoadTimeout    time.Duration
	HealthInterval time.Duration
	StuckAfter     time.Duration
	IdleAfter      time.Duration

	Now func() time.Time
}

func (o *Options) defaults() {
	if o.ProfileTimeout <= 0 {
		o.ProfileTimeout = 10 * time.Second
	}
	if o.RecordTimeout <= 0 {
		o.RecordTimeout = 10 * time.Second
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 60 * time.Second
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 5 * time.Minute
	}
	if o.IdleAfter <= 0 {
		o.IdleAfter = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Coordinator is safe for concurrent use. All record mutation happens
// under mu; browser and network calls happen outside it and re-check state
// when they return.
type Coordinator struct {
	opts    Options
	name    string
	plat    *platform.Platform
	tracker *tabs.Tracker

	mu       sync.Mutex
	store    *session.Store
	state    State
	starting bool
	// gen changes whenever the session is started, stopped or reset, so
	// async work begun under an older session can tell it is stale.
	gen uint64
	// applySeq identifies the current apply task for the same purpose.
	applySeq     uint64
	healthCancel context.CancelFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	persist chan struct{}
}

func New(opts Options) *Coordinator {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:    opts,
		name:    opts.Platform.Name,
		plat:    opts.Platform,
		tracker: opts.Tracker,
		store:   session.NewStore(opts.Platform.Name),
		state:   StateIdle,
		ctx:     ctx,
		cancel:  cancel,
		persist: make(chan struct{}, 1),
	}
	if opts.Snapshots != nil {
		c.wg.Add(1)
		go c.persistLoop()
	}
	return c
}

func (c *Coordinator) Platform() string {
	return c.name
}

// Close stops background work and waits for in-flight calls to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.stopHealthLocked()
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now()
}

// StartRequest is the START_SEARCH payload.
type StartRequest struct {
	UserID       string
	JobsToApply  int
	DevMode      bool
	SearchParams session.SearchParams
}

// Start begins a session. A running session is reported, not replaced.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) transport.Response {
	c.mu.Lock()
	if c.store.Record().SearchTask.Started || c.starting {
		c.mu.Unlock()
		return transport.Response{Success: true, Status: "already_started", Message: "search already running"}
	}

	searchURL, err := c.validateStart(req)
	if err != nil {
		c.mu.Unlock()
		return c.startFailed(err)
	}
	c.starting = true
	gen := c.gen
	c.mu.Unlock()

	var profile json.RawMessage
	if c.opts.Profiles != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, c.opts.ProfileTimeout)
		profile, err = c.opts.Profiles.FetchProfile(fetchCtx, req.UserID)
		cancel()
		if err != nil {
			return c.abortStart(gen, fmt.Errorf("fetch profile: %w", err))
		}
	}

	tab, err := c.tracker.CreateWindow(c.ctx, searchURL, c.name, tabs.RoleSearch)
	if err != nil {
		return c.abortStart(gen, err)
	}

	now := c.now()
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.tracker.CloseTab(c.ctx, tab.ID)
		return transport.Response{Success: false, Status: "error", Error: "session stopped during startup", Category: CategoryUnknown}
	}

	c.starting = false
	c.store.Reset()
	rec := c.store.Record()
	rec.ID = idutil.SessionID(c.name, req.UserID, now)
	rec.UserID = req.UserID
	rec.Profile = profile
	rec.Session = req.SearchParams
	rec.DevMode = req.DevMode || c.opts.DevMode
	rec.SearchTask = session.SearchTask{
		TabID:       tab.ID,
		Limit:       req.JobsToApply,
		Domains:     append([]string(nil), c.plat.Domains...),
		LinkPattern: c.plat.LinkPatternString(),
		Started:     true,
	}
	rec.WindowID = tab.WindowID
	rec.WindowCreatedAt = now
	rec.LastActivity = now
	rec.SearchTabLastSeen = now
	c.gen++
	c.state = StateSearching
	c.startHealthLocked()
	c.markDirty()
	sessionID := rec.ID
	c.mu.Unlock()

	slog.Info("search started", "platform", c.name, "session", sessionID, "limit", req.JobsToApply, "tabId", tab.ID)
	return transport.Response{
		Success: true,
		Status:  "started",
		Message: "search started",
		Data: map[string]any{
			"sessionId": sessionID,
			"tabId":     tab.ID,
			"windowId":  tab.WindowID,
			"url":       searchURL,
		},
	}
}

func (c *Coordinator) validateStart(req StartRequest) (string, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return "", fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if req.JobsToApply < 1 {
		return "", fmt.Errorf("%w: jobsToApply must be at least 1", ErrValidation)
	}
	u, err := c.plat.SearchURL(req.SearchParams)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return u, nil
}

// abortStart rolls back a half-started session. When the session was
// stopped or restarted while this start was suspended, the record belongs
// to someone else and is left alone.
func (c *Coordinator) abortStart(gen uint64, err error) transport.Response {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		slog.Info("superseded start failed", "platform", c.name, "err", err)
		return transport.Response{
			Success:  false,
			Status:   "error",
			Message:  err.Error(),
			Error:    err.Error(),
			Category: Categorize(err),
		}
	}
	c.starting = false
	c.store.Reset()
	c.state = StateIdle
	c.markDirty()
	c.mu.Unlock()
	return c.startFailed(err)
}

func (c *Coordinator) startFailed(err error) transport.Response {
	category := Categorize(err)
	slog.Error("search start failed", "platform", c.name, "category", category, "err", err)
	c.notify("error", "Could not start search", err.Error())
	return transport.Response{
		Success:  false,
		Status:   "error",
		Message:  err.Error(),
		Error:    err.Error(),
		Category: category,
	}
}

// RequestStartApplication claims the single apply slot for url and opens
// the apply tab in the background.
func (c *Coordinator) RequestStartApplication(url, title string) transport.Response {
	url = strings.TrimSpace(url)

	c.mu.Lock()
	rec := c.store.Record()
	switch {
	case !rec.SearchTask.Started:
		c.mu.Unlock()
		return transport.Response{Success: false, Status: "error", Message: "no active search session", Error: "no active search session"}
	case url == "":
		c.mu.Unlock()
		return transport.Response{Success: false, Status: "error", Message: "url is required", Error: "url is required"}
	case !c.plat.MatchesJob(url):
		c.mu.Unlock()
		msg := fmt.Sprintf("not a %s job link: %s", c.name, url)
		return transport.Response{Success: false, Status: "error", Message: msg, Error: msg, Category: CategoryValidation}
	case rec.ApplyTask.Active:
		active := rec.ApplyTask.URL
		c.mu.Unlock()
		return transport.Response{
			Success: false,
			Status:  "busy",
			Message: "already processing another job",
			Data:    map[string]string{"url": active},
		}
	case c.store.IsDuplicate(url):
		c.mu.Unlock()
		slog.Debug("duplicate candidate", "platform", c.name, "url", url)
		return transport.Response{
			Success:   false,
			Status:    "duplicate",
			Duplicate: true,
			Message:   "already submitted",
			Data:      map[string]string{"url": url},
		}
	}

	now := c.now()
	c.store.BeginApply(url, title, now)
	c.store.AppendSubmittedLink(session.SubmittedLink{URL: url, Status: session.StatusProcessing, Timestamp: now})
	c.applySeq++
	seq := c.applySeq
	windowID := rec.WindowID
	c.state = StateApplying
	c.markDirty()
	c.mu.Unlock()

	slog.Info("application starting", "platform", c.name, "url", url)
	c.wg.Add(1)
	go c.openApplyTab(seq, url, windowID)

	return transport.Response{
		Success: true,
		Status:  "starting",
		Message: "starting application",
		Data:    map[string]string{"url": url},
	}
}

func (c *Coordinator) openApplyTab(seq uint64, url string, windowID int64) {
	defer c.wg.Done()

	tab, err := c.tracker.CreateTab(c.ctx, url, windowID, c.name, tabs.RoleApply)

	c.mu.Lock()
	rec := c.store.Record()
	stale := !rec.ApplyTask.Active || c.applySeq != seq
	searchTab := rec.SearchTask.TabID

	if err != nil {
		if stale {
			c.mu.Unlock()
			return
		}
		// Nothing in the browser saw this attempt; drop it entirely so the
		// candidate can be retried.
		c.store.RetractProcessing(url)
		c.store.ResetApplyTask()
		c.applySeq++
		c.state = StateSearching
		c.markDirty()
		c.mu.Unlock()

		slog.Warn("apply tab failed to open", "platform", c.name, "url", url, "err", err)
		c.push(tabs.RoleSearch, searchTab, transport.SearchNext{
			URL:     url,
			Status:  session.StatusError,
			Message: "could not open job tab: " + err.Error(),
		})
		return
	}

	if stale {
		c.mu.Unlock()
		slog.Debug("apply task finished before its tab opened", "platform", c.name, "tabId", tab.ID)
		c.tracker.CloseTab(c.ctx, tab.ID)
		return
	}

	rec.ApplyTask.TabID = tab.ID
	rec.ApplyTabOpenedAt = c.now()
	if tab.WindowID != 0 {
		rec.WindowID = tab.WindowID
	}
	c.markDirty()
	c.mu.Unlock()

	c.push(tabs.RoleSearch, searchTab, transport.ApplicationStarting{URL: url, TabID: tab.ID})

	if !c.tracker.WaitForLoad(c.ctx, tab.ID, c.opts.LoadTimeout) {
		slog.Debug("apply tab may not have loaded", "platform", c.name, "tabId", tab.ID)
	}
}

// finish is the work left to do after a terminal outcome has been written.
type finish struct {
	outcome      session.Outcome
	applyTab     string
	searchTab    string
	completed    bool
	notifySearch bool
	record       bool
}

// finishLocked writes a terminal outcome for the active apply task and
// resets it. The caller must hold mu and must pass the result to
// afterFinish once it has released mu.
func (c *Coordinator) finishLocked(status session.Status, detail string) finish {
	rec := c.store.Record()
	at := rec.ApplyTask
	now := c.now()

	if !c.store.Finalize(at.URL, status, detail, now) {
		slog.Warn("outcome already recorded", "platform", c.name, "url", at.URL, "status", status)
	}
	c.store.ResetApplyTask()
	c.applySeq++

	if status == session.StatusSuccess {
		c.store.IncrementApplied()
	}

	f := finish{
		applyTab:  at.TabID,
		searchTab: rec.SearchTask.TabID,
		record:    status == session.StatusSuccess && !rec.DevMode,
		outcome: session.Outcome{
			SessionID: rec.ID,
			Platform:  c.name,
			UserID:    rec.UserID,
			URL:       at.URL,
			Title:     at.Title,
			Status:    status,
			Detail:    detail,
			Applied:   rec.SearchTask.Current,
			Limit:     rec.SearchTask.Limit,
			At:        now,
		},
	}

	switch {
	case status == session.StatusSuccess && c.store.ReachedLimit():
		rec.SearchTask.Started = false
		c.state = StateCompleted
		c.stopHealthLocked()
		f.completed = true
	case rec.SearchTask.Started:
		c.state = StateSearching
		f.notifySearch = true
	default:
		// The search ended while this apply was in flight.
		c.state = StateCompleted
		c.stopHealthLocked()
	}
	c.markDirty()
	return f
}

func (c *Coordinator) afterFinish(f finish) {
	o := f.outcome
	slog.Info("application finished", "platform", c.name, "url", o.URL, "status", o.Status, "applied", o.Applied, "limit", o.Limit)

	c.tracker.CloseTab(c.ctx, f.applyTab)

	if f.record {
		c.wg.Add(1)
		go c.recordSuccess(o)
	}
	if len(c.opts.Sinks) > 0 {
		c.wg.Add(1)
		go c.publish(o)
	}

	switch {
	case f.completed:
		c.notify("info", "Applications complete", fmt.Sprintf("Applied to %d of %d jobs.", o.Applied, o.Limit))
	case f.notifySearch:
		msg := o.Detail
		if msg == "" {
			msg = strings.ToLower(string(o.Status))
		}
		c.push(tabs.RoleSearch, f.searchTab, transport.SearchNext{URL: o.URL, Status: o.Status, Message: msg})
	}
}

// recordSuccess calls the recording service. Both calls are attempted even
// if one fails.
func (c *Coordinator) recordSuccess(o session.Outcome) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.RecordTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return c.opts.Recorder.RecordApplication(ctx, o) })
	g.Go(func() error { return c.opts.Recorder.RecordAppliedJob(ctx, o) })
	if err := g.Wait(); err != nil {
		slog.Warn("record application failed", "platform", c.name, "url", o.URL, "err", err)
	}
}

func (c *Coordinator) publish(o session.Outcome) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.RecordTimeout)
	defer cancel()
	for _, s := range c.opts.Sinks {
		if err := s.RecordOutcome(ctx, o); err != nil {
			slog.Warn("outcome sink failed", "platform", c.name, "url", o.URL, "err", err)
		}
	}
}

// ReportOutcome records the terminal status of url. Late, repeated or
// mismatched reports are acknowledged and ignored.
func (c *Coordinator) ReportOutcome(url string, status session.Status, detail string) transport.Response {
	url = strings.TrimSpace(url)

	c.mu.Lock()
	at := c.store.Record().ApplyTask
	if url == "" {
		url = at.URL
	}
	switch {
	case url == "":
		c.mu.Unlock()
		return transport.Response{Success: true, Status: "ignored", Message: "no active application"}
	case c.store.HasTerminal(url):
		c.mu.Unlock()
		return transport.Response{Success: true, Status: "duplicate", Duplicate: true, Message: "outcome already recorded"}
	case !at.Active || !session.SameURL(at.URL, url):
		c.mu.Unlock()
		slog.Debug("outcome for inactive application ignored", "platform", c.name, "url", url, "status", status)
		return transport.Response{Success: true, Status: "ignored", Message: "no matching active application"}
	}
	f := c.finishLocked(status, detail)
	c.mu.Unlock()

	c.afterFinish(f)
	return transport.Response{Success: true, Status: "success", Message: "outcome recorded"}
}

// Stop ends the session. Safe to call any number of times.
func (c *Coordinator) Stop(reason string) transport.Response {
	c.mu.Lock()
	rec := c.store.Record()
	active := rec.SearchTask.Started || rec.ApplyTask.Active || c.starting

	var f *finish
	if rec.ApplyTask.Active {
		rec.SearchTask.Started = false
		out := c.finishLocked(session.StatusError, "stopped: "+reason)
		f = &out
	}
	c.gen++
	c.applySeq++
	c.starting = false
	rec.SearchTask.Started = false
	c.store.ResetApplyTask()
	c.stopHealthLocked()
	if active {
		c.state = StateStopped
	}
	c.markDirty()
	c.mu.Unlock()

	if f != nil {
		c.afterFinish(*f)
	}
	if active {
		slog.Info("search stopped", "platform", c.name, "reason", reason)
	}
	return transport.Response{Success: true, Status: "stopped", Message: reason}
}

// Reset stops the session and clears the record.
func (c *Coordinator) Reset(reason string) {
	c.Stop(reason)
	c.mu.Lock()
	c.store.Reset()
	c.state = StateIdle
	c.markDirty()
	c.mu.Unlock()
}

// OnSearchCompleted handles the search tab running out of candidates. The
// window stays open.
func (c *Coordinator) OnSearchCompleted(message string) transport.Response {
	c.mu.Lock()
	rec := c.store.Record()
	if !rec.SearchTask.Started {
		c.mu.Unlock()
		return transport.Response{Success: true, Status: "ignored", Message: "no active search session"}
	}
	rec.SearchTask.Started = false
	// An apply still in flight keeps the health loop so a stuck task is
	// recovered; finishLocked completes the session when it ends.
	if !rec.ApplyTask.Active {
		c.state = StateCompleted
		c.stopHealthLocked()
	}
	applied := rec.SearchTask.Current
	c.markDirty()
	c.mu.Unlock()

	if message == "" {
		message = fmt.Sprintf("No more jobs found. Applied to %d.", applied)
	}
	slog.Info("search completed", "platform", c.name, "applied", applied)
	c.notify("info", "Search complete", message)
	return transport.Response{Success: true, Status: "completed", Message: message}
}

// push encodes msg and sends it over the port, falling back to dispatching
// it straight into the tab.
func (c *Coordinator) push(role tabs.Role, tabID string, msg transport.Message) {
	data, reqID, err := transport.Encode(c.name, msg)
	if err != nil {
		slog.Error("encode push", "platform", c.name, "kind", msg.Kind(), "err", err)
		return
	}
	if c.opts.Pusher != nil {
		err = c.opts.Pusher.Push(c.name, role, tabID, data)
		if err == nil {
			return
		}
		slog.Debug("port push failed, dispatching to tab", "platform", c.name, "kind", msg.Kind(), "tabId", tabID, "err", err)
	}
	if tabID == "" {
		slog.Warn("push not delivered", "platform", c.name, "kind", msg.Kind(), "requestId", reqID)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := c.tracker.Dispatch(ctx, tabID, data); err != nil {
		slog.Warn("push not delivered", "platform", c.name, "kind", msg.Kind(), "tabId", tabID, "requestId", reqID, "err", err)
	}
}

func (c *Coordinator) notify(level, title, message string) {
	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(c.name, level, title, message)
	}
}

func (c *Coordinator) startHealthLocked() {
	if c.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.healthCancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runHealth(ctx)
	}()
}

func (c *Coordinator) stopHealthLocked() {
	if c.healthCancel != nil {
		c.healthCancel()
		c.healthCancel = nil
	}
}

// Status is a read-only view for status surfaces.
type Status struct {
	Platform string         `json:"platform"`
	State    State          `json:"state"`
	Counts   map[string]int `json:"counts"`
	Record   session.Record `json:"record"`
	Tabs     []tabs.Meta    `json:"tabs"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	rec := c.store.Snapshot()
	state := c.state
	counts := c.store.Counts()
	c.mu.Unlock()

	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[string(k)] = v
	}
	return Status{
		Platform: c.name,
		State:    state,
		Counts:   out,
		Record:   rec,
		Tabs:     c.tracker.Tracked(c.name),
	}
}
