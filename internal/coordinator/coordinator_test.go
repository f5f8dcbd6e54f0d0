package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pinchtab/autoapply/internal/platform"
	"github.com/pinchtab/autoapply/internal/session"
	"github.com/pinchtab/autoapply/internal/tabs"
	"github.com/pinchtab/autoapply/internal/tabs/tabstest"
	"github.com/pinchtab/autoapply/internal/transport"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type pushed struct {
	Role    tabs.Role
	TabID   string
	Kind    transport.Kind
	Payload json.RawMessage
}

type fakePusher struct {
	mu    sync.Mutex
	err   error
	items []pushed
}

func (p *fakePusher) Push(platform string, role tabs.Role, tabID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	var env transport.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.items = append(p.items, pushed{Role: role, TabID: tabID, Kind: env.Kind(), Payload: env.Payload})
	return nil
}

func (p *fakePusher) ofKind(kind transport.Kind) []pushed {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pushed
	for _, it := range p.items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}

type note struct {
	Level, Title, Message string
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *fakeNotifier) Notify(platform, level, title, message string) {
	n.mu.Lock()
	n.notes = append(n.notes, note{level, title, message})
	n.mu.Unlock()
}

func (n *fakeNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, x := range n.notes {
		out = append(out, x.Title)
	}
	return out
}

type fakeRecorder struct {
	mu           sync.Mutex
	applications []session.Outcome
	appliedJobs  []session.Outcome
	err          error
}

func (r *fakeRecorder) RecordApplication(ctx context.Context, o session.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applications = append(r.applications, o)
	return r.err
}

func (r *fakeRecorder) RecordAppliedJob(ctx context.Context, o session.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appliedJobs = append(r.appliedJobs, o)
	return r.err
}

func (r *fakeRecorder) calls() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applications), len(r.appliedJobs)
}

type fakeProfiles struct {
	err     error
	profile json.RawMessage
}

func (f *fakeProfiles) FetchProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.profile != nil {
		return f.profile, nil
	}
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"avatarUrl":"https://cdn.test/%s.png"}`, userID, userID)), nil
}

type fakeSink struct {
	mu       sync.Mutex
	outcomes []session.Outcome
}

func (s *fakeSink) RecordOutcome(ctx context.Context, o session.Outcome) error {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

type memSnapshots struct {
	mu   sync.Mutex
	recs map[string]session.Record
}

func (m *memSnapshots) Save(ctx context.Context, rec session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = make(map[string]session.Record)
	}
	m.recs[rec.Platform] = rec.Clone()
	return nil
}

func (m *memSnapshots) Load(ctx context.Context, platform string) (session.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[platform]
	return rec, ok, nil
}

func (m *memSnapshots) Delete(ctx context.Context, platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, platform)
	return nil
}

type harness struct {
	c        *Coordinator
	drv      *tabstest.Driver
	tracker  *tabs.Tracker
	pusher   *fakePusher
	notifier *fakeNotifier
	recorder *fakeRecorder
	profiles *fakeProfiles
	sink     *fakeSink
	clock    *fakeClock
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	p, err := platform.Get("linkedin")
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		drv:      tabstest.NewDriver(),
		pusher:   &fakePusher{},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
		profiles: &fakeProfiles{},
		sink:     &fakeSink{},
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.tracker = tabs.NewTracker(h.drv)

	opts := Options{
		Platform:    p,
		Tracker:     h.tracker,
		Profiles:    h.profiles,
		Recorder:    h.recorder,
		Pusher:      h.pusher,
		Notifier:    h.notifier,
		Sinks:       []OutcomeSink{h.sink},
		LoadTimeout: time.Second,
		Now:         h.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.c = New(opts)
	h.tracker.Subscribe(p.Name, h.c)

	ctx, cancel := context.WithCancel(context.Background())
	go h.tracker.Run(ctx)
	t.Cleanup(func() {
		cancel()
		h.c.Close()
	})
	return h
}

func (h *harness) start(t *testing.T, limit int) {
	t.Helper()
	resp := h.c.Start(context.Background(), StartRequest{
		UserID:       "u1",
		JobsToApply:  limit,
		SearchParams: session.SearchParams{Role: "Go Engineer", Location: "Berlin"},
	})
	if !resp.Success || resp.Status != "started" {
		t.Fatalf("start: %+v", resp)
	}
}

// apply claims url and waits for its tab to open.
func (h *harness) apply(t *testing.T, url string) string {
	t.Helper()
	resp := h.c.RequestStartApplication(url, "Engineer")
	if !resp.Success || resp.Status != "starting" {
		t.Fatalf("request %s: %+v", url, resp)
	}
	var tabID string
	waitFor(t, "apply tab opened", func() bool {
		tabID = h.record().ApplyTask.TabID
		return tabID != ""
	})
	return tabID
}

func (h *harness) record() session.Record {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.store.Snapshot()
}

func (h *harness) state() State {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.state
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func terminalEntries(rec session.Record, url string) []session.SubmittedLink {
	var out []session.SubmittedLink
	for _, l := range rec.SubmittedLinks {
		if l.Status.Terminal() && session.SameURL(l.URL, url) {
			out = append(out, l)
		}
	}
	return out
}

func decodeSearchNext(t *testing.T, p pushed) transport.SearchNext {
	t.Helper()
	var sn transport.SearchNext
	if err := json.Unmarshal(p.Payload, &sn); err != nil {
		t.Fatal(err)
	}
	return sn
}

const job1 = "https://www.linkedin.com/jobs/view/1001"

func TestHappyPathCompletesAtLimit(t *testing.T) {
	h := newHarness(t)
	h.start(t, 1)

	rec := h.record()
	if rec.ID == "" || !rec.SearchTask.Started || rec.SearchTask.TabID == "" {
		t.Fatalf("unexpected record after start: %+v", rec)
	}
	if h.state() != StateSearching {
		t.Errorf("state = %s, want SEARCHING", h.state())
	}

	applyTab := h.apply(t, job1)
	if h.state() != StateApplying {
		t.Errorf("state = %s, want APPLYING", h.state())
	}
	waitFor(t, "APPLICATION_STARTING push", func() bool {
		return len(h.pusher.ofKind(transport.KindApplicationStarting)) == 1
	})

	resp := h.c.ReportOutcome(job1, session.StatusSuccess, "submitted")
	if !resp.Success || resp.Status != "success" {
		t.Fatalf("report: %+v", resp)
	}

	rec = h.record()
	if rec.SearchTask.Current != 1 {
		t.Errorf("current = %d, want 1", rec.SearchTask.Current)
	}
	if rec.SearchTask.Started {
		t.Error("session should no longer be started")
	}
	if rec.ApplyTask.Active {
		t.Error("apply task should be reset")
	}
	if h.state() != StateCompleted {
		t.Errorf("state = %s, want COMPLETED", h.state())
	}
	if h.drv.Has(applyTab) {
		t.Error("apply tab should be closed")
	}
	if !h.drv.Has(rec.SearchTask.TabID) {
		t.Error("search tab should stay open for review")
	}
	if got := h.notifier.titles(); len(got) != 1 || got[0] != "Applications complete" {
		t.Errorf("notifications = %v", got)
	}
	if n := len(h.pusher.ofKind(transport.KindSearchNext)); n != 0 {
		t.Errorf("completed session should not push SEARCH_NEXT, got %d", n)
	}
	waitFor(t, "recording calls", func() bool {
		a, j := h.recorder.calls()
		return a == 1 && j == 1
	})
	waitFor(t, "outcome sink", func() bool { return h.sink.count() == 1 })
}

func TestStartAlreadyStarted(t *testing.T) {
	h := newHarness(t)
	h.start(t, 2)
	first := h.record().ID

	resp := h.c.Start(context.Background(), StartRequest{UserID: "u2", JobsToApply: 5, SearchParams: session.SearchParams{Role: "SRE"}})
	if !resp.Success || resp.Status != "already_started" {
		t.Fatalf("second start: %+v", resp)
	}
	if h.record().ID != first || h.record().UserID != "u1" {
		t.Error("running session must not be replaced")
	}
	if h.drv.TabCount() != 1 {
		t.Errorf("tabs = %d, want 1", h.drv.TabCount())
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name     string
		req      StartRequest
		setup    func(h *harness)
		category string
	}{
		{
			name:     "missing user",
			req:      StartRequest{JobsToApply: 1, SearchParams: session.SearchParams{Role: "Go"}},
			category: CategoryValidation,
		},
		{
			name:     "zero jobs",
			req:      StartRequest{UserID: "u1", SearchParams: session.SearchParams{Role: "Go"}},
			category: CategoryValidation,
		},
		{
			name:     "missing role",
			req:      StartRequest{UserID: "u1", JobsToApply: 1},
			category: CategoryValidation,
		},
		{
			name: "profile service down",
			req:  StartRequest{UserID: "u1", JobsToApply: 1, SearchParams: session.SearchParams{Role: "Go"}},
			setup: func(h *harness) {
				h.profiles.err = errors.New("dial tcp 127.0.0.1:3000: connect: connection refused")
			},
			category: CategoryNetwork,
		},
		{
			name: "window creation fails",
			req:  StartRequest{UserID: "u1", JobsToApply: 1, SearchParams: session.SearchParams{Role: "Go"}},
			setup: func(h *harness) {
				h.drv.SetCreateErr(errors.New("chrome crashed"))
			},
			category: CategoryBrowser,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			resp := h.c.Start(context.Background(), tt.req)
			if resp.Success {
				t.Fatalf("expected failure, got %+v", resp)
			}
			if resp.Category != tt.category {
				t.Errorf("category = %q, want %q", resp.Category, tt.category)
			}

			rec := h.record()
			if rec.SearchTask.Started || rec.UserID != "" || rec.Profile != nil {
				t.Errorf("partial state left behind: %+v", rec)
			}
			if h.state() != StateIdle {
				t.Errorf("state = %s, want IDLE", h.state())
			}
			if h.drv.TabCount() != 0 {
				t.Errorf("tabs = %d, want 0", h.drv.TabCount())
			}
		})
	}
}

func TestStartFailureNotifies(t *testing.T) {
	h := newHarness(t)
	h.profiles.err = errors.New("fetch profile: status code 500")
	h.c.Start(context.Background(), StartRequest{UserID: "u1", JobsToApply: 1, SearchParams: session.SearchParams{Role: "Go"}})
	if got := h.notifier.titles(); len(got) != 1 || got[0] != "Could not start search" {
		t.Errorf("notifications = %v", got)
	}
}

func TestRequestWithoutSession(t *testing.T) {
	h := newHarness(t)
	resp := h.c.RequestStartApplication(job1, "x")
	if resp.Success {
		t.Fatalf("expected rejection, got %+v", resp)
	}
	if len(h.record().SubmittedLinks) != 0 {
		t.Error("rejected request must not touch the log")
	}
}

func TestRequestRejectsNonJobLink(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)

	resp := h.c.RequestStartApplication("https://www.linkedin.com/feed/", "x")
	if resp.Success || resp.Status != "error" || resp.Category != CategoryValidation {
		t.Fatalf("expected validation error, got %+v", resp)
	}
	rec := h.record()
	if rec.ApplyTask.Active || len(rec.SubmittedLinks) != 0 {
		t.Errorf("rejected link must not claim the slot: %+v", rec.ApplyTask)
	}
	if n := h.drv.TabCount(); n != 1 {
		t.Errorf("tabs = %d, want only the search tab", n)
	}
}

func TestSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.start(t, 10)

	const n = 20
	results := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := h.c.RequestStartApplication(fmt.Sprintf("https://www.linkedin.com/jobs/view/%d", 2000+i), "")
			results <- resp.Status
		}(i)
	}
	wg.Wait()
	close(results)

	counts := make(map[string]int)
	for s := range results {
		counts[s]++
	}
	if counts["starting"] != 1 {
		t.Errorf("starting = %d, want exactly 1 (%v)", counts["starting"], counts)
	}
	if counts["busy"] != n-1 {
		t.Errorf("busy = %d, want %d", counts["busy"], n-1)
	}
	processing := 0
	for _, l := range h.record().SubmittedLinks {
		if l.Status == session.StatusProcessing {
			processing++
		}
	}
	if processing != 1 {
		t.Errorf("processing entries = %d, want 1", processing)
	}
}

func TestBusyMessage(t *testing.T) {
	h := newHarness(t)
	h.start(t, 3)
	h.apply(t, job1)

	resp := h.c.RequestStartApplication("https://www.linkedin.com/jobs/view/1002", "")
	if resp.Success || resp.Message != "already processing another job" {
		t.Errorf("second request: %+v", resp)
	}
}

func TestIdempotentCompletion(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	h.apply(t, job1)

	first := h.c.ReportOutcome(job1, session.StatusSuccess, "")
	second := h.c.ReportOutcome(job1, session.StatusSuccess, "")
	if !first.Success || first.Duplicate {
		t.Errorf("first report: %+v", first)
	}
	if !second.Success || !second.Duplicate {
		t.Errorf("second report should be an acknowledged duplicate: %+v", second)
	}

	rec := h.record()
	if rec.SearchTask.Current != 1 {
		t.Errorf("current = %d, want 1", rec.SearchTask.Current)
	}
	if got := terminalEntries(rec, job1); len(got) != 1 {
		t.Errorf("terminal entries = %d, want 1", len(got))
	}
	if n := len(h.pusher.ofKind(transport.KindSearchNext)); n != 1 {
		t.Errorf("SEARCH_NEXT pushes = %d, want 1", n)
	}
	waitFor(t, "recording calls", func() bool {
		a, j := h.recorder.calls()
		return a == 1 && j == 1
	})
}

func TestOutcomeWithoutURLUsesActiveTask(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	h.apply(t, job1)

	resp := h.c.ReportOutcome("", session.StatusSkipped, "easy apply unavailable")
	if !resp.Success || resp.Status != "success" {
		t.Fatalf("report: %+v", resp)
	}
	got := terminalEntries(h.record(), job1)
	if len(got) != 1 || got[0].Status != session.StatusSkipped || got[0].Detail != "easy apply unavailable" {
		t.Errorf("entries = %+v", got)
	}
	if h.record().SearchTask.Current != 0 {
		t.Error("skipped jobs must not count against the limit")
	}
}

func TestOutcomeForOtherURLIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	h.apply(t, job1)

	resp := h.c.ReportOutcome("https://www.linkedin.com/jobs/view/9999", session.StatusSuccess, "")
	if !resp.Success || resp.Status != "ignored" {
		t.Errorf("report: %+v", resp)
	}
	if !h.record().ApplyTask.Active {
		t.Error("mismatched report must not end the active task")
	}
}

func TestDuplicateCandidate(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	h.apply(t, job1)
	h.c.ReportOutcome(job1, session.StatusError, "form rejected")

	before := h.record()
	resp := h.c.RequestStartApplication(job1+"/", "Engineer")
	if resp.Success || !resp.Duplicate {
		t.Fatalf("expected duplicate, got %+v", resp)
	}
	after := h.record()
	if after.ApplyTask != before.ApplyTask {
		t.Errorf("apply task changed: %+v -> %+v", before.ApplyTask, after.ApplyTask)
	}
	if len(after.SubmittedLinks) != len(before.SubmittedLinks) {
		t.Error("duplicate must not append to the log")
	}
	if after.SearchTask.Current != 0 {
		t.Error("duplicate must not count against the limit")
	}
}

func TestLimitTermination(t *testing.T) {
	h := newHarness(t)
	h.start(t, 3)

	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("https://www.linkedin.com/jobs/view/%d", 3000+i)
		h.apply(t, url)
		if resp := h.c.ReportOutcome(url, session.StatusSuccess, ""); !resp.Success {
			t.Fatalf("report %d: %+v", i, resp)
		}
	}

	if h.state() != StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", h.state())
	}
	if h.record().SearchTask.Started {
		t.Error("started should be false after the limit")
	}
	resp := h.c.RequestStartApplication("https://www.linkedin.com/jobs/view/3999", "")
	if resp.Success {
		t.Errorf("4th request should be rejected: %+v", resp)
	}
	if n := len(h.pusher.ofKind(transport.KindSearchNext)); n != 2 {
		t.Errorf("SEARCH_NEXT pushes = %d, want 2", n)
	}
}

func TestStuckApplyRecovery(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	applyTab := h.apply(t, job1)

	h.clock.Advance(6 * time.Minute)
	h.c.CheckHealth(context.Background())

	rec := h.record()
	if rec.ApplyTask.Active || rec.ApplyTask.URL != "" {
		t.Errorf("apply task not reset: %+v", rec.ApplyTask)
	}
	entries := terminalEntries(rec, job1)
	if len(entries) != 1 || entries[0].Status != session.StatusError {
		t.Fatalf("entries = %+v, want one ERROR", entries)
	}
	next := h.pusher.ofKind(transport.KindSearchNext)
	if len(next) != 1 {
		t.Fatalf("SEARCH_NEXT pushes = %d, want 1", len(next))
	}
	if sn := decodeSearchNext(t, next[0]); sn.Status != session.StatusError || sn.URL != job1 {
		t.Errorf("SEARCH_NEXT = %+v", sn)
	}
	if h.drv.Has(applyTab) {
		t.Error("stuck apply tab should be closed")
	}
	if !rec.LastActivity.Equal(h.clock.Now()) {
		t.Errorf("lastActivity = %v, want %v", rec.LastActivity, h.clock.Now())
	}

	// A late report from the abandoned tab is a no-op.
	late := h.c.ReportOutcome(job1, session.StatusSuccess, "")
	if !late.Success || !late.Duplicate {
		t.Errorf("late report: %+v", late)
	}
	if h.record().SearchTask.Current != 0 {
		t.Error("late success must not count")
	}

	// Repeated ticks do nothing more.
	h.c.CheckHealth(context.Background())
	if n := len(h.pusher.ofKind(transport.KindSearchNext)); n != 1 {
		t.Errorf("SEARCH_NEXT pushes after second tick = %d, want 1", n)
	}
}

func TestHealthyApplyNotRecovered(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	h.apply(t, job1)

	h.clock.Advance(4 * time.Minute)
	h.c.CheckHealth(context.Background())
	if !h.record().ApplyTask.Active {
		t.Error("apply task younger than the stuck threshold must survive")
	}
}

func TestApplyTabClosedRecovery(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	applyTab := h.apply(t, job1)

	h.drv.Remove(applyTab)
	waitFor(t, "apply task reset", func() bool { return !h.record().ApplyTask.Active })

	entries := terminalEntries(h.record(), job1)
	if len(entries) != 1 || entries[0].Status != session.StatusError || entries[0].Detail != "tab closed before completion" {
		t.Fatalf("entries = %+v", entries)
	}
	waitFor(t, "SEARCH_NEXT", func() bool { return len(h.pusher.ofKind(transport.KindSearchNext)) == 1 })
	if sn := decodeSearchNext(t, h.pusher.ofKind(transport.KindSearchNext)[0]); sn.Status != session.StatusError {
		t.Errorf("SEARCH_NEXT = %+v", sn)
	}
	if !h.record().SearchTask.Started {
		t.Error("a closed apply tab must not end the session")
	}
}

func TestTabCreationFailureRetracts(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	h.drv.SetCreateErr(errors.New("target crashed"))

	resp := h.c.RequestStartApplication(job1, "")
	if !resp.Success || resp.Status != "starting" {
		t.Fatalf("request: %+v", resp)
	}
	waitFor(t, "SEARCH_NEXT", func() bool { return len(h.pusher.ofKind(transport.KindSearchNext)) == 1 })

	rec := h.record()
	if len(rec.SubmittedLinks) != 0 {
		t.Errorf("log = %+v, want empty", rec.SubmittedLinks)
	}
	if rec.ApplyTask.Active {
		t.Error("apply task should be reset")
	}
	sn := decodeSearchNext(t, h.pusher.ofKind(transport.KindSearchNext)[0])
	if sn.Status != session.StatusError || !strings.Contains(sn.Message, "target crashed") {
		t.Errorf("SEARCH_NEXT = %+v", sn)
	}

	h.drv.SetCreateErr(nil)
	if resp := h.c.RequestStartApplication(job1, ""); resp.Status != "starting" {
		t.Errorf("retry after failed creation: %+v", resp)
	}
}

func TestStaleTabCreationIsClosed(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	rec := h.record()

	h.c.mu.Lock()
	seq := h.c.applySeq + 1
	h.c.mu.Unlock()

	// No apply task is active, so whatever tab opens belongs to nobody.
	h.c.wg.Add(1)
	h.c.openApplyTab(seq, job1, rec.WindowID)

	if h.drv.TabCount() != 1 {
		t.Errorf("tabs = %d, want only the search tab", h.drv.TabCount())
	}
	if len(h.pusher.ofKind(transport.KindApplicationStarting)) != 0 {
		t.Error("stale tab must not be announced")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	applyTab := h.apply(t, job1)

	first := h.c.Stop("user requested")
	second := h.c.Stop("user requested")
	if !first.Success || !second.Success {
		t.Fatalf("stop responses: %+v, %+v", first, second)
	}

	rec := h.record()
	if rec.SearchTask.Started || rec.ApplyTask.Active {
		t.Errorf("stop left state behind: %+v", rec)
	}
	if h.state() != StateStopped {
		t.Errorf("state = %s, want STOPPED", h.state())
	}
	if entries := terminalEntries(rec, job1); len(entries) != 1 || entries[0].Status != session.StatusError {
		t.Errorf("entries = %+v", entries)
	}
	if h.drv.Has(applyTab) {
		t.Error("apply tab should be closed on stop")
	}
	if n := len(h.pusher.ofKind(transport.KindSearchNext)); n != 0 {
		t.Errorf("stopped session pushed SEARCH_NEXT %d times", n)
	}

	if late := h.c.ReportOutcome(job1, session.StatusSuccess, ""); !late.Success || !late.Duplicate {
		t.Errorf("late report: %+v", late)
	}
	if resp := h.c.RequestStartApplication("https://www.linkedin.com/jobs/view/5", ""); resp.Success {
		t.Errorf("request after stop: %+v", resp)
	}
}

func TestStopWithoutSession(t *testing.T) {
	h := newHarness(t)
	if resp := h.c.Stop("nothing running"); !resp.Success {
		t.Errorf("stop: %+v", resp)
	}
	if h.state() != StateIdle {
		t.Errorf("state = %s, want IDLE", h.state())
	}
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t)
	h.start(t, 2)
	h.c.Stop("pause")
	h.start(t, 2)
	if h.state() != StateSearching {
		t.Errorf("state = %s, want SEARCHING", h.state())
	}
}

func TestSearchCompleted(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	searchTab := h.record().SearchTask.TabID

	resp := h.c.OnSearchCompleted("")
	if !resp.Success || resp.Status != "completed" {
		t.Fatalf("search completed: %+v", resp)
	}
	if h.record().SearchTask.Started {
		t.Error("started should be false")
	}
	if !h.drv.Has(searchTab) {
		t.Error("window should stay open for review")
	}
	if got := h.notifier.titles(); len(got) != 1 || got[0] != "Search complete" {
		t.Errorf("notifications = %v", got)
	}
	if again := h.c.OnSearchCompleted(""); again.Status != "ignored" {
		t.Errorf("second completion: %+v", again)
	}
}

func TestIdleSearchReloads(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	searchTab := h.record().SearchTask.TabID

	h.clock.Advance(9 * time.Minute)
	h.c.CheckHealth(context.Background())
	if h.drv.ReloadCount() != 0 {
		t.Fatal("search tab reloaded before the idle threshold")
	}

	h.clock.Advance(11 * time.Minute)
	h.c.CheckHealth(context.Background())
	if h.drv.ReloadCount() != 1 || h.drv.Reloaded[0] != searchTab {
		t.Errorf("reloaded = %v, want [%s]", h.drv.Reloaded, searchTab)
	}
	if got := h.notifier.titles(); len(got) != 1 || got[0] != "Search restarted" {
		t.Errorf("notifications = %v", got)
	}

	// The tick refreshed lastActivity, so the next one is quiet.
	h.c.CheckHealth(context.Background())
	if h.drv.ReloadCount() != 1 {
		t.Errorf("reloads = %d, want 1", h.drv.ReloadCount())
	}
}

func TestIdleSearchRecreatesMissingTab(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	rec := h.record()
	oldTab := rec.SearchTask.TabID

	// Another tab keeps the window alive after the search tab goes.
	h.drv.Open("https://www.linkedin.com/feed", rec.WindowID)
	h.drv.Remove(oldTab)
	waitFor(t, "search tab forgotten", func() bool { return h.record().SearchTask.TabID == "" })

	h.clock.Advance(11 * time.Minute)
	h.c.CheckHealth(context.Background())

	rec = h.record()
	if rec.SearchTask.TabID == "" || rec.SearchTask.TabID == oldTab {
		t.Fatalf("search tab = %q, want a new tab", rec.SearchTask.TabID)
	}
	if !h.drv.Has(rec.SearchTask.TabID) {
		t.Error("recreated tab should exist")
	}
	var role tabs.Role
	for _, m := range h.tracker.Tracked("linkedin") {
		if m.TabID == rec.SearchTask.TabID {
			role = m.Role
		}
	}
	if role != tabs.RoleSearch {
		t.Errorf("recreated tab role = %q, want search", role)
	}
	if !rec.SearchTask.Started {
		t.Error("session should still be running")
	}
}

func TestWindowClosedResetsSession(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	h.drv.Remove(h.record().SearchTask.TabID)

	waitFor(t, "session reset", func() bool { return h.state() == StateIdle })
	rec := h.record()
	if rec.UserID != "" || rec.SearchTask.Started || len(rec.SubmittedLinks) != 0 {
		t.Errorf("record not reset: %+v", rec)
	}
}

func TestApplyTabLeavesPlatform(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	applyTab := h.apply(t, job1)
	searchTab := h.record().SearchTask.TabID

	h.drv.Navigate(applyTab, "https://www.linkedin.com/jobs/view/1001/apply")
	h.drv.Navigate(applyTab, "https://boards.greenhouse.io/acme/jobs/42")

	waitFor(t, "JOB_TAB_STATUS", func() bool { return len(h.pusher.ofKind(transport.KindJobTabStatus)) == 1 })
	origins := h.pusher.ofKind(transport.KindExternalTabOrigin)
	if len(origins) != 1 || origins[0].TabID != searchTab || origins[0].Role != tabs.RoleSearch {
		t.Fatalf("EXTERNAL_TAB_ORIGIN pushes = %+v", origins)
	}
	var eto transport.ExternalTabOrigin
	if err := json.Unmarshal(origins[0].Payload, &eto); err != nil {
		t.Fatal(err)
	}
	if eto.URL != "https://boards.greenhouse.io/acme/jobs/42" || eto.Origin != job1 {
		t.Errorf("EXTERNAL_TAB_ORIGIN = %+v", eto)
	}
	status := h.pusher.ofKind(transport.KindJobTabStatus)[0]
	if status.TabID != applyTab || status.Role != tabs.RoleApply {
		t.Errorf("JOB_TAB_STATUS target = %s/%s", status.Role, status.TabID)
	}
}

func TestApplyTabOpensPopup(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	applyTab := h.apply(t, job1)

	h.drv.OpenFrom(applyTab, "https://acme.wd5.myworkdayjobs.com/apply")
	waitFor(t, "EXTERNAL_TAB_ORIGIN", func() bool { return len(h.pusher.ofKind(transport.KindExternalTabOrigin)) == 1 })
}

func TestPushFallsBackToTabDispatch(t *testing.T) {
	h := newHarness(t)
	h.pusher.err = transport.ErrPortClosed
	h.start(t, 5)
	searchTab := h.record().SearchTask.TabID
	h.apply(t, job1)

	h.c.ReportOutcome(job1, session.StatusError, "captcha")

	var found bool
	for _, d := range h.drv.Dispatches() {
		if d.TabID == searchTab && strings.Contains(string(d.Payload), string(transport.KindSearchNext)) {
			found = true
		}
	}
	if !found {
		t.Errorf("SEARCH_NEXT was not dispatched to %s: %+v", searchTab, h.drv.Dispatches())
	}
}

func TestDevModeSkipsRecording(t *testing.T) {
	h := newHarness(t)
	resp := h.c.Start(context.Background(), StartRequest{
		UserID: "u1", JobsToApply: 2, DevMode: true,
		SearchParams: session.SearchParams{Role: "Go"},
	})
	if !resp.Success {
		t.Fatalf("start: %+v", resp)
	}
	h.apply(t, job1)
	h.c.ReportOutcome(job1, session.StatusSuccess, "")
	h.c.Close()

	if a, j := h.recorder.calls(); a != 0 || j != 0 {
		t.Errorf("recording calls in dev mode = %d, %d", a, j)
	}
	if h.sink.count() != 1 {
		t.Errorf("sink outcomes = %d, want 1", h.sink.count())
	}
}

func TestRecorderFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	h.recorder.err = errors.New("status code 502")
	h.start(t, 5)
	h.apply(t, job1)
	h.c.ReportOutcome(job1, session.StatusSuccess, "")

	if n := len(h.pusher.ofKind(transport.KindSearchNext)); n != 1 {
		t.Errorf("SEARCH_NEXT pushes = %d, want 1", n)
	}
	h.c.Close()
	if a, j := h.recorder.calls(); a != 1 || j != 1 {
		t.Errorf("recording calls = %d, %d, want both attempted", a, j)
	}
}

func TestSnapshotsSavedOnTransitions(t *testing.T) {
	snaps := &memSnapshots{}
	h := newHarness(t, func(o *Options) { o.Snapshots = snaps })
	h.start(t, 5)

	waitFor(t, "snapshot", func() bool {
		rec, ok, _ := snaps.Load(context.Background(), "linkedin")
		return ok && rec.SearchTask.Started && rec.UserID == "u1"
	})
}

func TestRestoreResumesSession(t *testing.T) {
	snaps := &memSnapshots{}
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	_ = snaps.Save(context.Background(), session.Record{
		ID:       "sess_restored",
		Platform: "linkedin",
		UserID:   "u1",
		Session:  session.SearchParams{Role: "Go Engineer"},
		SearchTask: session.SearchTask{
			TabID: "OLD-SEARCH", Limit: 5, Current: 2, Started: true,
		},
		ApplyTask: session.ApplyTask{URL: job1, TabID: "OLD-APPLY", Active: true, StartTime: started},
		SubmittedLinks: []session.SubmittedLink{
			{URL: "https://www.linkedin.com/jobs/view/1", Status: session.StatusSuccess, Timestamp: started},
			{URL: job1, Status: session.StatusProcessing, Timestamp: started},
		},
		WindowID:     77,
		LastActivity: started,
	})

	h := newHarness(t, func(o *Options) { o.Snapshots = snaps })
	resumed, err := h.c.Restore(context.Background())
	if err != nil || !resumed {
		t.Fatalf("restore = %v, %v", resumed, err)
	}

	rec := h.record()
	if rec.ID != "sess_restored" || rec.SearchTask.Current != 2 {
		t.Errorf("record = %+v", rec)
	}
	if rec.SearchTask.TabID != "" || rec.ApplyTask.Active {
		t.Errorf("stale tab references kept: %+v %+v", rec.SearchTask, rec.ApplyTask)
	}
	entries := terminalEntries(rec, job1)
	if len(entries) != 1 || entries[0].Status != session.StatusError || entries[0].Detail != "coordinator restarted" {
		t.Errorf("entries = %+v", entries)
	}
	if h.state() != StateSearching {
		t.Errorf("state = %s, want SEARCHING", h.state())
	}

	// The first tick reopens the search tab; the old window is gone.
	h.c.CheckHealth(context.Background())
	rec = h.record()
	if rec.SearchTask.TabID == "" || !h.drv.Has(rec.SearchTask.TabID) {
		t.Errorf("search tab not recreated: %+v", rec.SearchTask)
	}
	if rec.WindowID == 77 {
		t.Error("window id should follow the new window")
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Snapshots = &memSnapshots{} })
	resumed, err := h.c.Restore(context.Background())
	if err != nil || resumed {
		t.Errorf("restore = %v, %v", resumed, err)
	}
}

type gatedProfiles struct {
	entered chan struct{}
	release chan struct{}
}

// FetchProfile blocks the "slow" user until released, then fails.
func (g *gatedProfiles) FetchProfile(ctx context.Context, userID string) (json.RawMessage, error) {
	if userID != "slow" {
		return json.RawMessage(`{"id":"fast"}`), nil
	}
	close(g.entered)
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return nil, errors.New("profile service unavailable")
}

func TestStaleStartFailureKeepsNewerSession(t *testing.T) {
	gate := &gatedProfiles{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(o *Options) { o.Profiles = gate })
	params := session.SearchParams{Role: "Go Engineer"}

	done := make(chan transport.Response, 1)
	go func() {
		done <- h.c.Start(context.Background(), StartRequest{UserID: "slow", JobsToApply: 3, SearchParams: params})
	}()
	<-gate.entered

	h.c.Stop("restarting")
	resp := h.c.Start(context.Background(), StartRequest{UserID: "fast", JobsToApply: 3, SearchParams: params})
	if !resp.Success || resp.Status != "started" {
		t.Fatalf("second start: %+v", resp)
	}

	close(gate.release)
	if stale := <-done; stale.Success {
		t.Fatalf("first start should fail: %+v", stale)
	}

	rec := h.record()
	if !rec.SearchTask.Started || rec.UserID != "fast" {
		t.Fatalf("newer session wiped: started=%v user=%q", rec.SearchTask.Started, rec.UserID)
	}
	if rec.SearchTask.TabID == "" || !h.drv.Has(rec.SearchTask.TabID) {
		t.Errorf("search tab lost: %+v", rec.SearchTask)
	}
	if h.state() != StateSearching {
		t.Errorf("state = %s, want SEARCHING", h.state())
	}
	for _, title := range h.notifier.titles() {
		if title == "Could not start search" {
			t.Error("superseded start must not notify the user")
		}
	}

	// The slot is free again once the newer session stops.
	h.c.Stop("done")
	if resp := h.c.Start(context.Background(), StartRequest{UserID: "fast", JobsToApply: 1, SearchParams: params}); resp.Status != "started" {
		t.Errorf("start after stop: %+v", resp)
	}
}

func TestSearchCompletedDuringApply(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	h.apply(t, job1)

	h.c.OnSearchCompleted("")
	if h.state() != StateApplying {
		t.Errorf("state = %s, want APPLYING while the apply is in flight", h.state())
	}
	h.c.mu.Lock()
	healthRunning := h.c.healthCancel != nil
	h.c.mu.Unlock()
	if !healthRunning {
		t.Error("health loop must keep running until the apply finishes")
	}

	h.c.ReportOutcome(job1, session.StatusSuccess, "")
	if h.state() != StateCompleted {
		t.Errorf("state = %s, want COMPLETED", h.state())
	}
	if h.record().SearchTask.Current != 1 {
		t.Errorf("applied = %d, want 1", h.record().SearchTask.Current)
	}
	if n := len(h.pusher.ofKind(transport.KindSearchNext)); n != 0 {
		t.Errorf("SEARCH_NEXT pushes = %d, want 0 after the search ended", n)
	}
	h.c.mu.Lock()
	healthRunning = h.c.healthCancel != nil
	h.c.mu.Unlock()
	if healthRunning {
		t.Error("health loop should stop once nothing is left to watch")
	}
}

func TestStuckApplyRecoveredAfterSearchCompleted(t *testing.T) {
	h := newHarness(t)
	h.start(t, 5)
	h.apply(t, job1)
	h.c.OnSearchCompleted("")

	h.clock.Advance(6 * time.Minute)
	h.c.CheckHealth(context.Background())

	if h.record().ApplyTask.Active {
		t.Fatal("stuck apply should be recovered")
	}
	entries := terminalEntries(h.record(), job1)
	if len(entries) != 1 || entries[0].Status != session.StatusError {
		t.Errorf("entries = %+v", entries)
	}
	if h.state() != StateCompleted {
		t.Errorf("state = %s, want COMPLETED", h.state())
	}
}

type blockingPusher struct {
	blocked atomic.Bool
	release chan struct{}
}

func (p *blockingPusher) Push(platform string, role tabs.Role, tabID string, data []byte) error {
	if p.blocked.Load() {
		<-p.release
	}
	return nil
}

func TestApplyTabClosedKeepsEventsFlowing(t *testing.T) {
	bp := &blockingPusher{release: make(chan struct{})}
	h := newHarness(t, func(o *Options) { o.Pusher = bp })
	t.Cleanup(func() { close(bp.release) })
	h.start(t, 5)
	applyTab := h.apply(t, job1)
	searchTab := h.record().SearchTask.TabID

	bp.blocked.Store(true)
	h.drv.Remove(applyTab)
	waitFor(t, "apply task reset", func() bool { return !h.record().ApplyTask.Active })

	// SEARCH_NEXT is stuck in the pusher; later tab events must still arrive.
	h.drv.Remove(searchTab)
	waitFor(t, "search tab removal", func() bool { return h.record().SearchTask.TabID == "" })
}

func TestResetDeletesSnapshot(t *testing.T) {
	snaps := &memSnapshots{}
	h := newHarness(t, func(o *Options) { o.Snapshots = snaps })
	h.start(t, 5)
	waitFor(t, "snapshot saved", func() bool {
		_, ok, _ := snaps.Load(context.Background(), "linkedin")
		return ok
	})

	h.c.Reset("user reset")
	waitFor(t, "snapshot deleted", func() bool {
		_, ok, _ := snaps.Load(context.Background(), "linkedin")
		return !ok
	})
}
