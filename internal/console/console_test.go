package console

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zulandar/atlasfeed/internal/config"
	"github.com/zulandar/atlasfeed/internal/draft"
	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBackend is an in-memory intelligence API.
type fakeBackend struct {
	mu        sync.Mutex
	snap      *models.Snapshot
	snapCalls int
	approves  int
	rejects   int
	resolves  []string
	chatReqs  []models.ChatRequest
	chatBody  string

	approveGate    chan struct{}
	approveEntered chan struct{}
	push           chan struct{}
}

func newFakeBackend(snap *models.Snapshot) *fakeBackend {
	return &fakeBackend{snap: snap, push: make(chan struct{})}
}

func (f *fakeBackend) setSnapshot(s *models.Snapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func (f *fakeBackend) Snapshot(context.Context) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapCalls++
	return f.snap, nil
}

func (f *fakeBackend) LiveMetrics(context.Context) (*models.LiveMetrics, error) {
	idx := 8123.5
	return &models.LiveMetrics{MarketIndex: &idx, OpenRisks: 3}, nil
}

func (f *fakeBackend) HeartbeatStatus(context.Context) (*models.HeartbeatStatus, error) {
	return &models.HeartbeatStatus{LastRunText: "2 min ago", NextRunText: "28 min"}, nil
}

func (f *fakeBackend) ApproveDraft(ctx context.Context, _ string) error {
	f.mu.Lock()
	f.approves++
	gate, entered := f.approveGate, f.approveEntered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeBackend) RejectDraft(context.Context, string) error {
	f.mu.Lock()
	f.rejects++
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) EditDraft(context.Context, string, models.DraftContent) error {
	return nil
}

func (f *fakeBackend) ResolveRisk(_ context.Context, id string) error {
	f.mu.Lock()
	f.resolves = append(f.resolves, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Chat(_ context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.chatReqs = append(f.chatReqs, req)
	body := f.chatBody
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, onUpdate func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.push:
			onUpdate()
		}
	}
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapCalls
}

func scenarioSnapshot() *models.Snapshot {
	return &models.Snapshot{
		Entries: []models.FeedEntry{
			{
				ID: "E1", Kind: models.KindIntelligence, Category: "market_risk", Client: "Jane Doe",
				Narrative: "Energy drawdown breaches mandate",
				Cards: []models.IntelCard{
					{ID: "risk-1", Category: "market_risk", Urgency: models.UrgencyCritical, Subject: "Jane Doe",
						Detail: []byte(`{"title":"Volatility breach","trace":["sector -4%"]}`)},
					{ID: "dr-1", Category: "draft", IsDraft: true, Subject: "Jane Doe",
						Detail: []byte(`{"title":"Draft Communication","isDraft":true,"subject":"Your portfolio","body":"Dear Jane"}`)},
				},
			},
			{ID: "E2", Kind: models.KindHeartbeat, Category: "heartbeat", Narrative: "Book sweep completed"},
			{ID: "E3", Kind: models.KindIntelligence, Category: "meetings", Narrative: "Prep notes ready"},
		},
		Tabs: []models.TabSummary{{Key: "all", Label: "All", Count: 3, HighCount: 1}},
	}
}

// startConsole runs a console until the test ends.
func startConsole(t *testing.T, f *fakeBackend, push bool) *Console {
	t.Helper()
	c, err := New(Opts{Backend: f, Push: push})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not stop")
		}
	})
	waitFor(t, c, "initial load", func(v View) bool { return v.Loaded })
	return c
}

func waitFor(t *testing.T, c *Console, what string, cond func(View) bool) View {
	t.Helper()
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()
	deadline := time.After(3 * time.Second)
	for {
		if v := c.View(); cond(v) {
			return v
		}
		select {
		case <-ch:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func entryIDs(v View) []string {
	out := make([]string, len(v.Entries))
	for i, e := range v.Entries {
		out[i] = e.ID
	}
	return out
}

func TestNew_RequiresBackend(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestConsole_InitialLoad(t *testing.T) {
	c := startConsole(t, newFakeBackend(scenarioSnapshot()), false)

	v := waitFor(t, c, "metrics", func(v View) bool { return v.Metrics != nil && v.Heartbeat != nil })
	if v.Total != 3 || v.Visible != 3 {
		t.Errorf("total/visible = %d/%d, want 3/3", v.Total, v.Visible)
	}
	if len(v.Tabs) != 1 || v.Tabs[0].HighCount != 1 {
		t.Errorf("tabs = %+v", v.Tabs)
	}
	if v.Metrics.OpenRisks != 3 || v.Heartbeat.NextRunText != "28 min" {
		t.Errorf("metrics = %+v heartbeat = %+v", v.Metrics, v.Heartbeat)
	}
	e1 := v.Entries[0]
	if e1.Urgency != models.UrgencyCritical {
		t.Errorf("E1 urgency = %q", e1.Urgency)
	}
	draftCard := e1.Cards[1]
	if draftCard.DraftState != models.DraftProposed || len(draftCard.Actions) == 0 || !draftCard.HasDetail {
		t.Errorf("draft card view = %+v", draftCard)
	}
	if e1.Cards[0].DraftState != "" {
		t.Errorf("non-draft card has draft state %q", e1.Cards[0].DraftState)
	}
}

func TestConsole_FilterAndBusyApprove(t *testing.T) {
	f := newFakeBackend(scenarioSnapshot())
	c := startConsole(t, f, false)

	if err := c.SetFilter(models.FilterState{Tab: "all", Urgency: "high"}); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	v := c.View()
	if got := entryIDs(v); len(got) != 1 || got[0] != "E1" {
		t.Fatalf("projected = %v, want [E1]", got)
	}

	f.mu.Lock()
	f.approveGate = make(chan struct{})
	f.approveEntered = make(chan struct{}, 1)
	gate, entered := f.approveGate, f.approveEntered
	f.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		_, err := c.Approve(context.Background(), "dr-1")
		first <- err
	}()
	<-entered

	_, err := c.Approve(context.Background(), "dr-1")
	if !errors.Is(err, models.ErrBusy) {
		t.Errorf("second approve = %v, want busy", err)
	}
	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first approve: %v", err)
	}

	f.mu.Lock()
	approves := f.approves
	f.mu.Unlock()
	if approves != 1 {
		t.Errorf("send commands = %d, want 1", approves)
	}
	v = c.View()
	if v.Entries[0].Cards[1].DraftState != models.DraftSent {
		t.Errorf("draft state = %s, want sent", v.Entries[0].Cards[1].DraftState)
	}
	if out, err := c.Approve(context.Background(), "dr-1"); err != nil || out != draft.NoOp {
		t.Errorf("approve after sent = %v, %v", out, err)
	}
}

func TestConsole_FilterSetters(t *testing.T) {
	c := startConsole(t, newFakeBackend(scenarioSnapshot()), false)

	c.SetTab("meetings")
	if got := entryIDs(c.View()); len(got) != 1 || got[0] != "E3" {
		t.Errorf("tab meetings = %v", got)
	}
	c.SetTab("")
	c.SetSearch("drawdown")
	if got := entryIDs(c.View()); len(got) != 1 || got[0] != "E1" {
		t.Errorf("search = %v", got)
	}
	c.SetSearch("")
	if err := c.SetUrgency("extreme"); err == nil {
		t.Error("expected error for unknown urgency")
	}
	if err := c.SetUrgency("critical"); err != nil {
		t.Fatalf("SetUrgency: %v", err)
	}
	if got := entryIDs(c.View()); len(got) != 1 || got[0] != "E1" {
		t.Errorf("critical = %v", got)
	}
	if c.Filter().Tab != models.TabAll {
		t.Errorf("tab = %q, want all", c.Filter().Tab)
	}
}

func TestConsole_FilterSettersKeepOtherFields(t *testing.T) {
	c := startConsole(t, newFakeBackend(scenarioSnapshot()), false)
	if err := c.SetUrgency("high"); err != nil {
		t.Fatalf("SetUrgency: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); c.SetTab("meetings") }()
		go func() { defer wg.Done(); c.SetSearch("rates") }()
	}
	wg.Wait()

	want := models.FilterState{Tab: "meetings", Urgency: models.UrgencyFilterHigh, Search: "rates"}
	if diff := cmp.Diff(want, c.Filter()); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}
	if err := c.SetUrgency("extreme"); err == nil {
		t.Fatal("expected error for unknown urgency")
	}
	if got := c.Filter().Urgency; got != models.UrgencyFilterHigh {
		t.Errorf("urgency = %q after rejected update, want high", got)
	}
}

func TestConsole_PushTriggersRefresh(t *testing.T) {
	f := newFakeBackend(scenarioSnapshot())
	c := startConsole(t, f, true)

	next := scenarioSnapshot()
	next.Entries = append([]models.FeedEntry{{ID: "E0", Kind: models.KindIntelligence, Narrative: "New alert"}}, next.Entries...)
	f.setSnapshot(next)

	select {
	case f.push <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("push subscription not running")
	}
	waitFor(t, c, "pushed entry", func(v View) bool { return v.Total == 4 && v.Entries[0].ID == "E0" })
}

func TestConsole_AskMergesChatEcho(t *testing.T) {
	f := newFakeBackend(scenarioSnapshot())
	f.chatBody = `{"type":"thought","content":"Scanning book"}` + "\n" +
		`{"type":"answer","content":"Jane holds "}` + "\n" +
		`{"type":"answer","content":"14% energy"}` + "\n"
	c := startConsole(t, f, false)

	turn, done, err := c.Ask(context.Background(), "How exposed is Jane?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("answer never finished")
	}

	v := c.View()
	head := v.Entries[0]
	if head.ID != EchoID(turn) || head.Kind != models.KindChatEcho {
		t.Fatalf("head entry = %s/%s, want chat echo", head.ID, head.Kind)
	}
	if head.Narrative != "Jane holds 14% energy" {
		t.Errorf("echo narrative = %q", head.Narrative)
	}
	if v.Total != 4 {
		t.Errorf("total = %d, want 4 (one echo, merged in place)", v.Total)
	}
	c.mu.Lock()
	pending := len(c.echoTimes)
	c.mu.Unlock()
	if pending != 0 {
		t.Errorf("echo timestamps kept for %d finished turns", pending)
	}

	// The echo survives a later snapshot.
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if v := c.View(); v.Entries[0].ID != EchoID(turn) {
		t.Errorf("echo lost after refresh: %v", entryIDs(v))
	}
}

func TestConsole_OpenCard(t *testing.T) {
	c := startConsole(t, newFakeBackend(scenarioSnapshot()), false)

	d, err := c.OpenCard("risk-1")
	if err != nil {
		t.Fatalf("OpenCard: %v", err)
	}
	if d.Title != "Volatility breach" || len(d.Trace) != 1 {
		t.Errorf("detail = %+v", d)
	}
	again, err := c.OpenCard("risk-1")
	if err != nil || again != d {
		t.Error("second open should return the cached detail")
	}
	if _, err := c.OpenCard("nope"); !errors.Is(err, ErrCardNotFound) {
		t.Errorf("OpenCard(nope) = %v, want ErrCardNotFound", err)
	}
}

func TestConsole_DiscussDraft(t *testing.T) {
	f := newFakeBackend(scenarioSnapshot())
	f.chatBody = `{"type":"answer","content":"Revised draft"}` + "\n"
	c := startConsole(t, f, false)

	s, out, err := c.Discuss("dr-1")
	if err != nil || out != draft.Applied {
		t.Fatalf("Discuss = %v, %v", out, err)
	}
	_, done, err := c.SendDiscussion(context.Background(), "dr-1", "Make it shorter")
	if err != nil {
		t.Fatalf("SendDiscussion: %v", err)
	}
	<-done

	f.mu.Lock()
	req := f.chatReqs[0]
	f.mu.Unlock()
	if req.Context["draft_id"] != "dr-1" || req.Context["subject"] != "Your portfolio" {
		t.Errorf("request context = %v", req.Context)
	}

	v := c.View()
	if v.Entries[0].Cards[1].DraftState != models.DraftDiscussing {
		t.Errorf("draft state = %s", v.Entries[0].Cards[1].DraftState)
	}
	var found bool
	for _, cv := range v.Chats {
		if cv.Scope == "dr-1" && cv.SessionID == s.ID() {
			found = true
			if len(cv.Messages) != 2 || cv.Messages[1].Content != "Revised draft" {
				t.Errorf("discussion messages = %+v", cv.Messages)
			}
		}
	}
	if !found {
		t.Error("discussion missing from view")
	}

	c.CloseDiscussion("dr-1")
	if _, _, err := c.SendDiscussion(context.Background(), "dr-1", "again"); err == nil {
		t.Error("send after close should fail")
	}
}

func TestConsole_ResolveRisk(t *testing.T) {
	f := newFakeBackend(scenarioSnapshot())
	c := startConsole(t, f, false)
	before := f.calls()

	if err := c.ResolveRisk(context.Background(), "risk-1"); err != nil {
		t.Fatalf("ResolveRisk: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.calls() <= before {
		if time.Now().After(deadline) {
			t.Fatal("resolve did not trigger a refresh")
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.resolves) != 1 || f.resolves[0] != "risk-1" {
		t.Errorf("resolves = %v", f.resolves)
	}
}

func TestConsole_BadPollSpec(t *testing.T) {
	c, err := New(Opts{Backend: newFakeBackend(&models.Snapshot{}), Poll: config.PollConfig{Snapshot: "whenever"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}
