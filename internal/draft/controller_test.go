package draft

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/atlasfeed/internal/chat"
	"github.com/zulandar/atlasfeed/internal/models"
)

// fakeCommander counts calls and optionally blocks or fails them.
type fakeCommander struct {
	approves atomic.Int32
	rejects  atomic.Int32
	edits    atomic.Int32

	mu      sync.Mutex
	err     error
	gate    chan struct{} // when set, calls wait for a receive
	entered chan string
	edited  models.DraftContent
}

func (f *fakeCommander) wait(ctx context.Context, op string) error {
	f.mu.Lock()
	gate, entered, err := f.gate, f.entered, f.err
	f.mu.Unlock()
	if entered != nil {
		entered <- op
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeCommander) ApproveDraft(ctx context.Context, _ string) error {
	f.approves.Add(1)
	return f.wait(ctx, "approve")
}

func (f *fakeCommander) RejectDraft(ctx context.Context, _ string) error {
	f.rejects.Add(1)
	return f.wait(ctx, "reject")
}

func (f *fakeCommander) EditDraft(ctx context.Context, _ string, content models.DraftContent) error {
	f.edits.Add(1)
	f.mu.Lock()
	f.edited = content
	f.mu.Unlock()
	return f.wait(ctx, "edit")
}

type countingRefresher struct{ n atomic.Int32 }

func (r *countingRefresher) NotifyExternalUpdate() { r.n.Add(1) }

// memJournal keeps actions in memory.
type memJournal struct {
	mu       sync.Mutex
	actions  []models.DraftAction
	restored map[string]models.DraftState
}

func (j *memJournal) Record(_ context.Context, a models.DraftAction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.actions = append(j.actions, a)
	return nil
}

func (j *memJournal) Restore(_ context.Context) (map[string]models.DraftState, error) {
	return j.restored, nil
}

// nopStreamer never answers.
type nopStreamer struct{}

func (nopStreamer) Chat(context.Context, models.ChatRequest) (io.ReadCloser, error) {
	return nil, errors.New("not used")
}

// gatedDiscussions wraps a chat.Manager and blocks Open until released.
type gatedDiscussions struct {
	*chat.Manager
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDiscussions) Open(scope string, reqContext map[string]any) *chat.Session {
	g.entered <- struct{}{}
	<-g.release
	return g.Manager.Open(scope, reqContext)
}

func newTestController(t *testing.T, cmd *fakeCommander, opts ...func(*ControllerOpts)) *Controller {
	t.Helper()
	o := ControllerOpts{Commander: cmd}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RequiresCommander(t *testing.T) {
	if _, err := New(ControllerOpts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to models.DraftState
		want     bool
	}{
		{models.DraftProposed, models.DraftDiscussing, true},
		{models.DraftProposed, models.DraftSent, true},
		{models.DraftProposed, models.DraftDismissed, true},
		{models.DraftDiscussing, models.DraftSent, true},
		{models.DraftDiscussing, models.DraftDismissed, true},
		{models.DraftDiscussing, models.DraftProposed, false},
		{models.DraftSent, models.DraftDismissed, false},
		{models.DraftDismissed, models.DraftSent, false},
	}
	for _, tt := range tests {
		if got := isValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("isValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestApprove_Success(t *testing.T) {
	cmd := &fakeCommander{}
	ref := &countingRefresher{}
	j := &memJournal{}
	c := newTestController(t, cmd, func(o *ControllerOpts) {
		o.Refresher = ref
		o.Journal = j
	})

	out, err := c.Approve(context.Background(), "dr-1")
	if err != nil || out != Applied {
		t.Fatalf("Approve = %v, %v", out, err)
	}
	if c.State("dr-1") != models.DraftSent {
		t.Errorf("state = %s, want sent", c.State("dr-1"))
	}
	if cmd.approves.Load() != 1 {
		t.Errorf("approve calls = %d, want 1", cmd.approves.Load())
	}
	if ref.n.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", ref.n.Load())
	}
	if len(j.actions) != 1 || j.actions[0].ToState != "sent" || j.actions[0].FromState != "proposed" {
		t.Errorf("journal = %+v", j.actions)
	}
}

func TestTerminalActionsAreIdempotent(t *testing.T) {
	for _, terminal := range []models.DraftState{models.DraftSent, models.DraftDismissed} {
		t.Run(string(terminal), func(t *testing.T) {
			cmd := &fakeCommander{}
			c := newTestController(t, cmd, func(o *ControllerOpts) {
				o.Journal = &memJournal{restored: map[string]models.DraftState{"dr-1": terminal}}
			})
			if err := c.Restore(context.Background()); err != nil {
				t.Fatalf("Restore: %v", err)
			}

			ctx := context.Background()
			for i := 0; i < 3; i++ {
				if out, err := c.Approve(ctx, "dr-1"); err != nil || out != NoOp {
					t.Errorf("Approve = %v, %v, want no-op", out, err)
				}
				if out, err := c.Dismiss(ctx, "dr-1"); err != nil || out != NoOp {
					t.Errorf("Dismiss = %v, %v, want no-op", out, err)
				}
				if out, err := c.Edit(ctx, "dr-1", models.DraftContent{Body: "x"}); err != nil || out != NoOp {
					t.Errorf("Edit = %v, %v, want no-op", out, err)
				}
			}
			if c.State("dr-1") != terminal {
				t.Errorf("state = %s, want %s", c.State("dr-1"), terminal)
			}
			if n := cmd.approves.Load() + cmd.rejects.Load() + cmd.edits.Load(); n != 0 {
				t.Errorf("network calls = %d, want 0", n)
			}
			if c.Actions("dr-1") != nil {
				t.Errorf("Actions = %v, want none", c.Actions("dr-1"))
			}
		})
	}
}

func TestApprove_SecondCallBusy(t *testing.T) {
	cmd := &fakeCommander{gate: make(chan struct{}), entered: make(chan string, 1)}
	c := newTestController(t, cmd)

	first := make(chan error, 1)
	go func() {
		_, err := c.Approve(context.Background(), "dr-1")
		first <- err
	}()
	<-cmd.entered

	out, err := c.Approve(context.Background(), "dr-1")
	if !errors.Is(err, models.ErrBusy) || out != NoOp {
		t.Errorf("second Approve = %v, %v, want busy", out, err)
	}
	if _, err := c.Dismiss(context.Background(), "dr-1"); !errors.Is(err, models.ErrBusy) {
		t.Errorf("Dismiss during approve = %v, want busy", err)
	}
	if !c.Busy("dr-1") || c.Actions("dr-1") != nil {
		t.Error("draft should report busy with no actions")
	}

	close(cmd.gate)
	if err := <-first; err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	if cmd.approves.Load() != 1 {
		t.Errorf("send commands = %d, want exactly 1", cmd.approves.Load())
	}
	if cmd.rejects.Load() != 0 {
		t.Errorf("reject commands = %d, want 0", cmd.rejects.Load())
	}
}

func TestApprove_IndependentDraftsNotBlocked(t *testing.T) {
	cmd := &fakeCommander{gate: make(chan struct{}), entered: make(chan string, 2)}
	c := newTestController(t, cmd)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"dr-1", "dr-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := c.Approve(context.Background(), id)
			errs <- err
		}(id)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-cmd.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("independent drafts should both reach the backend")
		}
	}
	close(cmd.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Approve: %v", err)
		}
	}
}

func TestApprove_FailureKeepsState(t *testing.T) {
	sendErr := &models.TransportError{Op: "approve draft", Status: 500, Err: errors.New("smtp down")}
	cmd := &fakeCommander{err: sendErr}
	ref := &countingRefresher{}
	j := &memJournal{}
	c := newTestController(t, cmd, func(o *ControllerOpts) {
		o.Refresher = ref
		o.Journal = j
	})
	c.Track("dr-1")

	out, err := c.Approve(context.Background(), "dr-1")
	var te *models.TransportError
	if !errors.As(err, &te) || out != NoOp {
		t.Fatalf("Approve = %v, %v, want transport error", out, err)
	}
	if c.State("dr-1") != models.DraftProposed {
		t.Errorf("state = %s, want proposed", c.State("dr-1"))
	}
	if c.Busy("dr-1") {
		t.Error("in-flight slot not released")
	}
	if ref.n.Load() != 0 {
		t.Error("failed approve should not refresh")
	}
	if len(j.actions) != 1 || j.actions[0].Error == "" || j.actions[0].ToState != "proposed" {
		t.Errorf("journal = %+v", j.actions)
	}

	// Retry succeeds.
	cmd.mu.Lock()
	cmd.err = nil
	cmd.mu.Unlock()
	if out, err := c.Approve(context.Background(), "dr-1"); err != nil || out != Applied {
		t.Fatalf("retry = %v, %v", out, err)
	}
	if cmd.approves.Load() != 2 {
		t.Errorf("approve calls = %d, want 2", cmd.approves.Load())
	}
}

func TestDismiss_Optimistic(t *testing.T) {
	cmd := &fakeCommander{err: errors.New("timeout")}
	c := newTestController(t, cmd)

	out, err := c.Dismiss(context.Background(), "dr-1")
	if err == nil {
		t.Fatal("expected reported error")
	}
	if out != Applied {
		t.Errorf("outcome = %v, want applied", out)
	}
	if c.State("dr-1") != models.DraftDismissed {
		t.Errorf("state = %s, want dismissed", c.State("dr-1"))
	}
	if out, err := c.Dismiss(context.Background(), "dr-1"); err != nil || out != NoOp {
		t.Errorf("second Dismiss = %v, %v", out, err)
	}
	if cmd.rejects.Load() != 1 {
		t.Errorf("reject calls = %d, want 1", cmd.rejects.Load())
	}
}

func TestDismiss_FromDiscussing(t *testing.T) {
	cmd := &fakeCommander{}
	mgr, err := chat.NewManager(chat.ManagerOpts{Streamer: nopStreamer{}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.CloseAll()
	c := newTestController(t, cmd, func(o *ControllerOpts) { o.Discussions = mgr })

	if _, out, err := c.RequestDiscussion("dr-1", nil); err != nil || out != Applied {
		t.Fatalf("RequestDiscussion = %v, %v", out, err)
	}
	if out, err := c.Dismiss(context.Background(), "dr-1"); err != nil || out != Applied {
		t.Fatalf("Dismiss = %v, %v", out, err)
	}
	if c.State("dr-1") != models.DraftDismissed {
		t.Errorf("state = %s", c.State("dr-1"))
	}
}

func TestRequestDiscussion(t *testing.T) {
	mgr, err := chat.NewManager(chat.ManagerOpts{Streamer: nopStreamer{}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.CloseAll()
	j := &memJournal{}
	c := newTestController(t, &fakeCommander{}, func(o *ControllerOpts) {
		o.Discussions = mgr
		o.Journal = j
	})

	s, out, err := c.RequestDiscussion("dr-1", map[string]any{"client": "Jane"})
	if err != nil || out != Applied || s == nil {
		t.Fatalf("RequestDiscussion = %v, %v, %v", s, out, err)
	}
	if s.Scope() != "dr-1" {
		t.Errorf("scope = %q", s.Scope())
	}
	if c.State("dr-1") != models.DraftDiscussing {
		t.Errorf("state = %s, want discussing", c.State("dr-1"))
	}

	again, out, err := c.RequestDiscussion("dr-1", nil)
	if err != nil || out != NoOp || again != s {
		t.Errorf("second RequestDiscussion = %v, %v, %v; want same session", again, out, err)
	}
	if len(j.actions) != 1 || j.actions[0].Action != ActionDiscuss {
		t.Errorf("journal = %+v", j.actions)
	}

	// Approve from Discussing sends.
	if out, err := c.Approve(context.Background(), "dr-1"); err != nil || out != Applied {
		t.Fatalf("Approve = %v, %v", out, err)
	}
	if s, out, err := c.RequestDiscussion("dr-1", nil); s != nil || out != NoOp || err != nil {
		t.Errorf("discussion on sent draft = %v, %v, %v", s, out, err)
	}
}

func TestRequestDiscussion_HoldsInFlightSlot(t *testing.T) {
	mgr, err := chat.NewManager(chat.ManagerOpts{Streamer: nopStreamer{}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.CloseAll()
	gated := &gatedDiscussions{Manager: mgr, entered: make(chan struct{}, 1), release: make(chan struct{})}
	cmd := &fakeCommander{}
	c := newTestController(t, cmd, func(o *ControllerOpts) { o.Discussions = gated })

	type result struct {
		s   *chat.Session
		out Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		s, out, err := c.RequestDiscussion("dr-1", nil)
		first <- result{s, out, err}
	}()
	<-gated.entered

	if _, _, err := c.RequestDiscussion("dr-1", nil); !errors.Is(err, models.ErrBusy) {
		t.Errorf("concurrent RequestDiscussion err = %v, want ErrBusy", err)
	}
	if out, err := c.Dismiss(context.Background(), "dr-1"); !errors.Is(err, models.ErrBusy) || out != NoOp {
		t.Errorf("Dismiss during open = %v, %v; want no-op, ErrBusy", out, err)
	}
	if cmd.rejects.Load() != 0 {
		t.Errorf("reject calls = %d, want 0", cmd.rejects.Load())
	}

	close(gated.release)
	r := <-first
	if r.err != nil || r.out != Applied || r.s == nil {
		t.Fatalf("first RequestDiscussion = %v, %v, %v", r.s, r.out, r.err)
	}
	if c.Busy("dr-1") {
		t.Error("draft still busy after discussion opened")
	}
	if c.State("dr-1") != models.DraftDiscussing {
		t.Errorf("state = %s, want discussing", c.State("dr-1"))
	}
}

func TestTerminalTransitionClosesDiscussion(t *testing.T) {
	tests := []struct {
		name string
		act  func(*Controller) (Outcome, error)
	}{
		{"approve", func(c *Controller) (Outcome, error) { return c.Approve(context.Background(), "dr-1") }},
		{"dismiss", func(c *Controller) (Outcome, error) { return c.Dismiss(context.Background(), "dr-1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, err := chat.NewManager(chat.ManagerOpts{Streamer: nopStreamer{}})
			if err != nil {
				t.Fatalf("NewManager: %v", err)
			}
			defer mgr.CloseAll()
			c := newTestController(t, &fakeCommander{}, func(o *ControllerOpts) { o.Discussions = mgr })

			if _, out, err := c.RequestDiscussion("dr-1", nil); err != nil || out != Applied {
				t.Fatalf("RequestDiscussion = %v, %v", out, err)
			}
			if out, err := tt.act(c); err != nil || out != Applied {
				t.Fatalf("%s = %v, %v", tt.name, out, err)
			}
			if _, ok := mgr.Session("dr-1"); ok {
				t.Errorf("discussion still open after %s", tt.name)
			}
		})
	}
}

func TestApprove_FailureKeepsDiscussion(t *testing.T) {
	mgr, err := chat.NewManager(chat.ManagerOpts{Streamer: nopStreamer{}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer mgr.CloseAll()
	c := newTestController(t, &fakeCommander{err: errors.New("503")}, func(o *ControllerOpts) { o.Discussions = mgr })

	if _, _, err := c.RequestDiscussion("dr-1", nil); err != nil {
		t.Fatalf("RequestDiscussion: %v", err)
	}
	if _, err := c.Approve(context.Background(), "dr-1"); err == nil {
		t.Fatal("expected approve error")
	}
	if _, ok := mgr.Session("dr-1"); !ok {
		t.Error("failed approve should leave the discussion open")
	}
}

func TestRequestDiscussion_NoManager(t *testing.T) {
	c := newTestController(t, &fakeCommander{})
	if _, _, err := c.RequestDiscussion("dr-1", nil); err == nil {
		t.Fatal("expected error without chat sessions")
	}
}

func TestEdit(t *testing.T) {
	cmd := &fakeCommander{}
	ref := &countingRefresher{}
	c := newTestController(t, cmd, func(o *ControllerOpts) { o.Refresher = ref })

	content := models.DraftContent{Subject: "Portfolio update", Body: "Dear Jane"}
	out, err := c.Edit(context.Background(), "dr-1", content)
	if err != nil || out != Applied {
		t.Fatalf("Edit = %v, %v", out, err)
	}
	if cmd.edited != content {
		t.Errorf("edited = %+v", cmd.edited)
	}
	if c.State("dr-1") != models.DraftProposed {
		t.Errorf("edit should not change state, got %s", c.State("dr-1"))
	}
	if ref.n.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", ref.n.Load())
	}
}

func TestTrackKeepsKnownState(t *testing.T) {
	c := newTestController(t, &fakeCommander{})
	if _, err := c.Approve(context.Background(), "dr-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	c.Track("dr-1", "dr-2")
	if c.State("dr-1") != models.DraftSent {
		t.Errorf("Track reset a known draft to %s", c.State("dr-1"))
	}
	if c.State("dr-2") != models.DraftProposed {
		t.Errorf("new draft state = %s", c.State("dr-2"))
	}
	want := []string{ActionApprove, ActionDismiss, ActionDiscuss, ActionEdit}
	got := c.Actions("dr-2")
	if len(got) != len(want) {
		t.Fatalf("Actions = %v, want %v", got, want)
	}
}

func TestOutcomeString(t *testing.T) {
	if Applied.String() != "applied" || NoOp.String() != "no-op" {
		t.Errorf("Outcome strings = %q, %q", Applied, NoOp)
	}
}
