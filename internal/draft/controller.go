// Package draft drives the lifecycle of draft client communications:
// proposed, under discussion, sent, or dismissed.
package draft

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/zulandar/atlasfeed/internal/chat"
	"github.com/zulandar/atlasfeed/internal/logging"
	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/zap"
)

// Action names, as journaled and offered to the presentation layer.
const (
	ActionApprove = "approve"
	ActionDismiss = "dismiss"
	ActionDiscuss = "discuss"
	ActionEdit    = "edit"
)

// ValidTransitions maps each state to its valid next states. Terminal
// states have no entry.
var ValidTransitions = map[models.DraftState][]models.DraftState{
	models.DraftProposed:   {models.DraftDiscussing, models.DraftSent, models.DraftDismissed},
	models.DraftDiscussing: {models.DraftSent, models.DraftDismissed},
}

// isValidTransition checks whether a state transition is allowed.
func isValidTransition(from, to models.DraftState) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Outcome reports whether a lifecycle call changed anything.
type Outcome int

const (
	// NoOp means the draft was already terminal (or already in the target
	// state) and no command was issued.
	NoOp Outcome = iota
	// Applied means the transition or edit took effect.
	Applied
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "no-op"
}

// Commander issues draft commands to the backend.
type Commander interface {
	ApproveDraft(ctx context.Context, draftID string) error
	RejectDraft(ctx context.Context, draftID string) error
	EditDraft(ctx context.Context, draftID string, content models.DraftContent) error
}

// Refresher schedules a feed refresh after a successful command.
type Refresher interface {
	NotifyExternalUpdate()
}

// Discussions opens chat sessions scoped to a draft.
type Discussions interface {
	Open(scope string, reqContext map[string]any) *chat.Session
	Session(scope string) (*chat.Session, bool)
	Close(scope string)
}

// Journal persists applied actions and restores terminal states on start.
type Journal interface {
	Record(ctx context.Context, action models.DraftAction) error
	Restore(ctx context.Context) (map[string]models.DraftState, error)
}

// ControllerOpts holds parameters for creating a Controller.
type ControllerOpts struct {
	Commander   Commander
	Refresher   Refresher   // optional
	Discussions Discussions // optional; RequestDiscussion fails without it
	Journal     Journal     // optional
	Logger      *zap.Logger
}

// Controller is the per-draft state machine. Each draft ID has at most one
// in-flight lifecycle call; independent drafts never block each other.
type Controller struct {
	cmd         Commander
	refresher   Refresher
	discussions Discussions
	journal     Journal
	logger      *zap.Logger

	mu       sync.Mutex
	states   map[string]models.DraftState
	inFlight map[string]string // draft ID -> action
}

// New creates a Controller.
func New(opts ControllerOpts) (*Controller, error) {
	if opts.Commander == nil {
		return nil, fmt.Errorf("draft: commander is required")
	}
	return &Controller{
		cmd:         opts.Commander,
		refresher:   opts.Refresher,
		discussions: opts.Discussions,
		journal:     opts.Journal,
		logger:      logging.OrNop(opts.Logger),
		states:      make(map[string]models.DraftState),
		inFlight:    make(map[string]string),
	}, nil
}

// Restore loads terminal states from the journal so a restarted session
// cannot send a draft twice.
func (c *Controller) Restore(ctx context.Context) error {
	if c.journal == nil {
		return nil
	}
	states, err := c.journal.Restore(ctx)
	if err != nil {
		return fmt.Errorf("draft: restore: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range states {
		c.states[id] = st
	}
	c.logger.Debug("draft states restored", zap.Int("count", len(states)))
	return nil
}

// Track registers draft IDs seen in the feed. Unknown IDs start Proposed;
// known IDs keep their state.
func (c *Controller) Track(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.states[id]; !ok {
			c.states[id] = models.DraftProposed
		}
	}
}

// State returns the current state of a draft. Untracked drafts are Proposed.
func (c *Controller) State(id string) models.DraftState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(id)
}

// Busy reports whether a lifecycle call is in flight for id.
func (c *Controller) Busy(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[id]
	return ok
}

// Actions returns the actions currently available for a draft.
func (c *Controller) Actions(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[id]; busy {
		return nil
	}
	switch c.stateLocked(id) {
	case models.DraftProposed, models.DraftDiscussing:
		return []string{ActionApprove, ActionDismiss, ActionDiscuss, ActionEdit}
	default:
		return nil
	}
}

// Approve sends the draft. It issues exactly one send command; on failure
// the draft keeps its pre-call state so the caller can retry.
func (c *Controller) Approve(ctx context.Context, id string) (Outcome, error) {
	from, ok, err := c.begin(id, ActionApprove, models.DraftSent)
	if err != nil || !ok {
		return NoOp, err
	}

	sendErr := c.cmd.ApproveDraft(ctx, id)

	c.mu.Lock()
	delete(c.inFlight, id)
	if sendErr == nil {
		c.states[id] = models.DraftSent
	}
	c.mu.Unlock()

	if sendErr != nil {
		c.record(ctx, id, ActionApprove, from, from, sendErr)
		c.logger.Warn("draft approve failed", zap.String("draft", id), zap.Error(sendErr))
		return NoOp, fmt.Errorf("draft: approve %s: %w", id, sendErr)
	}
	c.record(ctx, id, ActionApprove, from, models.DraftSent, nil)
	c.closeDiscussion(id)
	c.logger.Info("draft sent", zap.String("draft", id))
	c.refresh()
	return Applied, nil
}

// Dismiss moves the draft to Dismissed before the reject command is issued.
// A failed command is reported but the draft stays dismissed.
func (c *Controller) Dismiss(ctx context.Context, id string) (Outcome, error) {
	from, ok, err := c.begin(id, ActionDismiss, models.DraftDismissed)
	if err != nil || !ok {
		return NoOp, err
	}
	c.mu.Lock()
	c.states[id] = models.DraftDismissed
	c.mu.Unlock()

	rejectErr := c.cmd.RejectDraft(ctx, id)

	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()

	c.record(ctx, id, ActionDismiss, from, models.DraftDismissed, rejectErr)
	c.closeDiscussion(id)
	if rejectErr != nil {
		c.logger.Warn("draft dismiss not confirmed by backend", zap.String("draft", id), zap.Error(rejectErr))
		return Applied, fmt.Errorf("draft: dismiss %s: %w", id, rejectErr)
	}
	c.logger.Info("draft dismissed", zap.String("draft", id))
	c.refresh()
	return Applied, nil
}

// RequestDiscussion moves a proposed draft under discussion and opens a chat
// session scoped to it. For a draft already under discussion the open
// session is returned. reqContext is sent with every message of the session.
// The draft's in-flight slot is held while the session opens.
func (c *Controller) RequestDiscussion(id string, reqContext map[string]any) (*chat.Session, Outcome, error) {
	if c.discussions == nil {
		return nil, NoOp, fmt.Errorf("draft: discuss %s: no chat sessions configured", id)
	}

	c.mu.Lock()
	if _, busy := c.inFlight[id]; busy {
		c.mu.Unlock()
		return nil, NoOp, fmt.Errorf("draft: discuss %s: %w", id, models.ErrBusy)
	}
	from := c.stateLocked(id)
	if from.Terminal() {
		c.mu.Unlock()
		return nil, NoOp, nil
	}
	c.inFlight[id] = ActionDiscuss
	c.states[id] = models.DraftDiscussing
	c.mu.Unlock()

	var s *chat.Session
	if from == models.DraftDiscussing {
		s, _ = c.discussions.Session(id)
	}
	if s == nil {
		s = c.discussions.Open(id, scopedContext(id, reqContext))
	}

	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()

	if from == models.DraftDiscussing {
		return s, NoOp, nil
	}
	c.record(context.Background(), id, ActionDiscuss, from, models.DraftDiscussing, nil)
	c.logger.Info("draft under discussion", zap.String("draft", id))
	return s, Applied, nil
}

// Edit replaces the draft's subject and body. The lifecycle state is unchanged.
func (c *Controller) Edit(ctx context.Context, id string, content models.DraftContent) (Outcome, error) {
	c.mu.Lock()
	if _, busy := c.inFlight[id]; busy {
		c.mu.Unlock()
		return NoOp, fmt.Errorf("draft: edit %s: %w", id, models.ErrBusy)
	}
	from := c.stateLocked(id)
	if from.Terminal() {
		c.mu.Unlock()
		return NoOp, nil
	}
	c.inFlight[id] = ActionEdit
	c.mu.Unlock()

	err := c.cmd.EditDraft(ctx, id, content)

	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()

	c.record(ctx, id, ActionEdit, from, from, err)
	if err != nil {
		return NoOp, fmt.Errorf("draft: edit %s: %w", id, err)
	}
	c.refresh()
	return Applied, nil
}

// begin validates a transition to `to` and claims the in-flight slot. ok is
// false for terminal drafts, which are left untouched.
func (c *Controller) begin(id, action string, to models.DraftState) (from models.DraftState, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from = c.stateLocked(id)
	if from.Terminal() {
		c.logger.Debug("ignoring action on terminal draft",
			zap.String("draft", id),
			zap.String("action", action),
			zap.String("state", string(from)))
		return from, false, nil
	}
	if _, busy := c.inFlight[id]; busy {
		return from, false, fmt.Errorf("draft: %s %s: %w", action, id, models.ErrBusy)
	}
	if !isValidTransition(from, to) {
		return from, false, fmt.Errorf("draft: %s %s: invalid transition from %q to %q", action, id, from, to)
	}
	c.inFlight[id] = action
	return from, true, nil
}

func (c *Controller) stateLocked(id string) models.DraftState {
	if st, ok := c.states[id]; ok {
		return st
	}
	return models.DraftProposed
}

// closeDiscussion ends the chat session of a draft that reached a terminal
// state.
func (c *Controller) closeDiscussion(id string) {
	if c.discussions != nil {
		c.discussions.Close(id)
	}
}

func (c *Controller) refresh() {
	if c.refresher != nil {
		c.refresher.NotifyExternalUpdate()
	}
}

func (c *Controller) record(ctx context.Context, id, action string, from, to models.DraftState, actionErr error) {
	if c.journal == nil {
		return
	}
	row := models.DraftAction{
		DraftID:   id,
		Action:    action,
		FromState: string(from),
		ToState:   string(to),
	}
	if actionErr != nil {
		row.Error = actionErr.Error()
	}
	if err := c.journal.Record(context.WithoutCancel(ctx), row); err != nil {
		c.logger.Warn("draft journal write failed", zap.String("draft", id), zap.Error(err))
	}
}

func scopedContext(id string, reqContext map[string]any) map[string]any {
	out := make(map[string]any, len(reqContext)+1)
	for k, v := range reqContext {
		out[k] = v
	}
	out["draft_id"] = id
	return out
}
