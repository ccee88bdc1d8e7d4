// Package feed owns the canonical, ordered list of feed entries. Snapshot
// refreshes from push signals, timers, and explicit requests all pass through
// one coalescing funnel; single-entry merges (chat echoes) bypass it.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zulandar/atlasfeed/internal/logging"
	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/zap"
)

// Fetcher abstracts the snapshot call for testability.
type Fetcher interface {
	Snapshot(ctx context.Context) (*models.Snapshot, error)
}

// State is an immutable view of canonical state at one version. Entries and
// Tabs are shared with the reconciler and must not be modified.
type State struct {
	Version uint64
	Entries []models.FeedEntry
	Tabs    []models.TabSummary
	Loaded  bool  // a snapshot has been applied at least once
	LastErr error // most recent refresh failure, cleared on success
}

// ReconcilerOpts holds parameters for creating a Reconciler.
type ReconcilerOpts struct {
	Fetcher Fetcher
	Logger  *zap.Logger
}

// Reconciler is the single writer of canonical feed state.
type Reconciler struct {
	fetcher Fetcher
	logger  *zap.Logger

	// kick has capacity one: signals received while a refresh is running
	// collapse into exactly one follow-up.
	kick chan struct{}

	mu      sync.Mutex
	issued  uint64 // last snapshot sequence handed out
	applied uint64 // highest sequence whose result was applied
	state   State
	subs    map[int]chan struct{}
	nextSub int
}

// New creates a Reconciler.
func New(opts ReconcilerOpts) (*Reconciler, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("feed: fetcher is required")
	}
	return &Reconciler{
		fetcher: opts.Fetcher,
		logger:  logging.OrNop(opts.Logger),
		kick:    make(chan struct{}, 1),
		subs:    make(map[int]chan struct{}),
	}, nil
}

// State returns the current canonical state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// BeginSnapshot issues the sequence number for a snapshot fetch about to start.
func (r *Reconciler) BeginSnapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued++
	return r.issued
}

// ReplaceAll atomically swaps canonical state for the result of snapshot seq.
// It returns ErrStaleSnapshot when a snapshot with an equal or later
// sequence has already been applied. Chat echoes are client-originated and
// are carried over at the head.
func (r *Reconciler) ReplaceAll(seq uint64, snap *models.Snapshot) error {
	if snap == nil {
		snap = &models.Snapshot{}
	}

	r.mu.Lock()
	if seq <= r.applied {
		applied := r.applied
		r.mu.Unlock()
		r.logger.Debug("discarding stale snapshot",
			zap.Uint64("seq", seq),
			zap.Uint64("applied", applied))
		return fmt.Errorf("feed: replace: seq %d <= %d: %w", seq, applied, models.ErrStaleSnapshot)
	}

	incoming := dedupe(snap.Entries)
	seen := make(map[string]bool, len(incoming))
	for _, e := range incoming {
		seen[e.ID] = true
	}
	var echoes []models.FeedEntry
	for _, e := range r.state.Entries {
		if e.Kind == models.KindChatEcho && !seen[e.ID] {
			echoes = append(echoes, e)
		}
	}
	entries := make([]models.FeedEntry, 0, len(echoes)+len(incoming))
	entries = append(entries, echoes...)
	entries = append(entries, incoming...)

	r.applied = seq
	r.state = State{
		Version: r.state.Version + 1,
		Entries: entries,
		Tabs:    snap.Tabs,
		Loaded:  true,
	}
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Debug("snapshot applied", zap.Uint64("seq", seq), zap.Int("entries", len(entries)))
	return nil
}

// MergeOne inserts or replaces a single entry by ID. An existing entry keeps
// its position; a new entry goes to the head.
func (r *Reconciler) MergeOne(entry models.FeedEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Entries
	var next []models.FeedEntry
	if i := indexOf(cur, entry.ID); i >= 0 {
		next = make([]models.FeedEntry, len(cur))
		copy(next, cur)
		next[i] = entry
	} else {
		next = make([]models.FeedEntry, 0, len(cur)+1)
		next = append(next, entry)
		next = append(next, cur...)
	}
	r.state.Entries = next
	r.state.Version++
	r.notifyLocked()
}

// Refresh fetches a snapshot and applies it. A stale result is discarded
// silently, whether it succeeded or failed. On a current fetch failure
// canonical entries are left untouched and the error is returned.
func (r *Reconciler) Refresh(ctx context.Context) error {
	seq := r.BeginSnapshot()
	snap, err := r.fetcher.Snapshot(ctx)
	if err != nil {
		r.mu.Lock()
		if seq <= r.applied {
			r.mu.Unlock()
			r.logger.Debug("discarding stale snapshot failure",
				zap.Uint64("seq", seq), zap.Error(err))
			return nil
		}
		r.state.LastErr = err
		r.state.Version++
		r.notifyLocked()
		r.mu.Unlock()
		return fmt.Errorf("feed: refresh: %w", err)
	}
	if err := r.ReplaceAll(seq, snap); err != nil {
		if errors.Is(err, models.ErrStaleSnapshot) {
			return nil
		}
		return err
	}
	return nil
}

// NotifyExternalUpdate schedules a refresh. It never blocks; signals that
// arrive while a refresh is pending or running collapse into one follow-up.
func (r *Reconciler) NotifyExternalUpdate() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run serves scheduled refreshes one at a time until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.kick:
			if err := r.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn("snapshot refresh failed, keeping current entries", zap.Error(err))
			}
		}
	}
}

// Subscribe returns a channel that receives a signal after every state
// change. Signals are coalesced; readers should call State on receipt.
// The returned function releases the subscription.
func (r *Reconciler) Subscribe() (<-chan struct{}, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan struct{}, 1)
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

func (r *Reconciler) notifyLocked() {
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// dedupe collapses repeated IDs: the first position wins, the last value wins.
func dedupe(entries []models.FeedEntry) []models.FeedEntry {
	out := make([]models.FeedEntry, 0, len(entries))
	pos := make(map[string]int, len(entries))
	for _, e := range entries {
		if i, ok := pos[e.ID]; ok {
			out[i] = e
			continue
		}
		pos[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}

func indexOf(entries []models.FeedEntry, id string) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Card finds a card by ID in the current state, along with its entry.
func (r *Reconciler) Card(cardID string) (models.IntelCard, models.FeedEntry, bool) {
	st := r.State()
	for _, e := range st.Entries {
		for _, c := range e.Cards {
			if c.ID == cardID {
				return c, e, true
			}
		}
	}
	return models.IntelCard{}, models.FeedEntry{}, false
}
