package telegraph

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/atlasfeed/internal/feed"
	"github.com/zulandar/atlasfeed/internal/models"
)

// Source is the feed state the watcher diffs. *feed.Reconciler satisfies it.
type Source interface {
	State() feed.State
	Subscribe() (<-chan struct{}, func())
}

// Alert is a card that newly reached the alert threshold.
type Alert struct {
	Entry models.FeedEntry
	Card  models.IntelCard
}

// Watcher detects cards that newly reach the alert threshold. The first
// loaded state is a baseline: cards already present never alert.
type Watcher struct {
	source     Source
	minUrgency models.Urgency

	mu       sync.Mutex
	snapshot map[string]models.Urgency // cardID -> last-seen urgency
	seeded   bool
}

// WatcherOpts holds parameters for creating a Watcher.
type WatcherOpts struct {
	Source     Source
	MinUrgency models.Urgency // defaults to critical
}

// NewWatcher creates a Watcher.
func NewWatcher(opts WatcherOpts) (*Watcher, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("telegraph: watcher: source is required")
	}
	min := opts.MinUrgency
	if min == models.UrgencyNone {
		min = models.UrgencyCritical
	}
	return &Watcher{
		source:     opts.Source,
		minUrgency: min,
		snapshot:   make(map[string]models.Urgency),
	}, nil
}

// Detect diffs st against the last-seen cards and returns the alerts, in
// feed order. A card alerts when it first appears at or above the
// threshold, or when its urgency rises across it.
func (w *Watcher) Detect(st feed.State) []Alert {
	if !st.Loaded {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var alerts []Alert
	for _, e := range st.Entries {
		if e.Kind == models.KindHeartbeat {
			continue
		}
		for _, card := range e.Cards {
			prev, seen := w.snapshot[card.ID]
			w.snapshot[card.ID] = card.Urgency
			if !w.seeded || !card.Urgency.Meets(w.minUrgency) {
				continue
			}
			if seen && prev.Meets(w.minUrgency) {
				continue
			}
			alerts = append(alerts, Alert{Entry: e, Card: card})
		}
	}
	w.seeded = true
	return alerts
}

func (w *Watcher) isSeeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seeded
}

// Run diffs the source on every change and sends each non-empty batch to
// the returned channel. The channel is closed when ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) <-chan []Alert {
	ch := make(chan []Alert, 16)
	changes, unsubscribe := w.source.Subscribe()
	go func() {
		defer close(ch)
		defer unsubscribe()

		emit := func() bool {
			alerts := w.Detect(w.source.State())
			if len(alerts) == 0 {
				return true
			}
			select {
			case ch <- alerts:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				if !emit() {
					return
				}
			}
		}
	}()
	return ch
}
