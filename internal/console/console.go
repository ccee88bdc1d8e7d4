// Package console composes the feed, chat, draft, and polling components
// into one advisor session and exposes the render-ready view model.
package console

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/atlasfeed/internal/chat"
	"github.com/zulandar/atlasfeed/internal/config"
	"github.com/zulandar/atlasfeed/internal/draft"
	"github.com/zulandar/atlasfeed/internal/feed"
	"github.com/zulandar/atlasfeed/internal/logging"
	"github.com/zulandar/atlasfeed/internal/models"
	"github.com/zulandar/atlasfeed/internal/supervisor"
	"github.com/zulandar/atlasfeed/internal/view"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Backend is everything a session needs from the intelligence API.
type Backend interface {
	feed.Fetcher
	draft.Commander
	chat.Streamer
	LiveMetrics(ctx context.Context) (*models.LiveMetrics, error)
	HeartbeatStatus(ctx context.Context) (*models.HeartbeatStatus, error)
	ResolveRisk(ctx context.Context, eventID string) error
	Subscribe(ctx context.Context, onUpdate func()) error
}

// Poll names registered with the supervisor.
const (
	PollSnapshot        = "snapshot"
	PollLiveMetrics     = "live-metrics"
	PollHeartbeatStatus = "heartbeat-status"
)

// Opts holds parameters for creating a Console.
type Opts struct {
	Backend Backend
	Journal draft.Journal // optional
	Poll    config.PollConfig
	Push    bool
	Logger  *zap.Logger
}

// Console is one advisor session.
type Console struct {
	backend Backend
	poll    config.PollConfig
	push    bool
	logger  *zap.Logger

	feed   *feed.Reconciler
	drafts *draft.Controller
	chats  *chat.Manager
	sup    *supervisor.Supervisor

	projector   view.Projector
	metricsKick chan struct{}

	mu        sync.Mutex
	runCtx    context.Context
	running   bool
	filter    models.FilterState
	metrics   *models.LiveMetrics
	heartbeat *models.HeartbeatStatus
	details   map[string]cachedDetail
	echoTimes map[string]string // chat turn ID -> display timestamp
	rev       uint64            // bumped on non-feed changes
	subs      map[int]chan struct{}
	nextSub   int
}

type cachedDetail struct {
	raw    string
	detail *models.CardDetail
}

// New creates a Console. Nothing touches the network until Run.
func New(opts Opts) (*Console, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("console: backend is required")
	}
	logger := logging.OrNop(opts.Logger)

	c := &Console{
		backend:     opts.Backend,
		poll:        opts.Poll,
		push:        opts.Push,
		logger:      logger,
		sup:         supervisor.New(supervisor.Opts{Logger: logger.Named("supervisor")}),
		metricsKick: make(chan struct{}, 1),
		filter:      models.DefaultFilter(),
		details:     make(map[string]cachedDetail),
		echoTimes:   make(map[string]string),
		subs:        make(map[int]chan struct{}),
	}

	var err error
	c.feed, err = feed.New(feed.ReconcilerOpts{Fetcher: opts.Backend, Logger: logger.Named("feed")})
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	c.chats, err = chat.NewManager(chat.ManagerOpts{
		Streamer: opts.Backend,
		Logger:   logger.Named("chat"),
		OnUpdate: c.onChatUpdate,
	})
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	c.drafts, err = draft.New(draft.ControllerOpts{
		Commander:   opts.Backend,
		Refresher:   c.feed,
		Discussions: c.chats,
		Journal:     opts.Journal,
		Logger:      logger.Named("draft"),
	})
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	return c, nil
}

// Feed returns the session's reconciler for read-only consumers.
func (c *Console) Feed() *feed.Reconciler { return c.feed }

// Run loads the feed, starts polls and the push subscription, and blocks
// until ctx is cancelled. Every timer, stream, and subscription is released
// before Run returns.
func (c *Console) Run(ctx context.Context) error {
	if err := c.drafts.Restore(ctx); err != nil {
		return fmt.Errorf("console: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	c.runCtx = gctx
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	changes, unsubscribe := c.feed.Subscribe()
	defer unsubscribe()

	if err := c.schedulePolls(); err != nil {
		c.sup.Stop()
		return err
	}
	if c.push {
		if err := c.sup.Go("push", func(ctx context.Context) error {
			return c.backend.Subscribe(ctx, c.onPush)
		}); err != nil {
			c.sup.Stop()
			return fmt.Errorf("console: %w", err)
		}
	}

	// Initial load goes through the same funnel as every later refresh.
	c.feed.NotifyExternalUpdate()
	c.kickMetrics()
	c.sup.Start()

	g.Go(func() error { return c.feed.Run(gctx) })
	g.Go(func() error { return c.metricsLoop(gctx) })
	g.Go(func() error { return c.forwardFeed(gctx, changes) })
	g.Go(func() error {
		<-gctx.Done()
		c.sup.Stop()
		c.chats.CloseAll()
		return nil
	})
	c.logger.Info("session started", zap.Strings("polls", c.sup.Names()), zap.Bool("push", c.push))

	err := g.Wait()
	c.logger.Info("session stopped")
	return err
}

func (c *Console) schedulePolls() error {
	polls := []struct {
		name string
		spec string
		job  supervisor.Job
	}{
		{PollSnapshot, c.poll.Snapshot, func(context.Context) { c.feed.NotifyExternalUpdate() }},
		{PollLiveMetrics, c.poll.LiveMetrics, func(context.Context) { c.kickMetrics() }},
		{PollHeartbeatStatus, c.poll.HeartbeatStatus, c.refreshHeartbeat},
	}
	for _, p := range polls {
		if p.spec == "" {
			continue
		}
		if err := c.sup.Schedule(p.name, p.spec, p.job); err != nil {
			return fmt.Errorf("console: %w", err)
		}
	}
	return nil
}

// onPush handles an "update available" signal. Risk counts in the live
// strip may have changed along with the feed.
func (c *Console) onPush() {
	c.feed.NotifyExternalUpdate()
	c.kickMetrics()
}

func (c *Console) kickMetrics() {
	select {
	case c.metricsKick <- struct{}{}:
	default:
	}
}

// metricsLoop serializes live strip refreshes and the initial heartbeat
// status fetch.
func (c *Console) metricsLoop(ctx context.Context) error {
	first := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.metricsKick:
			c.refreshMetrics(ctx)
			if first {
				c.refreshHeartbeat(ctx)
				first = false
			}
		}
	}
}

func (c *Console) refreshMetrics(ctx context.Context) {
	m, err := c.backend.LiveMetrics(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("live metrics refresh failed", zap.Error(err))
		}
		return
	}
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
	c.changed()
}

func (c *Console) refreshHeartbeat(ctx context.Context) {
	hs, err := c.backend.HeartbeatStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("heartbeat status refresh failed", zap.Error(err))
		}
		return
	}
	c.mu.Lock()
	c.heartbeat = hs
	c.mu.Unlock()
	c.changed()
}

// forwardFeed tracks newly seen drafts and relays feed changes to
// subscribers.
func (c *Console) forwardFeed(ctx context.Context, changes <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			c.trackDrafts()
			c.publish()
		}
	}
}

func (c *Console) trackDrafts() {
	var ids []string
	for _, e := range c.feed.State().Entries {
		for _, card := range e.Cards {
			if card.IsDraft {
				ids = append(ids, card.ID)
			}
		}
	}
	if len(ids) > 0 {
		c.drafts.Track(ids...)
	}
}

// onChatUpdate merges main-bar answers into the feed as chat echoes and
// publishes discussion progress.
func (c *Console) onChatUpdate(u chat.Update) {
	if u.Scope != chat.MainScope {
		c.changed()
		return
	}
	c.mu.Lock()
	ts, ok := c.echoTimes[u.TurnID]
	if !ok {
		ts = time.Now().Format("15:04")
		c.echoTimes[u.TurnID] = ts
	}
	// The final message is the last update for a turn.
	if !u.Message.Streaming {
		delete(c.echoTimes, u.TurnID)
	}
	c.mu.Unlock()

	c.feed.MergeOne(models.FeedEntry{
		ID:        EchoID(u.TurnID),
		Kind:      models.KindChatEcho,
		Category:  "atlas",
		Timestamp: ts,
		Narrative: u.Message.Content,
		Summary:   u.Message.Thoughts,
	})
}

// EchoID is the feed entry ID of a main-bar chat turn.
func EchoID(turnID string) string {
	return "chat-" + turnID
}

// Subscribe returns a channel signalled after any change to the view.
// Signals are coalesced. The returned function releases the subscription.
func (c *Console) Subscribe() (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan struct{}, 1)
	c.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// changed records a change outside the feed and notifies subscribers.
func (c *Console) changed() {
	c.mu.Lock()
	c.rev++
	c.mu.Unlock()
	c.publish()
}

func (c *Console) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
