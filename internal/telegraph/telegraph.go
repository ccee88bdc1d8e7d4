package telegraph

import (
	"context"
	"fmt"

	"github.com/zulandar/atlasfeed/internal/logging"
	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/zap"
)

// Daemon connects to a chat platform via an Adapter and posts every batch
// of newly urgent cards the watcher detects.
type Daemon struct {
	adapter   Adapter
	watcher   *Watcher
	channelID string
	logger    *zap.Logger
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter    Adapter
	Source     Source
	MinUrgency models.Urgency // defaults to critical
	ChannelID  string         // optional; adapters fall back to their own default
	Logger     *zap.Logger
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	w, err := NewWatcher(WatcherOpts{Source: opts.Source, MinUrgency: opts.MinUrgency})
	if err != nil {
		return nil, err
	}
	return &Daemon{
		adapter:   opts.Adapter,
		watcher:   w,
		channelID: opts.ChannelID,
		logger:    logging.OrNop(opts.Logger),
	}, nil
}

// Run connects the adapter and relays alerts until ctx is cancelled. A
// failed send is logged and the batch dropped; the cards stay seen.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}
	defer func() {
		if err := d.adapter.Close(); err != nil {
			d.logger.Warn("close adapter", zap.Error(err))
		}
	}()
	d.logger.Info("relay online", zap.String("min_urgency", string(d.watcher.minUrgency)))

	for alerts := range d.watcher.Run(ctx) {
		msg := FormatBatch(alerts)
		msg.ChannelID = d.channelID
		if err := d.adapter.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Warn("send alerts", zap.Int("cards", len(alerts)), zap.Error(err))
			continue
		}
		d.logger.Info("alerts sent", zap.Int("cards", len(alerts)))
	}
	d.logger.Info("relay stopped")
	return nil
}
