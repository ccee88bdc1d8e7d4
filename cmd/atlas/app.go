package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/atlasfeed/internal/config"
	"github.com/zulandar/atlasfeed/internal/console"
	"github.com/zulandar/atlasfeed/internal/db"
	"github.com/zulandar/atlasfeed/internal/draft"
	"github.com/zulandar/atlasfeed/internal/logging"
	"github.com/zulandar/atlasfeed/internal/models"
	"github.com/zulandar/atlasfeed/internal/telegraph"
	discordadapter "github.com/zulandar/atlasfeed/internal/telegraph/discord"
	slackadapter "github.com/zulandar/atlasfeed/internal/telegraph/slack"
	"github.com/zulandar/atlasfeed/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultConfigPath = "atlas.yaml"

// app is everything a command needs, built from one config file.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  *transport.Client
	db      *gorm.DB
	journal *draft.GormJournal
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	client, err := transport.New(transport.ClientOpts{
		BaseURL:     cfg.Backend.BaseURL,
		Timeout:     cfg.Backend.Timeout(),
		BaseBackoff: time.Duration(cfg.Push.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Push.MaxBackoffMs) * time.Millisecond,
		Logger:      logger.Named("transport"),
	})
	if err != nil {
		return nil, err
	}
	gormDB, err := db.Open(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &app{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		db:      gormDB,
		journal: draft.NewJournal(gormDB),
	}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
	a.logger.Sync()
}

func (a *app) newConsole() (*console.Console, error) {
	return console.New(console.Opts{
		Backend: a.client,
		Journal: a.journal,
		Poll:    a.cfg.Poll,
		Push:    a.cfg.Push.IsEnabled(),
		Logger:  a.logger.Named("console"),
	})
}

// newRelay returns nil when no relay platform is configured.
func (a *app) newRelay(source telegraph.Source) (*telegraph.Daemon, error) {
	adapter, channelID, err := newAdapter(a.cfg.Relay)
	if err != nil || adapter == nil {
		return nil, err
	}
	return telegraph.NewDaemon(telegraph.DaemonOpts{
		Adapter:    adapter,
		Source:     source,
		MinUrgency: models.ParseUrgency(a.cfg.Relay.MinUrgency),
		ChannelID:  channelID,
		Logger:     a.logger.Named("relay"),
	})
}

func newAdapter(cfg config.RelayConfig) (telegraph.Adapter, string, error) {
	switch cfg.Platform {
	case "":
		return nil, "", nil
	case "slack":
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			BotToken:          cfg.Slack.BotToken,
			ChannelID:         cfg.Slack.ChannelID,
			MentionOnCritical: cfg.Slack.Mention,
		})
		return a, cfg.Slack.ChannelID, err
	case "discord":
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken:          cfg.Discord.BotToken,
			ChannelID:         cfg.Discord.ChannelID,
			MentionOnCritical: cfg.Discord.Mention,
		})
		return a, cfg.Discord.ChannelID, err
	default:
		return nil, "", fmt.Errorf("unsupported relay platform %q", cfg.Platform)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
