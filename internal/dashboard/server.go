// Package dashboard serves the session's view model over HTTP for an
// external renderer: JSON snapshots, server-sent view events, and the
// advisor's actions.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/atlasfeed/internal/chat"
	"github.com/zulandar/atlasfeed/internal/console"
	"github.com/zulandar/atlasfeed/internal/draft"
	"github.com/zulandar/atlasfeed/internal/logging"
	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/zap"
)

// Session is the advisor session the dashboard drives. *console.Console
// satisfies it.
type Session interface {
	View() console.View
	Subscribe() (<-chan struct{}, func())
	Filter() models.FilterState
	SetFilter(f models.FilterState) error
	Refresh(ctx context.Context) error
	Approve(ctx context.Context, draftID string) (draft.Outcome, error)
	Dismiss(ctx context.Context, draftID string) (draft.Outcome, error)
	EditDraft(ctx context.Context, draftID string, content models.DraftContent) (draft.Outcome, error)
	Discuss(draftID string) (*chat.Session, draft.Outcome, error)
	SendDiscussion(ctx context.Context, draftID, text string) (string, <-chan struct{}, error)
	CloseDiscussion(draftID string)
	Ask(ctx context.Context, text string) (string, <-chan struct{}, error)
	OpenCard(cardID string) (*models.CardDetail, error)
	ResolveRisk(ctx context.Context, eventID string) error
}

// DefaultHeartbeat is how often an idle event stream sends a heartbeat.
const DefaultHeartbeat = 15 * time.Second

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Session   Session
	Port      int
	Heartbeat time.Duration // defaults to DefaultHeartbeat
	Out       io.Writer
	Logger    *zap.Logger
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Session == nil {
		return fmt.Errorf("dashboard: session is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8090
	}

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine serving the view API.
func NewRouter(opts StartOpts) *gin.Engine {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &handlers{
		session:   opts.Session,
		heartbeat: opts.Heartbeat,
		logger:    logging.OrNop(opts.Logger),
	})
	return router
}
