package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/atlasfeed/internal/console"
	"github.com/zulandar/atlasfeed/internal/models"
	"github.com/zulandar/atlasfeed/internal/telegraph"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// clearScreen moves the cursor home and clears the terminal.
const clearScreen = "\x1b[H\x1b[2J"

func newWatchCmd() *cobra.Command {
	var (
		configPath string
		filter     models.FilterState
		noRelay    bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the intelligence feed in the terminal",
		Long:  "Keeps the feed in sync with the backend and redraws it on every change. When stdout is not a terminal, new entries are printed as they arrive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, configPath, filter, noRelay)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Atlas config file")
	cmd.Flags().StringVar(&filter.Tab, "tab", models.TabAll, "category tab to show")
	cmd.Flags().StringVar(&filter.Urgency, "urgency", models.UrgencyFilterAll, "urgency filter: all, high, critical")
	cmd.Flags().StringVar(&filter.Search, "search", "", "only show entries containing this text")
	cmd.Flags().BoolVar(&noRelay, "no-relay", false, "do not forward alerts to the configured chat platform")
	return cmd
}

func runWatch(cmd *cobra.Command, configPath string, filter models.FilterState, noRelay bool) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	con, err := a.newConsole()
	if err != nil {
		return err
	}
	if err := con.SetFilter(filter); err != nil {
		return err
	}

	var relay *telegraph.Daemon
	if !noRelay {
		if relay, err = a.newRelay(con.Feed()); err != nil {
			return err
		}
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return con.Run(gctx) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}

	out := cmd.OutOrStdout()
	tty := isTerminal(out)
	if !tty {
		fmt.Fprintln(out, "Watching the intelligence feed... (Ctrl+C to stop)")
	}
	g.Go(func() error {
		follow(gctx, con, out, tty)
		return nil
	})
	return g.Wait()
}

// follow redraws the whole view on a terminal, or appends entries not
// printed before otherwise.
func follow(ctx context.Context, con *console.Console, out io.Writer, tty bool) {
	changes, unsubscribe := con.Subscribe()
	defer unsubscribe()

	printed := make(map[string]bool)
	var lastRev uint64
	draw := func() {
		v := con.View()
		if v.Revision == lastRev && lastRev != 0 {
			return
		}
		lastRev = v.Revision
		if tty {
			fmt.Fprint(out, clearScreen)
			renderView(out, v)
			return
		}
		if v.Error != "" {
			fmt.Fprintf(out, "! refresh failed: %s\n", v.Error)
		}
		// Entries are newest first; print the unseen ones oldest first.
		for i := len(v.Entries) - 1; i >= 0; i-- {
			e := v.Entries[i]
			if e.Kind == models.KindChatEcho || printed[e.ID] {
				continue
			}
			printed[e.ID] = true
			renderEntry(out, e)
		}
	}

	draw()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			draw()
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
