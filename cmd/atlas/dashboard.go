package main

import (
	"github.com/spf13/cobra"
	"github.com/zulandar/atlasfeed/internal/dashboard"
	"golang.org/x/sync/errgroup"
)

func newDashboardCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the view API for a web dashboard",
		Long:  "Runs a session and serves its view model over HTTP: JSON snapshots, server-sent view events, and draft, risk, and chat actions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Atlas config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func runDashboard(cmd *cobra.Command, configPath string, port int) error {
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	if port <= 0 {
		port = a.cfg.Dashboard.Port
	}

	con, err := a.newConsole()
	if err != nil {
		return err
	}
	relay, err := a.newRelay(con.Feed())
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return con.Run(gctx) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		return dashboard.Start(gctx, dashboard.StartOpts{
			Session: con,
			Port:    port,
			Out:     cmd.OutOrStdout(),
			Logger:  a.logger.Named("dashboard"),
		})
	})
	return g.Wait()
}
