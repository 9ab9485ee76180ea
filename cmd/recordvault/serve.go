package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/recordvault/internal/config"
	"github.com/forest6511/recordvault/internal/server"
)

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr from settings)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local HTTP API",
	Long: `Serve the local HTTP API used by the desktop front end.

The server binds to loopback by default. Sessions live in this process:
stopping the server locks the vault. settings.yaml is watched and lock
timeout changes apply without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := a.logger

		srv := server.New(a.sessions, a.backups, a.settings,
			server.WithLogger(logger.With().Str("component", "server").Logger()),
			server.WithMetrics(a.metrics.Handler()),
		)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.sessions.Run(ctx, 0)
		}()
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, a.settings.Root(), logger, func(s *config.Settings) {
				if err := srv.ApplySettings(s); err != nil {
					logger.Warn().Err(err).Msg("failed to apply reloaded settings")
					return
				}
				logger.Info().Int("lock_timeout_minutes", s.LockTimeoutMinutes).Msg("settings reloaded")
			})
			if err != nil {
				logger.Warn().Err(err).Msg("settings watcher stopped")
			}
		}()

		addr := serveAddr
		if addr == "" {
			addr = a.settings.Server.Addr
		}
		err := srv.ListenAndServe(ctx, addr)
		stop()
		wg.Wait()
		return err
	},
}
