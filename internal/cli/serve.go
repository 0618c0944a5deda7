package cli

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meetscribe/internal/app"
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the status server and record on request",
		Long: "Serve the status API until Ctrl+C. Recordings are started with POST /v1/session " +
			"and stopped with DELETE /v1/session.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if cmd.Flags().Changed("status-addr") {
				cfg.Server.ListenAddr = statusAddr
			}
			if cfg.Server.ListenAddr == "" {
				return errors.New("serve needs a status address (server.listen_addr or --status-addr)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			flush, err := deps.startTelemetry()
			if err != nil {
				return err
			}
			defer flush()

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer shutdown(a)

			slog.Info("meetscribe ready; press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
			return a.Run(ctx, app.RunOptions{})
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "status server address")
	return cmd
}
