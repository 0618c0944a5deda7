package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meetscribe/internal/app"
)

func NewDevicesCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture sources",
		Long:  "List microphones, system loopback sources and, when a Discord bot is configured, the voice channels of its guild.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, closers := app.NewCaptureSession(deps.Config)
			defer func() {
				for _, c := range closers {
					if err := c(); err != nil {
						slog.Debug("closer error", "err", err)
					}
				}
			}()

			devs, err := sess.Devices(cmd.Context())
			if err != nil {
				return err
			}
			f := deps.formatter(cmd)
			if deps.JSON {
				return f.JSON(devs)
			}
			f.Devices(devs)
			return nil
		},
	}
}
