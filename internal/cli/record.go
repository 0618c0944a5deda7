package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meetscribe/internal/app"
	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/output"
	"github.com/MrWong99/meetscribe/internal/recorder"
)

const shutdownTimeout = 2 * time.Minute

func NewRecordCmd(deps *Dependencies) *cobra.Command {
	var (
		source     string
		title      string
		statusAddr string
		noSummary  bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a meeting with a live transcript",
		Long: "Record from the configured source until Ctrl+C. The transcript is shown as it is " +
			"refined; when the recording ends the finalized segments are uploaded and, if enabled, " +
			"a summary is requested.\n\nSources: mic[:<device>], system[:<device>], discord:[<guild>/]<channel>.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if cmd.Flags().Changed("status-addr") {
				cfg.Server.ListenAddr = statusAddr
			}
			if noSummary {
				cfg.Session.Summary.Enabled = false
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if deps.ConfigPath != "" {
				w, err := watchLogLevel(deps)
				if err != nil {
					slog.Warn("config watcher disabled", "err", err)
				} else {
					defer w.Stop()
				}
			}

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

			out := cmd.OutOrStdout()
			f := deps.formatter(cmd)
			return a.Run(ctx, app.RunOptions{
				Start: &app.StartOptions{Title: title, Source: source},
				Watch: func(r *recorder.Recorder) {
					if deps.JSON {
						<-r.Done()
						_ = f.JSON(r.Snapshot())
						return
					}
					f.RecordingStarted(r.Snapshot(), cfg.Server.ListenAddr)
					render(r, out)
					f.RecordingStopped(r.Snapshot())
				},
			})
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "capture source (default from config)")
	cmd.Flags().StringVarP(&title, "title", "t", "", "meeting title (default \"Meeting <date time>\")")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "status server address; empty disables it")
	cmd.Flags().BoolVar(&noSummary, "no-summary", false, "do not request a summary after recording")

	return cmd
}

// render draws snapshots until the recording has ended.
func render(r *recorder.Recorder, w io.Writer) {
	rd := output.NewRenderer(w)
	for {
		select {
		case s := <-r.Updates():
			rd.Render(s)
		case <-r.Done():
			rd.Render(r.Snapshot())
			rd.Finish()
			return
		}
	}
}

// watchLogLevel applies log level changes from the config file while
// recording. Other changes apply to the next recording.
func watchLogLevel(deps *Dependencies) (*config.Watcher, error) {
	return config.NewWatcher(deps.ConfigPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			deps.Level.Set(d.NewLogLevel.Slog())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changed; takes effect on the next recording", "sections", d.RestartRequired)
		}
	})
}

func shutdown(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}
