// Package cli implements the meetscribe command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meetscribe/internal/app"
	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/meetingapi"
	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/output"
	"github.com/MrWong99/meetscribe/internal/version"
)

// Dependencies is shared by every command. The root command fills in Config
// and the logger before any subcommand runs.
type Dependencies struct {
	ConfigPath string
	EnvFile    string
	JSON       bool

	Config *config.Config

	// Level is the live log level; the record command adjusts it when the
	// config file changes.
	Level *slog.LevelVar

	logCloser io.Closer
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	if deps.Level == nil {
		deps.Level = new(slog.LevelVar)
	}

	rootCmd := &cobra.Command{
		Use:   "meetscribe",
		Short: "Record meetings with live transcription",
		Long: "Capture audio from a microphone, the system mix or a Discord voice channel, stream it " +
			"to the transcription backend, watch the transcript as it is refined, and manage the " +
			"recorded meetings.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return deps.teardown()
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&deps.ConfigPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML configuration file")
	flags.StringVar(&deps.EnvFile, "env-file", ".env", "environment file loaded before the configuration")
	flags.BoolVar(&deps.JSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(NewRecordCmd(deps))
	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewDevicesCmd(deps))
	rootCmd.AddCommand(NewMeetingsCmd(deps))
	rootCmd.AddCommand(NewSummarizeCmd(deps))
	rootCmd.AddCommand(NewCorrectionsCmd(deps))
	rootCmd.AddCommand(NewHealthCmd(deps))
	rootCmd.AddCommand(NewDoctorCmd(deps))

	return rootCmd
}

// setup loads the environment file and configuration and installs the
// default logger.
func (d *Dependencies) setup(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(d.EnvFile); err != nil {
		return err
	}
	cfg, err := config.Load(d.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	d.Config = cfg

	d.Level.Set(cfg.Server.LogLevel.Slog())
	logger, closer := observe.NewLogger(observe.LoggerConfig{
		Level:  d.Level,
		File:   cfg.Server.LogFile,
		JSON:   cfg.Server.LogJSON,
		Stderr: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
	d.logCloser = closer
	return nil
}

func (d *Dependencies) teardown() error {
	if d.logCloser == nil {
		return nil
	}
	err := d.logCloser.Close()
	d.logCloser = nil
	return err
}

// apiClient builds the meeting API client for one-shot commands.
func (d *Dependencies) apiClient() (*meetingapi.Client, error) {
	return app.NewAPIClient(d.Config, observe.DefaultMetrics())
}

// startTelemetry installs the OTel pipeline behind the status server's
// /metrics endpoint. The returned func flushes it.
func (d *Dependencies) startTelemetry() (func(), error) {
	tel, err := observe.NewTelemetry(observe.TelemetryConfig{ServiceVersion: version.Version})
	if err != nil {
		return nil, err
	}
	tel.Install()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Debug("telemetry shutdown", "err", err)
		}
	}, nil
}

func (d *Dependencies) formatter(cmd *cobra.Command) *output.Formatter {
	return output.NewFormatter(cmd.OutOrStdout())
}

// Execute runs the command tree and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	deps := &Dependencies{}
	cmd := NewRootCmd(deps)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		output.NewFormatter(stderr).Error(err.Error())
		_ = deps.teardown()
		return 1
	}
	return 0
}
