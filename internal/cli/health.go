package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/MrWong99/meetscribe/internal/health"
	"github.com/MrWong99/meetscribe/pkg/capture"
)

// errChecksFailed is returned when a check command found a problem. The
// details have already been printed.
var errChecksFailed = errors.New("some checks failed")

func NewHealthCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := deps.apiClient()
			if err != nil {
				return err
			}
			h := health.New(
				health.Checker{Name: "Backend API", Check: client.Health},
				health.Checker{Name: "Streaming endpoint", Check: func(ctx context.Context) error {
					return probeStream(ctx, deps.Config.Backend.WSURL, deps.Config.Backend.Token)
				}},
			)
			return report(cmd, deps, h.Run(cmd.Context()))
		},
	}
}

func NewDoctorCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			client, err := deps.apiClient()
			if err != nil {
				return err
			}

			checkers := []health.Checker{
				{Name: "Backend API", Check: client.Health},
				{Name: "ffmpeg", Check: func(context.Context) error {
					_, err := exec.LookPath(cfg.Audio.FFmpegPath)
					if err != nil {
						return fmt.Errorf("not found; install ffmpeg for system audio capture")
					}
					return nil
				}},
				{Name: "Capture source", Check: func(context.Context) error {
					_, err := capture.ParseSelector(cfg.Audio.Source)
					return err
				}},
			}
			if cfg.Discord.Token != "" {
				checkers = append(checkers, health.Checker{Name: "Discord guild", Check: func(context.Context) error {
					if cfg.Discord.GuildID == "" {
						return errors.New("not set; discord sources must name guild/channel")
					}
					return nil
				}})
			}
			return report(cmd, deps, health.New(checkers...).Run(cmd.Context()))
		},
	}
}

// probeStream opens and immediately closes a WebSocket connection.
func probeStream(ctx context.Context, url, token string) error {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return err
	}
	return conn.Close(websocket.StatusNormalClosure, "probe")
}

type checkResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

func report(cmd *cobra.Command, deps *Dependencies, rep health.Report) error {
	f := deps.formatter(cmd)
	if deps.JSON {
		out := make([]checkResult, 0, len(rep.Results))
		for _, r := range rep.Results {
			cr := checkResult{Name: r.Name, OK: r.OK(), LatencyMS: r.Latency.Milliseconds()}
			if r.Err != nil {
				cr.Error = r.Err.Error()
			}
			out = append(out, cr)
		}
		if err := f.JSON(out); err != nil {
			return err
		}
	} else {
		for _, r := range rep.Results {
			if r.OK() {
				f.SetupCheck(r.Name, true, "ok ("+r.Latency.Round(time.Millisecond).String()+")")
			} else {
				f.SetupCheck(r.Name, false, r.Err.Error())
			}
		}
	}
	if !rep.OK() {
		return errChecksFailed
	}
	if !deps.JSON {
		f.Success("All checks passed")
	}
	return nil
}
