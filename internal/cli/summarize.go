package cli

import (
	"github.com/spf13/cobra"

	"github.com/MrWong99/meetscribe/internal/meetingapi"
)

func NewSummarizeCmd(deps *Dependencies) *cobra.Command {
	var opts meetingapi.SummaryOptions

	cmd := &cobra.Command{
		Use:   "summarize <meeting-id>",
		Short: "Request a summary for a recorded meeting",
		Long:  "Ask the backend to (re)generate the summary of a meeting. Generation runs in the background; check progress with 'meetscribe meetings get'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("template") {
				opts.TemplateType = deps.Config.Session.Summary.TemplateType
			}
			client, err := deps.apiClient()
			if err != nil {
				return err
			}
			task, err := client.GenerateSummary(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			f := deps.formatter(cmd)
			if deps.JSON {
				return f.JSON(task)
			}
			f.Success("Summary requested (task " + task.TaskID + ")")
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.TemplateType, "template", "", "summary template (default from config)")
	cmd.Flags().StringVar(&opts.Context, "context", "", "extra context for the summarizer")
	cmd.Flags().StringVar(&opts.Length, "length", "", "summary length, e.g. short, medium, long")
	cmd.Flags().StringVar(&opts.Style, "style", "", "summary style, e.g. formal, casual")
	return cmd
}
