package cli

import (
	"github.com/spf13/cobra"
)

func NewMeetingsCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "meetings",
		Aliases: []string{"meeting", "m"},
		Short:   "List, show and delete recorded meetings",
	}
	cmd.AddCommand(newMeetingsListCmd(deps))
	cmd.AddCommand(newMeetingsGetCmd(deps))
	cmd.AddCommand(newMeetingsDeleteCmd(deps))
	return cmd
}

func newMeetingsListCmd(deps *Dependencies) *cobra.Command {
	var skip, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded meetings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := deps.apiClient()
			if err != nil {
				return err
			}
			meetings, err := client.ListMeetings(cmd.Context(), skip, limit)
			if err != nil {
				return err
			}

			f := deps.formatter(cmd)
			if deps.JSON {
				return f.JSON(meetings)
			}
			if len(meetings) == 0 {
				f.Info("No meetings found")
				return nil
			}
			f.MeetingListHeader()
			for _, m := range meetings {
				f.MeetingListItem(m)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "number of meetings to skip")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of meetings to list")
	return cmd
}

func newMeetingsGetCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a meeting with its transcript and summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := deps.apiClient()
			if err != nil {
				return err
			}
			m, err := client.GetMeeting(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			f := deps.formatter(cmd)
			if deps.JSON {
				return f.JSON(m)
			}
			f.Meeting(m)
			return nil
		},
	}
}

func newMeetingsDeleteCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete meetings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := deps.apiClient()
			if err != nil {
				return err
			}
			f := deps.formatter(cmd)
			for _, id := range args {
				if err := client.DeleteMeeting(cmd.Context(), id); err != nil {
					return err
				}
				f.Success("Deleted meeting " + id)
			}
			return nil
		},
	}
}
