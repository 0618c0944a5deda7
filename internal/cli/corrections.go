package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func NewCorrectionsCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corrections",
		Short: "Show or edit the transcript correction dictionary",
	}
	cmd.AddCommand(newCorrectionsGetCmd(deps))
	cmd.AddCommand(newCorrectionsSetCmd(deps))
	return cmd
}

func newCorrectionsGetCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show the correction dictionary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := deps.apiClient()
			if err != nil {
				return err
			}
			c, err := client.GetCorrections(cmd.Context())
			if err != nil {
				return err
			}
			f := deps.formatter(cmd)
			if deps.JSON {
				return f.JSON(c)
			}
			f.Corrections(c)
			return nil
		},
	}
}

func newCorrectionsSetCmd(deps *Dependencies) *cobra.Command {
	var (
		replace bool
		remove  []string
	)

	cmd := &cobra.Command{
		Use:   "set <wrong>=<right>...",
		Short: "Add or change corrections",
		Long: "Merge the given corrections into the dictionary. With --replace the dictionary " +
			"is replaced by exactly the given entries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			updates, err := parseCorrections(args)
			if err != nil {
				return err
			}
			if len(updates) == 0 && len(remove) == 0 && !replace {
				return fmt.Errorf("nothing to change; pass <wrong>=<right> pairs or --remove")
			}

			client, err := deps.apiClient()
			if err != nil {
				return err
			}
			merged := updates
			if !replace {
				current, err := client.GetCorrections(cmd.Context())
				if err != nil {
					return err
				}
				if current == nil {
					current = make(map[string]string, len(updates))
				}
				for k, v := range updates {
					current[k] = v
				}
				merged = current
			}
			for _, k := range remove {
				delete(merged, k)
			}

			if err := client.UpdateCorrections(cmd.Context(), merged); err != nil {
				return err
			}
			f := deps.formatter(cmd)
			if deps.JSON {
				return f.JSON(merged)
			}
			f.Success(fmt.Sprintf("Saved %d corrections", len(merged)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "replace the dictionary instead of merging")
	cmd.Flags().StringSliceVar(&remove, "remove", nil, "entries to remove")
	return cmd
}

func parseCorrections(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid correction %q, want <wrong>=<right>", a)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
