package cmds

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search messages across all conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			results, err := app.Store.Search(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}

			output, _ := cmd.Flags().GetString("output")
			if ok, err := printStructured(cmd.OutOrStdout(), output, results); ok {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "CONVERSATION\tMESSAGE\tSNIPPET")
			for _, r := range results {
				messageID := ""
				if r.Message != nil {
					messageID = string(r.Message.ID)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ConversationID, messageID, r.Snippet)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of results")
	addOutputFlag(cmd)
	return cmd
}

// parseDate accepts RFC 3339 timestamps and plain dates. Empty is the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid date %q, expected YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

func NewUsageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fromFlag, _ := cmd.Flags().GetString("from")
			toFlag, _ := cmd.Flags().GetString("to")
			from, err := parseDate(fromFlag)
			if err != nil {
				return err
			}
			to, err := parseDate(toFlag)
			if err != nil {
				return err
			}

			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			summary, err := app.Store.Usage(cmd.Context(), from, to)
			if err != nil {
				return err
			}

			output, _ := cmd.Flags().GetString("output")
			if ok, err := printStructured(cmd.OutOrStdout(), output, summary); ok {
				return err
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Total tokens:   %d\n", summary.TotalTokens)
			_, _ = fmt.Fprintf(w, "Total messages: %d\n", summary.TotalMessages)
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "\nMODEL\tPROVIDER\tTOKENS\tMESSAGES\tCOST")
			for _, m := range summary.Models {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.4f\n", m.Model, m.Provider, m.TotalTokens, m.MessageCount, m.EstimatedCost)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("from", "", "Start of the range (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().String("to", "", "End of the range (YYYY-MM-DD or RFC 3339)")
	addOutputFlag(cmd)
	return cmd
}
