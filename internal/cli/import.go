package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"charon/internal/app"
)

var (
	importFrom   string
	importTo     string
	importDryRun bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import NBP rates once (resumes from the last stored date by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ImportOptions{DryRun: importDryRun}

		if importFrom != "" {
			from, err := parseDay(importFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if importTo != "" {
			to, err := parseDay(importTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		if opts.From != nil && opts.To != nil && opts.From.After(*opts.To) {
			return fmt.Errorf("--from must not be after --to")
		}

		return getApp().Import(cmd.Context(), opts)
	},
}

func init() {
	importCmd.Flags().StringVar(&importFrom, "from", "", "Start date (YYYY-MM-DD, inclusive); re-imports from this date")
	importCmd.Flags().StringVar(&importTo, "to", "", "End date (YYYY-MM-DD, inclusive, defaults to today)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Fetch without writing to storage")
}

func parseDay(v string) (time.Time, error) {
	return time.Parse(time.DateOnly, v)
}
