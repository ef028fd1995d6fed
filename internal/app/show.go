package app

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"charon/internal/storage"
)

// Show prints recent signals or import runs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	switch opts.What {
	case "", "signals":
		signals, err := repo.ListSignals(ctx, strings.ToUpper(opts.Asset), opts.Limit)
		if err != nil {
			return err
		}
		return writeSignals(os.Stdout, signals)
	case "jobs":
		runs, err := repo.ListJobRuns(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeJobRuns(os.Stdout, runs)
	default:
		return fmt.Errorf("unknown listing %q (want signals or jobs)", opts.What)
	}
}

func writeSignals(out io.Writer, signals []storage.Signal) error {
	if len(signals) == 0 {
		fmt.Fprintln(out, "no signals found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Generated (UTC)\tAsset\tAs of\tVerdict\tPrice\tMACD\tSignal\tHist\tRSI")
	for _, s := range signals {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%.4f\t%.5f\t%.5f\t%.5f\t%s\n",
			s.GeneratedAt.UTC().Format(time.RFC3339),
			s.AssetCode,
			s.AsOf.Format(time.DateOnly),
			s.Verdict,
			s.Price,
			s.MACD,
			s.SignalLine,
			s.Histogram,
			formatRSI(s.RSI),
		)
	}
	return writer.Flush()
}

func writeJobRuns(out io.Writer, runs []storage.JobRun) error {
	if len(runs) == 0 {
		fmt.Fprintln(out, "no job runs found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tKind\tStatus\tStarted (UTC)\tFinished (UTC)\tRows\tError")
	for _, run := range runs {
		finished := "-"
		if run.FinishedAt != nil {
			finished = run.FinishedAt.UTC().Format(time.RFC3339)
		}
		errMsg := ""
		if run.Error != nil {
			errMsg = sanitizeInline(*run.Error)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			run.ID,
			run.Kind,
			run.Status,
			run.StartedAt.UTC().Format(time.RFC3339),
			finished,
			run.RowsWritten,
			errMsg,
		)
	}
	return writer.Flush()
}

func formatRSI(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
