package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mkowalski/foresight/internal/metrics"
	"github.com/mkowalski/foresight/internal/store"
)

var (
	costsTaskID  string
	costsStage   string
	costsItemKey string
	costsDetail  bool
)

var costsCmd = &cobra.Command{
	Use:   "costs [session-id]",
	Short: "Summarize spend and token usage from recorded call metrics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(ctx, mgr.Get(), logger)
		if err != nil {
			return err
		}
		defer st.Close()

		filter := metrics.Filter{
			TaskID:  costsTaskID,
			Stage:   costsStage,
			ItemKey: costsItemKey,
		}
		if len(args) == 1 {
			filter.SessionID = args[0]
		}
		if filter.SessionID == "" && filter.TaskID == "" && filter.Stage == "" && filter.ItemKey == "" {
			return fmt.Errorf("give a session id or at least one of --task-id, --stage, --item-key")
		}

		return printJSON(costsReport(ctx, st, filter, costsDetail))
	},
}

// report carries the aggregate and, on --detail, the underlying rows.
type report struct {
	Summary *metrics.Summary `json:"summary"`
	Rows    []metrics.Metric `json:"rows,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func costsReport(ctx context.Context, st store.Store, f metrics.Filter, detail bool) *report {
	out := &report{}

	summary, err := metrics.Summarize(ctx, st, f)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Summary = summary

	if detail {
		rows, err := st.ListMetrics(ctx, f)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Rows = rows
	}
	return out
}

func init() {
	costsCmd.Flags().StringVar(&costsTaskID, "task-id", "", "filter by newsletter generation task id")
	costsCmd.Flags().StringVar(&costsStage, "stage", "", "filter by stage: analysis, validation, generation")
	costsCmd.Flags().StringVar(&costsItemKey, "item-key", "", "filter by item key (article id)")
	costsCmd.Flags().BoolVar(&costsDetail, "detail", false, "include the individual metric rows")
}
