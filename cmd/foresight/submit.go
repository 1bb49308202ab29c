package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mkowalski/foresight/internal/planner"
)

var (
	submitItems     []string
	submitFile      string
	submitBatchSize int
	submitBudget    float64
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Plan a new analysis session over a cohort of article ids",
	Long: `Submit splits the given article ids into claimable batches and persists
the plan. Nothing is analyzed until a serve process claims the records.

Article ids come from --items, --file (one id per line), or stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		itemIDs, err := collectItems()
		if err != nil {
			return err
		}

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		st, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		batchSize := submitBatchSize
		if batchSize <= 0 {
			batchSize = cfg.Budget.DefaultBatchSize
		}
		budget := submitBudget
		if budget <= 0 {
			budget = cfg.Budget.DailyBudgetUSD
		}
		perItem := cfg.Budget.Stage1EstimateUSD + cfg.Budget.Stage2EstimateUSD

		p := planner.New(planner.Config{Store: st, Logger: logger})
		s, err := p.Plan(ctx, itemIDs, batchSize, budget, func(string) float64 { return perItem })
		if err != nil {
			return err
		}

		return printJSON(s)
	},
}

func init() {
	submitCmd.Flags().StringSliceVar(&submitItems, "items", nil, "comma-separated article ids")
	submitCmd.Flags().StringVar(&submitFile, "file", "", "file with one article id per line (- for stdin)")
	submitCmd.Flags().IntVar(&submitBatchSize, "batch-size", 0, "items per batch (default from config)")
	submitCmd.Flags().Float64Var(&submitBudget, "budget", 0, "session budget ceiling in USD (default from config)")
}

func collectItems() ([]string, error) {
	if len(submitItems) > 0 {
		return submitItems, nil
	}
	if submitFile == "" {
		return nil, fmt.Errorf("provide article ids via --items or --file")
	}

	var r *os.File
	if submitFile == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(submitFile)
		if err != nil {
			return nil, fmt.Errorf("open items file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			ids = append(ids, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return ids, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
