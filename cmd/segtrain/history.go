package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-segtrain/runstore"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded runs, or show the per-epoch metrics of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list (0 = all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print the run history as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if cfg.HistoryDB == "" {
		return fmt.Errorf("history_db is not configured")
	}
	store, err := runstore.Open(cfg.HistoryDB, runstore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := cmd.Context()

	if len(args) == 0 {
		runs, err := store.ListRuns(ctx, historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			reporter.Println("no runs recorded")
			return nil
		}
		reporter.Printf("%-36s  %-19s  %-9s  %s\n", "RUN", "STARTED", "STATUS", "EPOCHS")
		for _, r := range runs {
			reporter.Printf("%-36s  %-19s  %-9s  %d/%d\n",
				r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.EpochsDone, r.Epochs)
		}
		return nil
	}

	h, err := store.History(ctx, args[0])
	if err != nil {
		return err
	}
	if historyJSON {
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		reporter.Println(string(data))
		return nil
	}
	for e := 0; e < h.Epochs(); e++ {
		reporter.Banner(fmt.Sprintf(" epoch %d/%d ", e+1, h.Epochs()))
		for _, k := range h.Keys() {
			reporter.Metric(k, h.Get(k)[e])
		}
	}
	return nil
}
