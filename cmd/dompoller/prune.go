package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pruneBefore string

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old statistic points",
	Long: `Removes statistic points older than the given cutoff from the local
database. The cumulative sums of the remaining points are left untouched, so
downstream dashboards keep consistent totals.`,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "Delete points before this date (YYYY-MM-DD or relative like 365d)")
	pruneCmd.MarkFlagRequired("before")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.AccountNumber == "" {
		return fmt.Errorf("account_number is not configured")
	}

	cutoff, err := parseDate(pruneBefore)
	if err != nil {
		return fmt.Errorf("parsing --before date: %w", err)
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	removed, err := store.Prune(cfg.StatisticID(), cutoff)
	if err != nil {
		return fmt.Errorf("pruning statistics: %w", err)
	}

	fmt.Printf("✓ Removed %d points before %s\n", removed, cutoff.Format("2006-01-02"))
	return nil
}
