package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statsSince string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the persisted statistics series",
	Long:  `Displays hourly statistic points (usage and cumulative sum) from the local database.`,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsSince, "since", "", "Only show points since this date (YYYY-MM-DD or relative like 7d)")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.AccountNumber == "" {
		return fmt.Errorf("account_number is not configured")
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	since := time.Time{}
	if statsSince != "" {
		since, err = parseDate(statsSince)
		if err != nil {
			return fmt.Errorf("parsing --since date: %w", err)
		}
	}

	points, err := store.PointsSince(cfg.StatisticID(), since)
	if err != nil {
		return fmt.Errorf("listing statistics: %w", err)
	}

	if len(points) == 0 {
		fmt.Println("No statistics found (run 'dompoller fetch' first)")
		return nil
	}

	fmt.Printf("\nStatistics for %s:\n", cfg.StatisticID())
	fmt.Println("--------------------------------------------------")
	fmt.Printf("%-17s  %8s  %12s\n", "Hour", "kWh", "Sum")
	fmt.Println("--------------------------------------------------")

	for _, p := range points {
		fmt.Printf("%-17s  %8.3f  %12.3f\n", p.Start.Format("2006-01-02 15:04"), p.KWh, p.Sum)
	}

	fmt.Println("--------------------------------------------------")
	fmt.Printf("%d points\n", len(points))
	return nil
}

// parseDate parses a date string in either YYYY-MM-DD format or relative format (e.g., "7d")
func parseDate(dateStr string) (time.Time, error) {
	// Try absolute date format first
	t, err := time.Parse("2006-01-02", dateStr)
	if err == nil {
		return t, nil
	}

	// Try relative format (e.g., "7d" for 7 days ago)
	if len(dateStr) > 1 && dateStr[len(dateStr)-1] == 'd' {
		daysStr := dateStr[:len(dateStr)-1]
		var days int
		if _, err := fmt.Sscanf(daysStr, "%d", &days); err == nil {
			return time.Now().AddDate(0, 0, -days), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid date format: %s (use YYYY-MM-DD or Nd for N days ago)", dateStr)
}
