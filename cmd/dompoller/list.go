package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored daily usage",
	Long:  `Displays daily usage totals derived from the local statistics database.`,
	RunE:  runList,
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Limit number of days to show (0 = no limit)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
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

	totals, err := store.DayTotals(cfg.StatisticID())
	if err != nil {
		return fmt.Errorf("listing day totals: %w", err)
	}

	if len(totals) == 0 {
		fmt.Println("No data found (run 'dompoller fetch' first)")
		return nil
	}

	if listLimit > 0 && len(totals) > listLimit {
		totals = totals[:listLimit]
	}

	fmt.Printf("\nUsage for account %s:\n", cfg.AccountNumber)
	fmt.Println("--------------------------------------------------")
	fmt.Printf("%-12s  %10s  %7s\n", "Date", "kWh", "Hours")
	fmt.Println("--------------------------------------------------")

	var total float64
	for _, day := range totals {
		fmt.Printf("%-12s  %10.2f  %7d\n", day.Date.Format("2006-01-02"), day.KWh, day.Hours)
		total += day.KWh
	}

	fmt.Println("--------------------------------------------------")
	fmt.Printf("Total: %.2f kWh (%d days)\n", total, len(totals))

	if point, err := store.LastPoint(cfg.StatisticID()); err == nil && point != nil {
		fmt.Printf("Last statistic: %s (%s)\n", point.Start.Format("2006-01-02 15:04"), humanize.Time(point.Start))
	}

	return nil
}
