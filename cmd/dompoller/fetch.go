package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var fetchPublish bool

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run a single refresh cycle",
	Long: `Fetches the latest usage and billing data from the Dominion Energy API,
updates the local statistics database, and prints the resulting snapshot.
Use --publish to also push to the configured MQTT and Home Assistant sinks.`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchPublish, "publish", false, "Also publish to configured sinks")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Fetch started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store, err := openStore()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	coord, cleanup, err := buildCoordinator(cfg, store, zerolog.Nop(), fetchPublish)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("Fetching data for account %s...\n", cfg.AccountNumber)
	if err := coord.RunOnce(context.Background()); err != nil {
		return fmt.Errorf("refresh cycle: %w", err)
	}

	snap, ok := coord.Snapshot()
	if !ok {
		fmt.Println("No data available")
		return nil
	}

	fmt.Println("✓ Refresh cycle complete")
	if snap.Latest != nil {
		fmt.Printf("  Latest interval:  %s  %.3f kWh\n", snap.Latest.Start.Format("2006-01-02 15:04"), snap.Latest.KWh)
	}
	if snap.Yesterday != nil {
		fmt.Printf("  Yesterday:        %.2f kWh  ($%.2f)\n", snap.Yesterday.KWh, snap.DailyCost)
	}
	fmt.Printf("  Month to date:    %.2f kWh  ($%.2f)  [%s to %s]\n",
		snap.MonthKWh, snap.MonthlyCost,
		snap.MonthStart.Format("2006-01-02"), snap.MonthEnd.Format("2006-01-02"))
	if snap.RateAvailable {
		fmt.Printf("  Effective rate:   $%.4f/kWh\n", snap.EffectiveRate)
	} else {
		fmt.Printf("  Effective rate:   unavailable\n")
	}
	if snap.Billing != nil && snap.Billing.Last != nil {
		fmt.Printf("  Last bill:        %.1f kWh, $%.2f\n", snap.Billing.Last.KWh, snap.Billing.Last.Charges)
	}
	if snap.Billing != nil && snap.Billing.Current != nil {
		fmt.Printf("  Current period:   %.1f kWh\n", snap.Billing.Current.KWh)
	}

	return nil
}
