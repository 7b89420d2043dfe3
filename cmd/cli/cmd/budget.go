package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	budgetDaily     float64
	budgetWeekly    float64
	budgetMonthly   float64
	budgetThreshold float64
	budgetBreaker   bool
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "View and change budget limits",
	RunE:  runBudgetShow,
}

var budgetSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change budget limits",
	Long: `Change budget limits. Only the flags given are changed; a limit of 0
disables that tier.`,
	Example: `  spendguard budget set --daily 25 --monthly 500
  spendguard budget set --breaker=false`,
	RunE: runBudgetSet,
}

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetSetCmd)

	budgetSetCmd.Flags().Float64Var(&budgetDaily, "daily", 0, "Daily limit in USD")
	budgetSetCmd.Flags().Float64Var(&budgetWeekly, "weekly", 0, "Weekly limit in USD")
	budgetSetCmd.Flags().Float64Var(&budgetMonthly, "monthly", 0, "Monthly limit in USD")
	budgetSetCmd.Flags().Float64Var(&budgetThreshold, "threshold", 0, "Warning threshold percent (0-99)")
	budgetSetCmd.Flags().BoolVar(&budgetBreaker, "breaker", true, "Trip the breaker automatically when a limit is exceeded")
}

func runBudgetShow(cmd *cobra.Command, args []string) error {
	var cfg BudgetConfig
	if err := doJSON(http.MethodGet, "/api/v1/budget", nil, nil, &cfg); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(cfg)
	}

	printBudget(cfg)
	return nil
}

func runBudgetSet(cmd *cobra.Command, args []string) error {
	var cfg BudgetConfig
	if err := doJSON(http.MethodGet, "/api/v1/budget", nil, nil, &cfg); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("daily") {
		cfg.DailyLimit = budgetDaily
	}
	if flags.Changed("weekly") {
		cfg.WeeklyLimit = budgetWeekly
	}
	if flags.Changed("monthly") {
		cfg.MonthlyLimit = budgetMonthly
	}
	if flags.Changed("threshold") {
		cfg.AlertThresholdPct = budgetThreshold
	}
	if flags.Changed("breaker") {
		cfg.BreakerEnabled = budgetBreaker
	}

	req := map[string]interface{}{
		"daily_limit":         cfg.DailyLimit,
		"weekly_limit":        cfg.WeeklyLimit,
		"monthly_limit":       cfg.MonthlyLimit,
		"alert_threshold_pct": cfg.AlertThresholdPct,
		"breaker_enabled":     cfg.BreakerEnabled,
	}

	var updated BudgetConfig
	if err := doJSON(http.MethodPut, "/api/v1/budget", nil, req, &updated); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(updated)
	}

	fmt.Println("Budget updated.")
	fmt.Println()
	printBudget(updated)
	return nil
}

func printBudget(cfg BudgetConfig) {
	fmt.Println("Budget")
	fmt.Println("======")
	fmt.Println()
	fmt.Printf("Daily:      %s\n", formatLimit(cfg.DailyLimit))
	fmt.Printf("Weekly:     %s\n", formatLimit(cfg.WeeklyLimit))
	fmt.Printf("Monthly:    %s\n", formatLimit(cfg.MonthlyLimit))
	fmt.Printf("Threshold:  %.0f%%\n", cfg.AlertThresholdPct)
	fmt.Printf("Breaker:    %t\n", cfg.BreakerEnabled)
}

func formatLimit(limit float64) string {
	if limit <= 0 {
		return "disabled"
	}
	return fmt.Sprintf("$%.2f", limit)
}
