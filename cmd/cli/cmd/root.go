package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "spendguard",
	Short: "SpendGuard CLI - govern LLM agent spend",
	Long: `SpendGuard tracks what your agents spend on LLM providers and
stops them before they blow through a budget.

This CLI tool allows you to:
- View spend against daily, weekly and monthly budgets
- Inspect the usage ledger
- Trip and reset the circuit breaker
- Manage alert channels
- Purchase and check licenses`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("SPENDGUARD_URL", "http://localhost:8080"), "SpendGuard server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
