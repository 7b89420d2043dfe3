package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and manage CLI configuration",
	Long:  `View and manage SpendGuard CLI configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value. Supported keys:
  server  - SpendGuard server URL
  wallet  - default wallet for licensing commands`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	fmt.Println("SpendGuard CLI Configuration")
	fmt.Println("============================")
	fmt.Println()
	fmt.Printf("Server URL:     %s\n", serverURL)
	fmt.Printf("Output Format:  %s\n", outputFormat)
	fmt.Println()

	fmt.Println("Environment Variables:")
	for _, key := range []string{"SPENDGUARD_URL", "SPENDGUARD_WALLET"} {
		if value := os.Getenv(key); value != "" {
			fmt.Printf("  %s=%s\n", key, value)
		} else {
			fmt.Printf("  %s (not set)\n", key)
		}
	}

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	switch key {
	case "server":
		fmt.Printf("To set the server URL, use the environment variable:\n")
		fmt.Printf("  export SPENDGUARD_URL=%s\n", value)
		fmt.Println()
		fmt.Println("Or use the --server flag with each command.")
	case "wallet":
		fmt.Printf("To set the default wallet, use the environment variable:\n")
		fmt.Printf("  export SPENDGUARD_WALLET=%s\n", value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	return nil
}
