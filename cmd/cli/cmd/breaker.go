package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var breakerReason string

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and control the circuit breaker",
	RunE:  runBreakerShow,
}

var breakerTripCmd = &cobra.Command{
	Use:   "trip",
	Short: "Trip the breaker by hand",
	Long: `Trip the breaker by hand. Provider calls are refused and configured
providers are paused until the breaker is reset.`,
	RunE: runBreakerTrip,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset a tripped breaker",
	RunE:  runBreakerReset,
}

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerTripCmd)
	breakerCmd.AddCommand(breakerResetCmd)

	breakerTripCmd.Flags().StringVarP(&breakerReason, "reason", "r", "", "Why the breaker is being tripped")
}

func runBreakerShow(cmd *cobra.Command, args []string) error {
	var result BreakerResponse
	if err := doJSON(http.MethodGet, "/api/v1/breaker", nil, nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	fmt.Printf("Breaker: %s\n", result.State)
	if len(result.Events) == 0 {
		fmt.Println("\nNo breaker events.")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tTIER\tOVER\tREASON")
	for _, e := range result.Events {
		tier, over := "-", "-"
		if e.Tier != nil {
			tier = string(*e.Tier)
		}
		if e.AmountExceeded != nil {
			over = fmt.Sprintf("$%.2f", *e.AmountExceeded)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", formatTime(e.Timestamp), e.Type, tier, over, truncateString(e.Reason, 60))
	}
	w.Flush()
	return nil
}

func runBreakerTrip(cmd *cobra.Command, args []string) error {
	var body interface{}
	if breakerReason != "" {
		body = map[string]string{"reason": breakerReason}
	}
	return breakerTransition("/api/v1/breaker/trip", body)
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	return breakerTransition("/api/v1/breaker/reset", nil)
}

// breakerTransition posts a trip or reset. A rejected transition is
// reported, not treated as a failure.
func breakerTransition(path string, body interface{}) error {
	var result BreakerResult
	err := doJSON(http.MethodPost, path, nil, body, &result, http.StatusOK, http.StatusConflict)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	switch {
	case result.Event == nil:
		fmt.Printf("No change: %s\n", result.Error)
	case !result.Success:
		fmt.Printf("Breaker is now %s, but provider config was not updated: %s\n", result.State, result.Error)
	default:
		fmt.Printf("Breaker is now %s\n", result.State)
	}
	return nil
}
