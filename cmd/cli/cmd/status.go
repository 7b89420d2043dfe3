package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show budget and breaker status",
	Long:  `Show current spend against every configured budget tier and the breaker state.`,
	RunE:  runStatus,
}

var admitCmd = &cobra.Command{
	Use:   "admit",
	Short: "Check whether a provider call would be admitted",
	RunE:  runAdmit,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(admitCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status StatusResponse
	if err := doJSON(http.MethodGet, "/api/v1/status", nil, nil, &status); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(status)
	}

	printStatus(status)
	return nil
}

func printStatus(status StatusResponse) {
	fmt.Println("Spend Status")
	fmt.Println("============")
	fmt.Println()

	if len(status.Tiers) == 0 {
		fmt.Println("No budget limits configured.")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIER\tUSED\tLIMIT\tREMAINING\t%\tCALLS\tSTATUS")
		for _, t := range status.Tiers {
			fmt.Fprintf(w, "%s\t$%.2f\t$%.2f\t$%.2f\t%d%%\t%d\t%s\n",
				t.Tier, t.Used, t.Limit, t.Remaining, t.PercentUsed, t.RequestCount, t.Classification)
		}
		w.Flush()
	}

	fmt.Println()
	breaker := status.Breaker
	if !status.BreakerOn {
		breaker += " (automatic trips disabled)"
	}
	fmt.Printf("Breaker:   %s\n", breaker)
	if status.LastEvent != nil {
		fmt.Printf("Last:      %s at %s: %s\n", status.LastEvent.Type, formatTime(status.LastEvent.Timestamp), status.LastEvent.Reason)
	}
	fmt.Printf("Pending:   %d calls\n", status.Pending)
}

func runAdmit(cmd *cobra.Command, args []string) error {
	var admission struct {
		Allowed bool   `json:"allowed"`
		State   string `json:"state"`
		Reason  string `json:"reason,omitempty"`
	}
	err := doJSON(http.MethodGet, "/api/v1/admit", nil, nil, &admission, http.StatusOK, http.StatusTooManyRequests)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(admission)
	}

	if admission.Allowed {
		fmt.Println("Admitted: breaker is armed")
		return nil
	}
	fmt.Printf("Refused: breaker is %s (%s)\n", admission.State, admission.Reason)
	return nil
}
