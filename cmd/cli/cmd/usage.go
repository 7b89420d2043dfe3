package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	usageAgentID  string
	usageProvider string
	usageWindow   string
	usageLimit    int
	usageWallet   string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect the usage ledger",
	Long:  `List recorded provider calls and view aggregated spend.`,
	RunE:  runUsageList,
}

var usageSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "View aggregated spend for a trailing window",
	Long: `View aggregated spend for a trailing window such as 24h or 30d.
Windows longer than the free retention period need a licensed wallet.`,
	RunE: runUsageSummary,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageSummaryCmd)

	usageCmd.Flags().StringVarP(&usageAgentID, "agent", "a", "", "Filter by agent ID")
	usageCmd.Flags().StringVarP(&usageProvider, "provider", "p", "", "Filter by provider")
	usageCmd.Flags().StringVarP(&usageWindow, "window", "w", "", "Only records within this trailing window (e.g. 24h, 30d); defaults to the free retention period")
	usageCmd.Flags().IntVarP(&usageLimit, "limit", "n", 50, "Maximum number of records")
	usageCmd.Flags().StringVar(&usageWallet, "wallet", getEnvOrDefault("SPENDGUARD_WALLET", ""), "Licensed wallet for long windows")

	usageSummaryCmd.Flags().StringVarP(&usageWindow, "window", "w", "24h", "Trailing window (e.g. 24h, 30d)")
	usageSummaryCmd.Flags().StringVar(&usageWallet, "wallet", getEnvOrDefault("SPENDGUARD_WALLET", ""), "Licensed wallet for long windows")
}

func runUsageList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if usageAgentID != "" {
		params.Set("agent_id", usageAgentID)
	}
	if usageProvider != "" {
		params.Set("provider", usageProvider)
	}
	if usageWindow != "" {
		params.Set("window", usageWindow)
	}
	if usageWallet != "" {
		params.Set("wallet", usageWallet)
	}
	if usageLimit > 0 {
		params.Set("limit", strconv.Itoa(usageLimit))
	}

	var result struct {
		Records []UsageRecord `json:"records"`
		Count   int           `json:"count"`
	}
	if err := doJSON(http.MethodGet, "/api/v1/usage", params, nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Records) == 0 {
		fmt.Println("No usage recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPROVIDER\tMODEL\tAGENT\tTOKENS\tCOST\tLATENCY")
	for _, r := range result.Records {
		agent := r.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t$%.4f\t%dms\n",
			formatTime(r.Timestamp), r.Provider, truncateString(r.Model, 24), truncateString(agent, 20),
			r.TotalTokens, r.Cost, r.LatencyMS)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d records\n", result.Count)
	return nil
}

func runUsageSummary(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	params.Set("window", usageWindow)
	if usageWallet != "" {
		params.Set("wallet", usageWallet)
	}

	var summary UsageSummary
	if err := doJSON(http.MethodGet, "/api/v1/usage/summary", params, nil, &summary); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(summary)
	}

	printUsageSummary(summary)
	return nil
}

func printUsageSummary(summary UsageSummary) {
	fmt.Println("Usage Summary")
	fmt.Println("=============")
	fmt.Println()
	fmt.Printf("Total Cost:         $%.2f\n", summary.TotalCost)
	fmt.Printf("Calls:              %d\n", summary.RequestCount)
	fmt.Printf("Prompt Tokens:      %d\n", summary.PromptTokens)
	fmt.Printf("Completion Tokens:  %d\n", summary.CompletionTokens)
	if !summary.PeriodStart.IsZero() {
		fmt.Printf("Period:             %s to %s\n", formatTime(summary.PeriodStart), formatTime(summary.PeriodEnd))
	}

	printBreakdown("By Provider", summary.ByProvider)
	printBreakdown("By Model", summary.ByModel)
	printBreakdown("By Agent", summary.ByAgent)
}

// printBreakdown prints a cost map, most expensive first
func printBreakdown(title string, costs map[string]float64) {
	if len(costs) == 0 {
		return
	}

	keys := make([]string, 0, len(costs))
	for k := range costs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if costs[keys[i]] != costs[keys[j]] {
			return costs[keys[i]] > costs[keys[j]]
		}
		return keys[i] < keys[j]
	})

	fmt.Printf("\n%s:\n", title)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t$%.2f\n", k, costs[k])
	}
	w.Flush()
}
