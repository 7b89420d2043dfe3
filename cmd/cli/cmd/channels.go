package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	channelName string
	channelType string
	channelURL  string
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Manage alert channels",
	RunE:  runChannelsList,
}

var channelsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an alert channel",
	Example: `  spendguard channels add --name ops --type slack --url https://hooks.slack.com/services/...
  spendguard channels add --name local --type console`,
	RunE: runChannelsAdd,
}

var channelsEnableCmd = &cobra.Command{
	Use:   "enable [channel-id]",
	Short: "Enable a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setChannelEnabled(args[0], true) },
}

var channelsDisableCmd = &cobra.Command{
	Use:   "disable [channel-id]",
	Short: "Disable a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setChannelEnabled(args[0], false) },
}

var channelsDeleteCmd = &cobra.Command{
	Use:   "delete [channel-id]",
	Short: "Delete a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelsDelete,
}

var channelsTestCmd = &cobra.Command{
	Use:   "test [channel-id]",
	Short: "Send a test alert through a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelsTest,
}

func init() {
	rootCmd.AddCommand(channelsCmd)
	channelsCmd.AddCommand(channelsAddCmd)
	channelsCmd.AddCommand(channelsEnableCmd)
	channelsCmd.AddCommand(channelsDisableCmd)
	channelsCmd.AddCommand(channelsDeleteCmd)
	channelsCmd.AddCommand(channelsTestCmd)

	channelsAddCmd.Flags().StringVar(&channelName, "name", "", "Channel name (required)")
	channelsAddCmd.Flags().StringVarP(&channelType, "type", "t", "console", "Channel type (console, webhook, slack, discord)")
	channelsAddCmd.Flags().StringVar(&channelURL, "url", "", "Webhook URL (required for webhook, slack and discord)")
	channelsAddCmd.MarkFlagRequired("name")
}

func runChannelsList(cmd *cobra.Command, args []string) error {
	var result struct {
		Channels []AlertChannel `json:"channels"`
		Count    int            `json:"count"`
	}
	if err := doJSON(http.MethodGet, "/api/v1/channels", nil, nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Channels) == 0 {
		fmt.Println("No alert channels configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tENABLED\tURL")
	for _, ch := range result.Channels {
		target := ch.Config.URL
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", ch.ID, ch.Name, ch.Type, ch.Enabled, truncateString(target, 40))
	}
	w.Flush()
	return nil
}

func runChannelsAdd(cmd *cobra.Command, args []string) error {
	req := map[string]interface{}{
		"name": channelName,
		"type": channelType,
	}
	if channelURL != "" {
		req["url"] = channelURL
	}

	var ch AlertChannel
	if err := doJSON(http.MethodPost, "/api/v1/channels", nil, req, &ch, http.StatusCreated); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(ch)
	}

	fmt.Printf("Channel %s created (%s)\n", ch.ID, ch.Type)
	return nil
}

func setChannelEnabled(id string, enabled bool) error {
	var ch AlertChannel
	if err := doJSON(http.MethodPatch, "/api/v1/channels/"+id, nil, map[string]bool{"enabled": enabled}, &ch); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(ch)
	}

	state := "disabled"
	if ch.Enabled {
		state = "enabled"
	}
	fmt.Printf("Channel %s %s\n", ch.ID, state)
	return nil
}

func runChannelsDelete(cmd *cobra.Command, args []string) error {
	if err := doJSON(http.MethodDelete, "/api/v1/channels/"+args[0], nil, nil, nil, http.StatusNoContent); err != nil {
		return err
	}
	fmt.Printf("Channel %s deleted\n", args[0])
	return nil
}

func runChannelsTest(cmd *cobra.Command, args []string) error {
	var result ChannelTestResult
	err := doJSON(http.MethodPost, "/api/v1/channels/"+args[0]+"/test", nil, nil, &result, http.StatusOK, http.StatusBadGateway)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if !result.Success {
		return fmt.Errorf("test alert to %s failed: %s", result.Name, result.Error)
	}
	fmt.Printf("Test alert delivered to %s\n", result.Name)
	return nil
}
