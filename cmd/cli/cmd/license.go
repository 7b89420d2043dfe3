package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	payWallet    string
	payTier      string
	payRequestID string
	payTxHash    string
)

var payCmd = &cobra.Command{
	Use:   "pay",
	Short: "Purchase a license",
	Long: `Purchase a license. Request a payment, send the amount on chain, then
verify the payment with its transaction hash.`,
}

var payTiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "List pricing tiers",
	RunE:  runPayTiers,
}

var payRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Create a payment request",
	RunE:  runPayRequest,
}

var payVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a settled payment",
	RunE:  runPayVerify,
}

var licenseCmd = &cobra.Command{
	Use:   "license [wallet]",
	Short: "Show the license of a wallet",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLicense,
}

func init() {
	rootCmd.AddCommand(payCmd)
	rootCmd.AddCommand(licenseCmd)
	payCmd.AddCommand(payTiersCmd)
	payCmd.AddCommand(payRequestCmd)
	payCmd.AddCommand(payVerifyCmd)

	defaultWallet := getEnvOrDefault("SPENDGUARD_WALLET", "")
	payRequestCmd.Flags().StringVar(&payWallet, "wallet", defaultWallet, "Paying wallet address")
	payRequestCmd.Flags().StringVar(&payTier, "tier", "pro", "Pricing tier")
	payVerifyCmd.Flags().StringVar(&payWallet, "wallet", defaultWallet, "Paying wallet address")
	payVerifyCmd.Flags().StringVar(&payRequestID, "request", "", "Payment request ID (required)")
	payVerifyCmd.Flags().StringVar(&payTxHash, "tx", "", "Settlement transaction hash (required)")
	payVerifyCmd.MarkFlagRequired("request")
	payVerifyCmd.MarkFlagRequired("tx")
}

func runPayTiers(cmd *cobra.Command, args []string) error {
	var result struct {
		Tiers []string `json:"tiers"`
	}
	if err := doJSON(http.MethodGet, "/api/v1/payments/tiers", nil, nil, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	fmt.Println("Pricing tiers:")
	for _, t := range result.Tiers {
		fmt.Printf("  %s\n", t)
	}
	return nil
}

func runPayRequest(cmd *cobra.Command, args []string) error {
	if payWallet == "" {
		return fmt.Errorf("--wallet is required (or set SPENDGUARD_WALLET)")
	}

	var descriptor PaymentDescriptor
	req := map[string]string{"wallet": payWallet, "tier": payTier}
	if err := doJSON(http.MethodPost, "/api/v1/payments/requests", nil, req, &descriptor, http.StatusCreated); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(descriptor)
	}

	fmt.Println("Payment Request")
	fmt.Println("===============")
	fmt.Println()
	fmt.Printf("Request ID:  %s\n", descriptor.RequestID)
	fmt.Printf("Send:        %s %s on %s\n", descriptor.Amount, descriptor.Token, descriptor.Chain)
	fmt.Printf("To:          %s\n", descriptor.Recipient)
	fmt.Printf("Memo:        %s\n", descriptor.Memo)
	fmt.Printf("Grants:      %s, %d month(s)\n", descriptor.Tier, descriptor.DurationMonths)
	fmt.Printf("Expires:     %s\n", formatTime(descriptor.ExpiresAt))
	fmt.Println()
	fmt.Printf("After paying, run: spendguard pay verify --request %s --tx <hash>\n", descriptor.RequestID)
	return nil
}

func runPayVerify(cmd *cobra.Command, args []string) error {
	if payWallet == "" {
		return fmt.Errorf("--wallet is required (or set SPENDGUARD_WALLET)")
	}

	req := map[string]string{
		"request_id":     payRequestID,
		"settlement_ref": payTxHash,
		"wallet":         payWallet,
	}
	var result VerifyResponse
	if err := doJSON(http.MethodPost, "/api/v1/payments/verify", nil, req, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	fmt.Printf("Payment verified (transaction %s)\n", result.Result.TransactionID)
	if result.Result.License != nil {
		printLicense(*result.Result.License)
	}
	return nil
}

func runLicense(cmd *cobra.Command, args []string) error {
	wallet := getEnvOrDefault("SPENDGUARD_WALLET", "")
	if len(args) == 1 {
		wallet = args[0]
	}
	if wallet == "" {
		return fmt.Errorf("wallet argument is required (or set SPENDGUARD_WALLET)")
	}

	var status LicenseStatus
	if err := doJSON(http.MethodGet, "/api/v1/licenses/"+wallet, nil, nil, &status); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(status)
	}

	printLicense(status)
	return nil
}

func printLicense(status LicenseStatus) {
	fmt.Printf("Wallet:     %s\n", status.Wallet)
	fmt.Printf("Tier:       %s\n", status.Tier)
	if !status.Valid {
		fmt.Println("Valid:      no")
		return
	}
	fmt.Println("Valid:      yes")
	if status.Expiry != nil {
		fmt.Printf("Expires:    %s (%d days)\n", formatTime(*status.Expiry), status.DaysRemaining)
	}
}
