package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var depositCmd = &cobra.Command{
	Use:   "deposit <user> <amount>",
	Short: "Top up a user's wallet (admin)",
	Long: `Add funds to a user's wallet on a running numgate server.
Amounts are in minor currency units. Requires the admin token
(--admin-token or NUMGATE_ADMIN_TOKEN).`,
	Args: cobra.ExactArgs(2),
	RunE: runDeposit,
}

var creditCmd = &cobra.Command{
	Use:   "credit <order-id> <amount>",
	Short: "Refund a charged order back to its owner's wallet (admin)",
	Long: `Apply an administrative correction: credit the given amount back to
the wallet that paid for the order. Use when a code was charged but the
user never received usable service. Requires the admin token
(--admin-token or NUMGATE_ADMIN_TOKEN).`,
	Args: cobra.ExactArgs(2),
	RunE: runCredit,
}

func init() {
	for _, c := range []*cobra.Command{depositCmd, creditCmd} {
		c.Flags().String("url", "", "Server URL (default http://127.0.0.1:8090)")
		c.Flags().String("admin-token", "", "Admin token (or NUMGATE_ADMIN_TOKEN)")
	}
	creditCmd.Flags().String("note", "", "Reason for the correction")
}

func runDeposit(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("amount must be a positive integer, got %q", args[1])
	}

	payload, _ := json.Marshal(map[string]any{"userId": args[0], "amount": amount})
	resp, body, err := apiRequest(cmd, http.MethodPost, "/api/admin/deposit", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(body, resp.StatusCode)
	}

	if outputFormat(cmd) == "json" {
		os.Stdout.Write(body)
		fmt.Println()
		return nil
	}

	var wallet struct {
		Balance   int64 `json:"balance"`
		Available int64 `json:"available"`
	}
	if err := json.Unmarshal(body, &wallet); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Printf("Deposited %d to %s (balance %d, available %d)\n",
		amount, args[0], wallet.Balance, wallet.Available)
	return nil
}

func runCredit(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("amount must be a positive integer, got %q", args[1])
	}
	note, _ := cmd.Flags().GetString("note")

	payload, _ := json.Marshal(map[string]any{
		"orderId": args[0],
		"amount":  amount,
		"note":    note,
	})
	resp, body, err := apiRequest(cmd, http.MethodPost, "/api/admin/credit", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		return serverError(body, resp.StatusCode)
	}

	if outputFormat(cmd) == "json" {
		os.Stdout.Write(body)
		fmt.Println()
		return nil
	}

	var correction struct {
		UserID string `json:"userId"`
		Amount int64  `json:"amount"`
	}
	if err := json.Unmarshal(body, &correction); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Printf("Credited %d to %s for order %s\n", correction.Amount, correction.UserID, args[0])
	return nil
}
