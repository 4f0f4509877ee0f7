package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/numgate/numgate/internal/ledger"
)

var ordersCmd = &cobra.Command{
	Use:   "orders <user>",
	Short: "List a user's active orders",
	Long: `List the open orders (waiting or active) for a user on a running
numgate server.`,
	Args: cobra.ExactArgs(1),
	RunE: runOrders,
}

var walletCmd = &cobra.Command{
	Use:   "wallet <user>",
	Short: "Show a user's wallet balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runWallet,
}

func init() {
	ordersCmd.Flags().String("url", "", "Server URL (default http://127.0.0.1:8090)")
	walletCmd.Flags().String("url", "", "Server URL (default http://127.0.0.1:8090)")
}

func runOrders(cmd *cobra.Command, args []string) error {
	path := "/api/orders/active?user=" + url.QueryEscape(args[0])
	resp, body, err := apiRequest(cmd, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(body, resp.StatusCode)
	}

	var payload struct {
		Orders []ledger.Order `json:"orders"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	switch outputFormat(cmd) {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(payload.Orders)
	case "csv":
		rows := make([][]string, 0, len(payload.Orders))
		for _, o := range payload.Orders {
			rows = append(rows, orderRow(&o))
		}
		return writeCSV(os.Stdout, orderCols, rows)
	default:
		if len(payload.Orders) == 0 {
			fmt.Println("No active orders.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tPHONE\tSERVICE\tCOUNTRY\tSTATUS\tPRICE\tEXPIRES")
		for _, o := range payload.Orders {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				o.ID, o.Kind, o.Phone, o.ServiceCode, o.CountryCode, o.Status,
				o.Price, o.ExpiresAt.Local().Format(time.RFC3339))
		}
		return tw.Flush()
	}
}

var orderCols = []string{"id", "kind", "phone", "service", "country", "status", "price", "expires_at"}

func orderRow(o *ledger.Order) []string {
	return []string{
		o.ID, string(o.Kind), o.Phone, o.ServiceCode, o.CountryCode,
		string(o.Status), strconv.FormatInt(o.Price, 10),
		o.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func runWallet(cmd *cobra.Command, args []string) error {
	path := "/api/wallets/" + url.PathEscape(args[0])
	resp, body, err := apiRequest(cmd, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(body, resp.StatusCode)
	}

	var wallet struct {
		UserID    string `json:"userId"`
		Balance   int64  `json:"balance"`
		Frozen    int64  `json:"frozen"`
		Available int64  `json:"available"`
	}
	if err := json.Unmarshal(body, &wallet); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if outputFormat(cmd) == "json" {
		return json.NewEncoder(os.Stdout).Encode(wallet)
	}

	fmt.Printf("User:      %s\n", wallet.UserID)
	fmt.Printf("Balance:   %d\n", wallet.Balance)
	fmt.Printf("Frozen:    %d\n", wallet.Frozen)
	fmt.Printf("Available: %d\n", wallet.Available)
	return nil
}

// serverError turns a non-2xx API response into a readable error.
func serverError(body []byte, status int) error {
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("server returned %d: %s", status, apiErr.Message)
	}
	return fmt.Errorf("server returned %d", status)
}
