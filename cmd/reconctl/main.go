// reconctl runs reconciliation stages and operator chores without the HTTP API.
//
// Usage (from the repo root, same DB_* and REDIS_* env as the server):
//
//	go run ./cmd/reconctl migrate
//	go run ./cmd/reconctl reconcile --business <id> --session 12 --baseline baseline.json
//	go run ./cmd/reconctl offline fixture.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/mmdatafocus/vat_reconciliation/appctx"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/spf13/cobra"
)

var (
	businessId string
	userName   string
	version    = "dev"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reconctl",
	Short: "VAT reconciliation operator CLI",
	Long: `reconctl drives the reconciliation engine directly against the database,
or offline against a JSON fixture.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&businessId, "business", os.Getenv("RECONCTL_BUSINESS_ID"), "business id the command runs for")
	rootCmd.PersistentFlags().StringVar(&userName, "user", "reconctl", "user name recorded on writes")
}

// connect opens MySQL and Redis the same way the server does.
func connect() error {
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		return fmt.Errorf("database not initialized; set DB_* env vars")
	}
	config.ConnectRedisWithRetry()
	return nil
}

func businessContext(ctx context.Context) (context.Context, error) {
	if businessId == "" {
		return nil, fmt.Errorf("--business is required")
	}
	return appctx.WithBusiness(ctx, businessId, userName), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
