package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smsgate/smsgate/internal/apikey"
	"github.com/smsgate/smsgate/internal/postgres"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	Long: `Creates an API key and prints the secret. The secret is shown
exactly once; only its bcrypt hash is stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			return fmt.Errorf("--name is required")
		}
		var rateLimit *int
		if cmd.Flags().Changed("rate-limit") {
			n, _ := cmd.Flags().GetInt("rate-limit")
			if n < 1 {
				return fmt.Errorf("--rate-limit must be at least 1")
			}
			rateLimit = &n
		}

		return withKeyService(cmd, func(ctx context.Context, svc *apikey.Service) error {
			plaintext, key, err := svc.Create(ctx, name, rateLimit)
			if err != nil {
				return err
			}
			fmt.Printf("Created API key %q (id %s)\n\n", key.Name, key.ID)
			fmt.Printf("  %s\n\n", plaintext)
			fmt.Println("Store this secret now; it cannot be recovered.")
			return nil
		})
	},
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyService(cmd, func(ctx context.Context, svc *apikey.Service) error {
			keys, err := svc.List(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tACTIVE\tRATE LIMIT\tLAST USED")
			for i := range keys {
				k := &keys[i]
				limit := "default"
				if k.RateLimit != nil {
					limit = fmt.Sprintf("%d/hour", *k.RateLimit)
				}
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.UTC().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
					k.ID, k.Name, k.KeyPrefix, k.IsActive, limit, lastUsed)
			}
			return tw.Flush()
		})
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyService(cmd, func(ctx context.Context, svc *apikey.Service) error {
			key, err := svc.Revoke(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Revoked API key %q (id %s)\n", key.Name, key.ID)
			return nil
		})
	},
}

func init() {
	apikeyCreateCmd.Flags().String("name", "", "Human-readable key name")
	apikeyCreateCmd.Flags().Int("rate-limit", 0, "Per-key hourly quota (default: global setting)")

	apikeyCmd.AddCommand(apikeyCreateCmd)
	apikeyCmd.AddCommand(apikeyListCmd)
	apikeyCmd.AddCommand(apikeyRevokeCmd)
}

// withKeyService connects to the database, runs fn with an API key
// service, and tears everything down.
func withKeyService(cmd *cobra.Command, fn func(context.Context, *apikey.Service) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	ctx := cmd.Context()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc := apikey.NewService(pool, logger, cfg.Auth.DefaultRateLimit)
	defer svc.Close()
	return fn(ctx, svc)
}
