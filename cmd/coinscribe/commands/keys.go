package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/coinscribe/coinscribe/pkg/stores"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored provider API keys",
		Long: `Manage stored provider API keys.

Keys are encrypted at rest under the configured master key and looked up per
user at execution time. A key rejected by its provider is marked invalid and
must be stored again to recover.`,
	}

	cmd.AddCommand(newKeysSetCommand())
	cmd.AddCommand(newKeysListCommand())

	return cmd
}

func newKeysSetCommand() *cobra.Command {
	var tier string

	cmd := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store a provider API key",
		Example: `  # Store a CoinGecko demo key (prompted, not echoed)
  coinscribe keys set coingecko --tier demo

  # Store an OpenSea key for another user
  coinscribe keys set opensea -u alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider := args[0]

			keyTier := stores.KeyTier(tier)
			if keyTier != stores.KeyTierPro && keyTier != stores.KeyTierDemo {
				return fmt.Errorf("unknown key tier %q", tier)
			}

			fmt.Fprintf(os.Stderr, "API key for %s: ", provider)
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			if err := app.service.StoreProviderKey(ctx, userID, provider, string(raw), keyTier); err != nil {
				return err
			}
			log.Info().Str("provider", provider).Str("tier", tier).Msg("Provider key stored")
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "pro", "key tier (pro, demo)")

	return cmd
}

func newKeysListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored key metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			records, err := app.service.ListProviderKeys(ctx, userID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tTIER\tVALID\tUPDATED")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n",
					rec.Provider, rec.KeyTier, rec.Valid, rec.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}
