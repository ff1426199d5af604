package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/coinscribe/coinscribe/pkg/report"
)

func newValidateCommand() *cobra.Command {
	var (
		format     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "validate <recipe-file>",
		Short: "Validate a recipe without executing it",
		Long: `Validate a recipe without executing it.

This command checks:
  - Structural constraints and unique dataset identifiers
  - Dataset kind resolution
  - Redistribution policy for the intended output format
  - Plan compatibility for the selected plan tier`,
		Example: `  # Validate for a JSON preview
  coinscribe validate portfolio.yaml

  # Validate for an Excel download on the starter plan
  coinscribe validate portfolio.yaml --format excel --plan starter`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			r, err := loadRecipe(args[0])
			if err != nil {
				return err
			}

			result, err := app.service.ValidateRecipe(ctx, userID, r, report.Format(format))
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			for _, issue := range result.Errors {
				log.Error().Str("field", issue.Field).Msg(issue.Message)
			}
			for _, warning := range result.Warnings {
				log.Warn().Msg(warning)
			}
			if !result.Valid {
				return fmt.Errorf("recipe failed validation with %d error(s)", len(result.Errors))
			}

			log.Info().
				Str("recipe_id", r.ID).
				Str("required_plan", string(result.Plan.RequiredPlan)).
				Msg("Recipe is valid")
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "intended report format (json, excel)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the full validation result as JSON")

	return cmd
}
