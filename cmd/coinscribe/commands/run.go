package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/coinscribe/coinscribe/pkg/report"
	"github.com/coinscribe/coinscribe/pkg/service"
)

func newRunCommand() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "run <recipe-file>",
		Short: "Execute a recipe and write the assembled report",
		Long: `Execute a recipe and write the assembled report.

The recipe is validated first; execution fetches every dataset concurrently
using the stored provider keys for the selected user. The json format writes
the preview document, the excel format writes a multi-sheet workbook.`,
		Example: `  # Preview a recipe as JSON
  coinscribe run portfolio.yaml

  # Produce the Excel workbook
  coinscribe run portfolio.yaml --format excel -o portfolio.xlsx`,
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

			f := report.Format(format)
			rep, result, err := app.service.GenerateReport(ctx, userID, r, f)
			if err != nil {
				if invalid, ok := err.(*service.ErrRecipeInvalid); ok {
					for _, issue := range invalid.Result.Errors {
						log.Error().Str("field", issue.Field).Msg(issue.Message)
					}
					return fmt.Errorf("recipe failed validation")
				}
				return err
			}

			for _, warning := range rep.Warnings {
				log.Warn().Msg(warning)
			}
			log.Info().
				Str("run_id", result.RunID).
				Bool("success", result.Success).
				Int("rows", result.Metadata.TotalRows).
				Msg("Report assembled")

			if output == "" {
				if f == report.FormatExcel {
					output = rep.Filename
				} else {
					_, err := os.Stdout.Write(rep.Data)
					return err
				}
			}
			if err := os.WriteFile(output, rep.Data, 0o644); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			log.Info().Str("path", output).Msg("Report written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "report format (json, excel)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (defaults to stdout for json)")

	return cmd
}
