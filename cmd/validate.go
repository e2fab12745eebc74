package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/testweaver/internal/validator"
)

var (
	validateBusinessType string
	validateProjectID    string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run consistency checks over the asset store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		report, err := validator.New(st).Validate(ctx, validator.Filter{
			BusinessType: validateBusinessType,
			ProjectID:    validateProjectID,
		})
		if err != nil {
			return eris.Wrap(err, "validate")
		}

		zap.L().Info("validation finished",
			zap.Bool("consistent", report.IsConsistent),
			zap.Int("errors", report.ErrorCount),
			zap.Int("warnings", report.WarningCount),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if !report.IsConsistent {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateBusinessType, "type", "", "restrict checks to one business type")
	validateCmd.Flags().StringVar(&validateProjectID, "project", "", "restrict checks to one project")
	rootCmd.AddCommand(validateCmd)
}
