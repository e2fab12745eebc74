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
	fixBusinessType string
	fixProjectID    string
	fixAuto         bool
	fixDryRun       bool
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Validate and repair auto-fixable consistency issues",
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

		v := validator.New(st)
		report, err := v.Validate(ctx, validator.Filter{
			BusinessType: fixBusinessType,
			ProjectID:    fixProjectID,
		})
		if err != nil {
			return eris.Wrap(err, "validate")
		}

		result, err := v.Fix(ctx, report.Issues, fixAuto, fixDryRun)
		if err != nil {
			return eris.Wrap(err, "fix")
		}

		zap.L().Info("fix finished",
			zap.Int("fixed", result.FixedCount),
			zap.Int("failed", result.FailedCount),
			zap.Int("skipped", result.SkippedCount),
			zap.Int("manual", len(result.ManualFixRequired)),
			zap.Bool("dry_run", result.DryRun),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	fixCmd.Flags().StringVar(&fixBusinessType, "type", "", "restrict to one business type")
	fixCmd.Flags().StringVar(&fixProjectID, "project", "", "restrict to one project")
	fixCmd.Flags().BoolVar(&fixAuto, "auto-fix", false, "apply whitelisted fixes instead of only reporting")
	fixCmd.Flags().BoolVar(&fixDryRun, "dry-run", false, "report what would be fixed without mutating")
	rootCmd.AddCommand(fixCmd)
}
