package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/testweaver/internal/model"
)

var (
	generateType    string
	generateTypes   string
	generateStage   string
	generateContext string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate test points or test cases for a business type",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("generate"); err != nil {
			return err
		}

		stage := model.Stage(generateStage)
		if !model.ValidStage(stage) {
			return eris.Errorf("unknown stage: %s (want %s or %s)", generateStage, model.StageTestPoint, model.StageTestCase)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		orch := initOrchestrator(st)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if generateTypes != "" {
			var types []string
			for _, t := range strings.Split(generateTypes, ",") {
				if t = strings.TrimSpace(t); t != "" {
					types = append(types, t)
				}
			}
			result, err := orch.GenerateBatch(ctx, types, stage, generateContext)
			if err != nil {
				return eris.Wrap(err, "batch generation")
			}
			zap.L().Info("batch generation finished",
				zap.Int("succeeded", result.Succeeded),
				zap.Int("failed", result.Failed),
				zap.Bool("canceled", result.Canceled),
			)
			for _, entry := range orch.DeadLetters() {
				zap.L().Warn("dead letter",
					zap.String("business_type", entry.BusinessType),
					zap.String("error_type", entry.ErrorType),
					zap.String("error", entry.Error),
				)
			}
			return enc.Encode(result)
		}

		result, err := orch.Generate(ctx, generateType, stage, generateContext)
		if err != nil {
			return eris.Wrap(err, "generation")
		}
		zap.L().Info("generation finished",
			zap.String("business_type", generateType),
			zap.Int("generated", result.CountsGenerated),
			zap.Bool("needs_review", result.NeedsReview),
		)
		return enc.Encode(result)
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateType, "type", "", "business type code")
	generateCmd.Flags().StringVar(&generateTypes, "types", "", "comma-separated business type codes (batch mode)")
	generateCmd.Flags().StringVar(&generateStage, "stage", string(model.StageTestPoint), "generation stage: TEST_POINT or TEST_CASE")
	generateCmd.Flags().StringVar(&generateContext, "context", "", "extra domain context injected into the prompt")
	generateCmd.MarkFlagsOneRequired("type", "types")
	generateCmd.MarkFlagsMutuallyExclusive("type", "types")
	rootCmd.AddCommand(generateCmd)
}
