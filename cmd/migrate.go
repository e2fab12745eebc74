package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/store"
)

var migrateSeedFile string

// seedFile is the shape of the optional --seed YAML: business types to
// register and prompt template overrides per type and stage.
type seedFile struct {
	BusinessTypes []struct {
		Code   string `yaml:"code"`
		Name   string `yaml:"name"`
		Active *bool  `yaml:"active"`
	} `yaml:"business_types"`
	PromptTemplates []struct {
		BusinessType string `yaml:"business_type"`
		Stage        string `yaml:"stage"`
		SystemPrompt string `yaml:"system_prompt"`
		UserPrompt   string `yaml:"user_prompt"`
	} `yaml:"prompt_templates"`
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
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
		zap.L().Info("schema migrated", zap.String("driver", cfg.Store.Driver))

		if migrateSeedFile == "" {
			return nil
		}
		return seed(ctx, st, migrateSeedFile)
	},
}

func seed(ctx context.Context, st store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrap(err, "read seed file")
	}

	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return eris.Wrap(err, "parse seed file")
	}

	for _, bt := range sf.BusinessTypes {
		if bt.Code == "" {
			return eris.New("seed: business type with empty code")
		}
		active := true
		if bt.Active != nil {
			active = *bt.Active
		}
		if err := st.UpsertBusinessType(ctx, &model.BusinessType{
			Code:   bt.Code,
			Name:   bt.Name,
			Active: active,
		}); err != nil {
			return eris.Wrapf(err, "seed business type %s", bt.Code)
		}
	}

	for _, tpl := range sf.PromptTemplates {
		stage := model.Stage(tpl.Stage)
		if !model.ValidStage(stage) {
			return eris.Errorf("seed: unknown stage %q for %s", tpl.Stage, tpl.BusinessType)
		}
		if err := st.UpsertPromptTemplate(ctx, &model.PromptTemplate{
			BusinessType: tpl.BusinessType,
			Stage:        stage,
			SystemPrompt: tpl.SystemPrompt,
			UserPrompt:   tpl.UserPrompt,
		}); err != nil {
			return eris.Wrapf(err, "seed prompt template %s/%s", tpl.BusinessType, tpl.Stage)
		}
	}

	zap.L().Info("seed applied",
		zap.Int("business_types", len(sf.BusinessTypes)),
		zap.Int("prompt_templates", len(sf.PromptTemplates)),
	)
	return nil
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSeedFile, "seed", "", "YAML file of business types and prompt templates to upsert")
	rootCmd.AddCommand(migrateCmd)
}
