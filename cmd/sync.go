package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/namesync"
)

var (
	syncEntityID     string
	syncNewName      string
	syncBatchFile    string
	syncConflictMode string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Rename an asset and propagate the change to its pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mode := model.ConflictMode(syncConflictMode)
		if syncConflictMode != "" && !model.ValidConflictMode(mode) {
			return eris.Errorf("unknown conflict mode: %s", syncConflictMode)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		engine := namesync.New(st)
		opts := namesync.Options{Conflict: mode}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if syncBatchFile != "" {
			updates, err := loadBatchUpdates(syncBatchFile)
			if err != nil {
				return err
			}
			result, err := engine.SyncBatch(ctx, updates, opts)
			if err != nil {
				return eris.Wrap(err, "sync batch")
			}
			zap.L().Info("batch sync finished",
				zap.Int("processed", result.Processed),
				zap.Int("failed", result.Failed),
				zap.Int("child_updates", result.TotalChildUpdates),
			)
			return enc.Encode(result)
		}

		result, err := engine.SyncName(ctx, syncEntityID, syncNewName, opts)
		if err != nil {
			return eris.Wrap(err, "sync name")
		}
		zap.L().Info("sync finished",
			zap.Int("updated", len(result.Updated)),
			zap.Int("conflicts", len(result.Conflicts)),
			zap.Int("skipped", len(result.Skipped)),
		)
		return enc.Encode(result)
	},
}

// loadBatchUpdates reads newline-delimited "id=new name" pairs, or a JSON
// array of {entity_id, new_name} when the file ends in .json.
func loadBatchUpdates(path string) ([]namesync.NameUpdate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read batch file")
	}

	if strings.HasSuffix(path, ".json") {
		var updates []namesync.NameUpdate
		if err := json.Unmarshal(data, &updates); err != nil {
			return nil, eris.Wrap(err, "parse batch file")
		}
		return updates, nil
	}

	var updates []namesync.NameUpdate
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, name, ok := strings.Cut(line, "=")
		if !ok {
			return nil, eris.Errorf("malformed batch line: %s", line)
		}
		updates = append(updates, namesync.NameUpdate{
			EntityID: strings.TrimSpace(id),
			NewName:  strings.TrimSpace(name),
		})
	}
	return updates, nil
}

func init() {
	syncCmd.Flags().StringVar(&syncEntityID, "id", "", "asset id to rename")
	syncCmd.Flags().StringVar(&syncNewName, "name", "", "new name")
	syncCmd.Flags().StringVar(&syncBatchFile, "batch", "", "batch file of renames (lines of id=name, or a .json array)")
	syncCmd.Flags().StringVar(&syncConflictMode, "conflict", "", "conflict handling: skip, overwrite, or autoSuffix")
	syncCmd.MarkFlagsRequiredTogether("id", "name")
	syncCmd.MarkFlagsOneRequired("id", "batch")
	syncCmd.MarkFlagsMutuallyExclusive("id", "batch")
	rootCmd.AddCommand(syncCmd)
}
