package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/testweaver/internal/model"
	"github.com/sells-group/testweaver/internal/store"
)

var (
	jobsBusinessType string
	jobsStatus       string
	jobsLimit        int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List generation jobs",
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

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			BusinessType: jobsBusinessType,
			Status:       model.JobStatus(jobsStatus),
			Limit:        jobsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list jobs")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsBusinessType, "type", "", "filter by business type")
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by job status")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "max jobs to list")
	rootCmd.AddCommand(jobsCmd)
}
