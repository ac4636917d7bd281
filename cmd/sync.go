package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contact-sync/internal/model"
)

var (
	syncPageID       string
	syncMode         string
	syncParticipants string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync job for a page",
	Long:  "Starts a sync job for the page and runs it to completion, printing the final job row as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initSyncEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var selected []string
		if syncParticipants != "" {
			for _, id := range strings.Split(syncParticipants, ",") {
				if id = strings.TrimSpace(id); id != "" {
					selected = append(selected, id)
				}
			}
		}

		job, created, err := env.Orchestrator.StartSync(ctx, syncPageID, model.SyncMode(syncMode), selected)
		if err != nil {
			return eris.Wrap(err, "start sync")
		}
		if !created {
			zap.L().Info("page already has an active job",
				zap.String("job_id", job.ID),
				zap.String("status", string(job.Status)),
			)
			return printJSON(job)
		}

		if err := env.Orchestrator.Run(ctx, job.ID); err != nil {
			return eris.Wrap(err, "run sync")
		}

		final, err := env.Store.GetJob(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "reload job")
		}
		return printJSON(final)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	syncCmd.Flags().StringVar(&syncPageID, "page", "", "page ID to sync (required)")
	syncCmd.Flags().StringVar(&syncMode, "mode", string(model.SyncModeFull), "sync mode (full, contacts_only, analysis_only, selected)")
	syncCmd.Flags().StringVar(&syncParticipants, "participants", "", "comma-separated participant IDs (selected mode)")
	_ = syncCmd.MarkFlagRequired("page")
	rootCmd.AddCommand(syncCmd)
}
