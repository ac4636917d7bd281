package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead letter queue",
	Long:  "Commands for listing dead-lettered sync tasks and replaying the ones that are due.",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks that are due for retry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		kind, _ := cmd.Flags().GetString("kind")
		page, _ := cmd.Flags().GetString("page")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{
			ErrorKind: kind,
			PageID:    page,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}

		formatDLQList(os.Stdout, entries)
		return nil
	},
}

// -- dlq retry --

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Replay due dead-lettered tasks",
	Long:  "Groups due entries by page and runs a selected-mode sync per page. Tasks that fail again are re-enqueued; pages with an active job have their entries pushed out instead.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initSyncEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		kind, _ := cmd.Flags().GetString("kind")
		page, _ := cmd.Flags().GetString("page")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := env.Store.DequeueDLQ(ctx, resilience.DLQFilter{
			ErrorKind: kind,
			PageID:    page,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq retry")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing due for retry.")
			return nil
		}

		byPage := make(map[string][]resilience.DLQEntry)
		for _, e := range entries {
			byPage[e.PageID] = append(byPage[e.PageID], e)
		}

		for pageID, pageEntries := range byPage {
			participants := make([]string, 0, len(pageEntries))
			for _, e := range pageEntries {
				participants = append(participants, e.ParticipantID)
			}

			job, created, err := env.Orchestrator.StartSync(ctx, pageID, model.SyncModeSelected, participants)
			if err != nil || !created {
				// An active job owns the page; push the entries out and
				// let a later retry pick them up.
				if err != nil {
					zap.L().Warn("dlq replay could not start job", zap.String("page_id", pageID), zap.Error(err))
				}
				deferEntries(cmd, env, pageEntries)
				continue
			}

			// The replay job owns these tasks now; failures re-enter the
			// queue as fresh entries.
			for _, e := range pageEntries {
				if err := env.Store.RemoveDLQ(ctx, e.ID); err != nil {
					zap.L().Warn("dlq remove failed", zap.String("entry_id", e.ID), zap.Error(err))
				}
			}

			if err := env.Orchestrator.Run(ctx, job.ID); err != nil {
				zap.L().Error("dlq replay job failed", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}

			final, err := env.Store.GetJob(ctx, job.ID)
			if err != nil {
				return eris.Wrap(err, "reload replay job")
			}
			fmt.Fprintf(os.Stdout, "Page %s: replayed %d task(s), synced %d, failed %d (job %s)\n",
				pageID, len(pageEntries), final.SyncedContacts, final.FailedContacts, final.ID)
		}

		return nil
	},
}

// deferEntries pushes entries' next attempt out with exponential backoff.
func deferEntries(cmd *cobra.Command, env *syncEnv, entries []resilience.DLQEntry) {
	ctx := cmd.Context()
	base := time.Duration(cfg.Sync.DLQRetryDelay) * time.Second
	if base <= 0 {
		base = 5 * time.Minute
	}
	for _, e := range entries {
		delay := base << e.RetryCount
		next := time.Now().UTC().Add(delay)
		if err := env.Store.IncrementDLQRetry(ctx, e.ID, next, "replay deferred: page has an active job"); err != nil {
			zap.L().Warn("dlq defer failed", zap.String("entry_id", e.ID), zap.Error(err))
		}
	}
}

func formatDLQList(w io.Writer, entries []resilience.DLQEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPAGE\tPARTICIPANT\tPHASE\tKIND\tRETRIES\tNEXT RETRY\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.ID, e.PageID, e.ParticipantID, e.Phase, e.ErrorKind,
			e.RetryCount, e.MaxRetries,
			e.NextRetryAt.Format(time.RFC3339), e.Error,
		)
	}
	tw.Flush()
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqRetryCmd} {
		c.Flags().String("kind", "", "filter by error kind (transient, rate_limited, auth_failed, credential_expired, permanent)")
		c.Flags().String("page", "", "filter by page ID")
		c.Flags().Int("limit", 100, "max number of entries")
	}

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
