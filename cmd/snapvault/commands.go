package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/MacJediWizard/snapvault/internal/archive"
	"github.com/MacJediWizard/snapvault/internal/backups"
	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/db"
	"github.com/MacJediWizard/snapvault/internal/jobs"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/pricing"
	"github.com/MacJediWizard/snapvault/internal/scrape"
	"github.com/MacJediWizard/snapvault/internal/storage"
	"github.com/MacJediWizard/snapvault/internal/usage"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	var list, status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list {
				migrations, err := db.GetMigrations()
				if err != nil {
					return err
				}
				for _, m := range migrations {
					fmt.Fprintf(out, "  %03d: %s\n", m.Version, m.Name)
				}
				return nil
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			database, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			if status {
				pending, err := database.PendingMigrations(ctx)
				if err != nil {
					return err
				}
				version, err := database.CurrentVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Current schema version: %d (%d pending)\n", version, len(pending))
				return nil
			}

			if err := database.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			version, err := database.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Schema is at version %d\n", version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List embedded migrations")
	cmd.Flags().BoolVar(&status, "status", false, "Show the current schema version")
	return cmd
}

func newEstimateCmd(opts *globalOptions) *cobra.Command {
	var (
		req       models.SnapshotRequest
		remaining float64
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Size a snapshot against the budget without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			limits, err := opts.limits()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("monthly-remaining") {
				req.MonthlyRemainingUSD = &remaining
			}

			planner := scrape.NewPlanner(pricing.NewEstimator(limits.Pricing), limits.Snapshot)
			plan, err := planner.Plan(req)
			if err != nil {
				return err
			}
			writePlan(cmd, plan)
			return nil
		},
	}
	cmd.Flags().IntVar(&req.TimelineItems, "timeline", 0, "Timeline items to request (0 = free-tier ceiling)")
	cmd.Flags().BoolVar(&req.IncludeSocial, "social", false, "Include followers and following")
	cmd.Flags().IntVar(&req.SocialItems, "social-items", 0, "Social items to request (0 = ceiling)")
	cmd.Flags().Float64Var(&req.PerRunBudgetUSD, "budget", 0, "Per-run budget in USD (0 = configured ceiling)")
	cmd.Flags().Float64Var(&remaining, "monthly-remaining", 0, "Remaining monthly allowance in USD")
	return cmd
}

func writePlan(cmd *cobra.Command, plan scrape.Plan) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Budget:\t$%.2f\n", plan.BudgetUSD)
	fmt.Fprintf(w, "Timeline:\t%d items (%s)\t$%.2f\n", plan.TimelineItems, plan.TimelineLimit, plan.TimelineCostUSD)
	if plan.SocialItems > 0 {
		fmt.Fprintf(w, "Social:\t%d items (%s)\t$%.2f\n", plan.SocialItems, plan.SocialLimit, plan.SocialCostUSD)
	}
	fmt.Fprintf(w, "Total:\t\t$%.2f\n", plan.TotalCostUSD())
	w.Flush()
}

func newSnapshotCmd(opts *globalOptions) *cobra.Command {
	var (
		userID string
		req    models.SnapshotRequest
	)

	cmd := &cobra.Command{
		Use:   "snapshot <handle>",
		Short: "Queue a snapshot of a public account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseID("user", userID)
			if err != nil {
				return err
			}
			limits, err := opts.limits()
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			database, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			logger := opts.logger()
			ledger := jobs.NewLedger(database, jobs.LedgerOptions{StaleAfter: limits.Jobs.StaleQueueTimeout}, logger)
			requester := scrape.NewRequester(ledger, queuedOnly{}, limits.Snapshot, logger)

			req.Handle = args[0]
			job, err := requester.RequestSnapshot(ctx, uid, req)
			var active *jobs.ActiveJobError
			if errors.As(err, &active) {
				return fmt.Errorf("%w; cancel it with: snapvault jobs cancel --user %s %s", err, uid, active.Job.ID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued snapshot job %s\n", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owning user ID")
	cmd.Flags().IntVar(&req.TimelineItems, "timeline", 0, "Timeline items to request")
	cmd.Flags().BoolVar(&req.IncludeReplies, "replies", false, "Include replies")
	cmd.Flags().BoolVar(&req.IncludeSocial, "social", false, "Include followers and following")
	cmd.Flags().IntVar(&req.SocialItems, "social-items", 0, "Social items to request")
	cmd.Flags().BoolVar(&req.IncludeMedia, "media", true, "Store attached media")
	cmd.Flags().BoolVar(&req.IncludeProfileMedia, "profile-media", true, "Store avatar and banner")
	cmd.Flags().Float64Var(&req.PerRunBudgetUSD, "budget", 0, "Per-run budget in USD")
	cmd.Flags().BoolVar(&req.Guest, "guest", false, "Keep the backup only for the guest retention period")
	cmd.Flags().StringVar(&req.NotifyEmail, "notify", "", "Email address to notify when ready")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newArchiveCmd(opts *globalOptions) *cobra.Command {
	var userID, notify string

	cmd := &cobra.Command{
		Use:   "archive <file.zip>",
		Short: "Upload an account export and queue its import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseID("user", userID)
			if err != nil {
				return err
			}
			limits, err := opts.limits()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			database, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			logger := opts.logger()
			objects, err := storage.NewS3Store(ctx, config.LoadServerConfig().S3, logger)
			if err != nil {
				return err
			}
			ledger := jobs.NewLedger(database, jobs.LedgerOptions{StaleAfter: limits.Jobs.StaleQueueTimeout}, logger)
			svc := archive.NewService(ledger, objects, queuedOnly{}, limits.Archive, nil, logger)

			ticket, err := svc.PrepareUpload(ctx, uid, filepath.Base(args[0]), info.Size())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Uploading %s...\n", humanize.IBytes(uint64(info.Size())))
			resp, err := req.C().R().
				SetContext(ctx).
				SetHeader("Content-Type", "application/zip").
				SetBody(f).
				Put(ticket.UploadURL)
			if err != nil {
				return fmt.Errorf("upload archive: %w", err)
			}
			if !resp.IsSuccessState() {
				return fmt.Errorf("upload archive: HTTP %d", resp.StatusCode)
			}

			job, err := svc.StartImport(ctx, uid, models.ArchiveUpload{
				FileName:      ticket.FileName,
				StoragePath:   ticket.StoragePath,
				DeclaredBytes: info.Size(),
				NotifyEmail:   notify,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued archive import job %s\n", job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owning user ID")
	cmd.Flags().StringVar(&notify, "notify", "", "Email address to notify when ready")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newJobsCmd(opts *globalOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List a user's backup jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseID("user", userID)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			database, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			list, err := database.ListBackupJobsByUser(ctx, uid, 20)
			if err != nil {
				return err
			}
			writeJobs(cmd, list, time.Now())
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "Owning user ID")
	_ = cmd.MarkPersistentFlagRequired("user")

	cancelCmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseID("user", userID)
			if err != nil {
				return err
			}
			jobID, err := parseID("job", args[0])
			if err != nil {
				return err
			}
			limits, err := opts.limits()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			database, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			logger := opts.logger()
			ledger := jobs.NewLedger(database, jobs.LedgerOptions{}, logger)
			job, err := scrape.NewRequester(ledger, queuedOnly{}, limits.Snapshot, logger).Cancel(ctx, uid, jobID, "operator")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s (%s)\n", job.ID, job.Status, job.Message)
			return nil
		},
	}
	cmd.AddCommand(cancelCmd)
	return cmd
}

func writeJobs(cmd *cobra.Command, list []*models.BackupJob, now time.Time) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tCREATED\tMESSAGE")
	for _, j := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			j.ID, j.Kind, j.Status, j.Progress, humanize.RelTime(j.CreatedAt, now, "ago", "from now"), j.Message)
	}
	w.Flush()
}

func newUsageCmd(opts *globalOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show a user's deduplicated storage usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseID("user", userID)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			database, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			summary, err := usage.NewAccountant(database, nil, opts.logger()).UserSummary(ctx, uid)
			if err != nil {
				return err
			}
			writeUsage(cmd, summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func writeUsage(cmd *cobra.Command, s *usage.UserSummary) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Backups:\t%d\n", len(s.Backups))
	fmt.Fprintf(w, "Payload:\t%s\n", humanize.IBytes(uint64(s.PayloadBytes)))
	fmt.Fprintf(w, "Media:\t%s\t(%d objects)\n", humanize.IBytes(uint64(s.MediaBytes)), s.MediaObjects)
	fmt.Fprintf(w, "Archives:\t%s\t(%d objects)\n", humanize.IBytes(uint64(s.ArchiveBytes)), s.ArchiveObjects)
	fmt.Fprintf(w, "Total:\t%s\n", humanize.IBytes(uint64(s.TotalBytes)))
	w.Flush()
}

func newBackupCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage stored backups",
	}
	cmd.AddCommand(newBackupDeleteCmd(opts), newBackupClaimCmd(opts), newBackupURLCmd(opts))
	return cmd
}

func newBackupDeleteCmd(opts *globalOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup and the objects only it references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backupID, err := parseID("backup", args[0])
			if err != nil {
				return err
			}
			var owner *uuid.UUID
			if userID != "" {
				uid, err := parseID("user", userID)
				if err != nil {
					return err
				}
				owner = &uid
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			database, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			logger := opts.logger()
			objects, err := storage.NewS3Store(ctx, config.LoadServerConfig().S3, logger)
			if err != nil {
				return err
			}
			res, err := backups.NewDeleter(database, objects, nil, logger).DeleteBackup(ctx, backupID, owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted backup %s: %d objects removed, %d shared kept, %d failed\n",
				res.BackupID, res.Deleted, res.Shared, res.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Refuse unless the backup belongs to this user")
	return cmd
}

func newBackupClaimCmd(opts *globalOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "claim <backup-id>",
		Short: "Move a guest backup to an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backupID, err := parseID("backup", args[0])
			if err != nil {
				return err
			}
			uid, err := parseID("user", userID)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			database, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			b, err := backups.NewService(database, nil, nil, opts.logger()).Claim(ctx, backupID, uid)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup %s now belongs to %s\n", b.ID, b.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Account user ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newBackupURLCmd(opts *globalOptions) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "url <backup-id> <storage-path>",
		Short: "Print a signed download URL for a stored object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backupID, err := parseID("backup", args[0])
			if err != nil {
				return err
			}
			uid, err := parseID("user", userID)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			database, err := opts.openDB(ctx)
			if err != nil {
				return err
			}
			defer database.Close()

			logger := opts.logger()
			objects, err := storage.NewS3Store(ctx, config.LoadServerConfig().S3, logger)
			if err != nil {
				return err
			}
			url, err := backups.NewService(database, objects, nil, logger).MediaURL(ctx, uid, backupID, args[1], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owning user ID")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "URL lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
