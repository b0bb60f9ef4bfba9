// Command recover is the operator toolbox for a wedged ingestion system:
// requeue failed items, re-drive stuck master messages, repair missing
// organisation memberships, cancel batches and submit batches from a file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Listify-HQ/bulk-ingest/internal/batch"
	"github.com/Listify-HQ/bulk-ingest/internal/db"
	"github.com/Listify-HQ/bulk-ingest/internal/jobs"
	"github.com/Listify-HQ/bulk-ingest/internal/notifications"
	"github.com/Listify-HQ/bulk-ingest/internal/queue"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: recover <command> [flags]

Commands:
  requeue         requeue failed items (flags: -batch, -match, -limit, -apply)
  redrive         fan out master messages stuck in the queue
  repair-members  insert missing organisation memberships and requeue (flags: -batch, -match, -limit, -apply)
  cancel          cancel a batch (flags: -batch)
  submit          submit a batch from a text file (flags: -file, -org, -user, -name, -mode)

All mutating commands default to dry-run; pass -apply to execute.
`)
	os.Exit(2)
}

func main() {
	godotenv.Load(".env.local", ".env")
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	var (
		batchID = fs.String("batch", "", "restrict to one batch id")
		match   = fs.String("match", "", "case-insensitive substring of the failure message")
		limit   = fs.Int("limit", 0, "maximum items to touch (default 500)")
		apply   = fs.Bool("apply", false, "execute instead of dry-run")

		file = fs.String("file", "", "path to a text file of URLs, one per line")
		org  = fs.String("org", "", "organisation id")
		user = fs.String("user", "", "user id")
		name = fs.String("name", "", "batch name")
		mode = fs.String("mode", "quick", "pipeline mode: quick or full")
	)
	fs.Parse(os.Args[2:])

	pgDB, err := db.InitFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	store := db.NewStore(pgDB.GetDB())
	q := queue.New(pgDB.GetDB())
	master := jobs.NewMaster(store, q, jobs.MasterConfig{})
	recovery := jobs.NewRecovery(store, q, master)
	notifier := notifications.NewNotifier(os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_CHANNEL_ID"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	filter := jobs.RequeueFilter{
		BatchID:    *batchID,
		ErrorMatch: *match,
		Limit:      *limit,
		DryRun:     !*apply,
	}

	switch command {
	case "requeue":
		summary, err := recovery.RequeueFailedItems(ctx, filter)
		if err != nil {
			log.Fatal().Err(err).Msg("Requeue failed")
		}
		printRequeueSummary(summary, filter.DryRun)
		if !filter.DryRun {
			announce(ctx, notifier, fmt.Sprintf("Recovery requeue: %d found, %d requeued, %d skipped, %d errors",
				summary.Found, summary.Requeued, summary.Skipped, summary.Errors))
		}

	case "redrive":
		summary, err := recovery.RedriveStuckMasters(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Re-drive failed")
		}
		fmt.Printf("masters found:  %d\nitems enqueued: %d\nerrors:         %d\n",
			summary.Masters, summary.ItemsEnqueued, summary.Errors)
		announce(ctx, notifier, fmt.Sprintf("Recovery redrive: %d masters, %d items enqueued, %d errors",
			summary.Masters, summary.ItemsEnqueued, summary.Errors))

	case "repair-members":
		summary, err := recovery.RepairMemberships(ctx, filter)
		if err != nil {
			log.Fatal().Err(err).Msg("Membership repair failed")
		}
		fmt.Printf("items matched: %d\npairs seen:    %d\nrows created:  %d\n",
			summary.ItemsMatched, summary.PairsSeen, summary.RowsCreated)
		if summary.Requeue != nil {
			printRequeueSummary(summary.Requeue, filter.DryRun)
		}
		if !filter.DryRun {
			announce(ctx, notifier, fmt.Sprintf("Recovery membership repair: %d items matched, %d memberships created, %d requeued",
				summary.ItemsMatched, summary.RowsCreated, summary.Requeue.Requeued))
		}

	case "cancel":
		if *batchID == "" {
			log.Fatal().Msg("-batch is required")
		}
		if !*apply {
			fmt.Printf("dry-run: would cancel batch %s (pass -apply to execute)\n", *batchID)
			return
		}
		if err := store.CancelBatch(ctx, *batchID); err != nil {
			log.Fatal().Err(err).Str("batch_id", *batchID).Msg("Cancel failed")
		}
		fmt.Printf("batch %s cancelled\n", *batchID)

	case "submit":
		submitBatch(ctx, master, *file, *org, *user, *name, *mode, *apply)

	default:
		usage()
	}
}

// announce posts the run summary to Slack when a notifier is configured.
func announce(ctx context.Context, notifier *notifications.Notifier, text string) {
	if err := notifier.RecoverySummary(ctx, text); err != nil {
		log.Warn().Err(err).Msg("Failed to post recovery summary to Slack")
	}
}

func printRequeueSummary(s *jobs.RequeueSummary, dryRun bool) {
	if dryRun {
		fmt.Printf("dry-run: %d failed items match (pass -apply to requeue)\n", s.Found)
	} else {
		fmt.Printf("found:    %d\nrequeued: %d\nskipped:  %d\nerrors:   %d\n", s.Found, s.Requeued, s.Skipped, s.Errors)
	}
	for batchID, n := range s.PerBatch {
		fmt.Printf("  batch %s: %d\n", batchID, n)
	}
}

func submitBatch(ctx context.Context, master *jobs.Master, file, org, user, name, mode string, apply bool) {
	if file == "" || org == "" || user == "" {
		log.Fatal().Msg("-file, -org and -user are required")
	}
	if mode != "quick" && mode != "full" {
		log.Fatal().Str("mode", mode).Msg("mode must be quick or full")
	}

	text, err := os.ReadFile(file)
	if err != nil {
		log.Fatal().Err(err).Str("file", file).Msg("Failed to read batch file")
	}

	parsed := batch.ParseText(string(text))
	if len(parsed) == 0 {
		log.Fatal().Str("file", file).Msg("No items parsed from batch file")
	}

	if !apply {
		fmt.Printf("dry-run: would submit %d items (pass -apply to execute)\n", len(parsed))
		return
	}

	items := make([]db.NewItem, len(parsed))
	for i, p := range parsed {
		items[i] = db.NewItem{URL: p.URL, Metadata: p.Metadata}
	}

	if name == "" {
		name = file
	}

	job := &db.BatchJob{
		ID:             uuid.New().String(),
		OrganisationID: org,
		UserID:         user,
		Name:           name,
		Mode:           mode,
	}

	if err := master.Submit(ctx, job, items); err != nil {
		log.Fatal().Err(err).Msg("Submit failed")
	}

	fmt.Printf("batch %s submitted with %d items\n", job.ID, len(items))
}
