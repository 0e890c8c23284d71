package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ammofeeds/ingestor"
	"github.com/ammofeeds/ingestor/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// schedulerCommands starts the loop that enqueues due and manually requested feed runs.
func schedulerCommands(app *ingestorInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "start the feed run scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cleanup, err := initializeObservability(ctx, app, "scheduler")
			if err != nil {
				log.Fatal(err)
			}
			defer cleanup()

			scheduler := ingestor.NewScheduler(app.ingestor)
			scheduler.Start(ctx)
			logrus.Info("scheduler started")

			<-ctx.Done()
			scheduler.Stop()
			logrus.Info("scheduler stopped")
		},
	}
	return cmd
}

// runFeedCommands runs a single feed in the foreground, outside the queue. Used to test a feed
// configuration before it is enabled.
func runFeedCommands(app *ingestorInstance) *cobra.Command {
	var trigger string

	cmd := &cobra.Command{
		Use:   "run-feed [feed id]",
		Short: "run one feed synchronously",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job := ingestor.FeedRunJob{
				FeedID:      args[0],
				Trigger:     model.RunTrigger(trigger),
				RequestedAt: time.Now().UTC(),
			}
			if err := job.Validate(); err != nil {
				log.Fatal(err)
			}

			run, err := app.ingestor.RunFeed(cmd.Context(), job, ingestor.JobAttempt{JobID: "cli"})
			if err != nil {
				log.Fatalf("feed run failed: %v", err)
			}
			if run == nil {
				log.Println("feed run was not started")
				return
			}
			log.Printf("run %s finished with status %s", run.RunID, run.Status)
		},
	}

	cmd.Flags().StringVar(&trigger, "trigger", string(model.TriggerAdminTest), "trigger recorded on the run")
	return cmd
}
