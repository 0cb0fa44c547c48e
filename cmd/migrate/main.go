package main

import (
	"context"
	"fmt"
	"os"

	"mongomigrate/internal/changelog"
	"mongomigrate/internal/command"
	"mongomigrate/internal/events"
	"mongomigrate/internal/lockservice"
	mongoMigration "mongomigrate/internal/migrations/mongo"
	"mongomigrate/pkg/config"
)

const JobName = "mongo-migration"

func main() {
	cfg := config.Load(JobName)
	if err := run(context.Background(), cfg); err != nil {
		cfg.Log.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("Migration completed successfully.")
}

func run(ctx context.Context, cfg *config.Config) error {
	cl, err := mongoMigration.LoadChangeLog(cfg.ChangeLogFile)
	if err != nil {
		return err
	}

	cfg.SetMongo()
	defer cfg.GracefulShutdown()
	cfg.Log.Info("Starting Mongo migration job", "changelog", cfg.ChangeLogFile)

	publisher, err := events.NewFromConfig(cfg.Kafka, cfg.EventsTopic, JobName, cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create event publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			cfg.Log.Warn("Failed to close event publisher", "error", err)
		}
	}()

	db := cfg.Database()
	exec := command.NewExecutor(db, cfg.Log)
	runner := mongoMigration.NewRunner(
		exec,
		lockservice.NewService(db, cfg.LockCollectionName, cfg.Log),
		changelog.NewRepository(exec, cfg.ChangeLogCollectionName),
		publisher,
		cfg.Log,
		mongoMigration.Options{
			Holder:              lockservice.ResolveHolder(cfg.LockHolder, cfg.LockHostDescription),
			LockWaitTimeout:     cfg.LockWaitTimeout,
			LockPollInterval:    cfg.LockPollInterval,
			Contexts:            cfg.RunContexts,
			RowsAffectedEnabled: cfg.RowsAffectedEnabled,
			ToolVersion:         cfg.ToolVersion,
		},
	)

	report, err := runner.Run(ctx, cl)
	if err != nil {
		return err
	}
	cfg.Log.Info("Migration report",
		"deployment_id", report.DeploymentID,
		"executed", report.Count(mongoMigration.OutcomeExecuted),
		"reran", report.Count(mongoMigration.OutcomeReran),
		"already_ran", report.Count(mongoMigration.OutcomeAlreadyRan),
	)
	return nil
}
