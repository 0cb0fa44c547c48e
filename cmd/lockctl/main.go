package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mongomigrate/internal/changelog"
	"mongomigrate/internal/command"
	"mongomigrate/internal/events"
	"mongomigrate/internal/lockservice"
	"mongomigrate/internal/lockstatus"
	"mongomigrate/pkg/app"
	"mongomigrate/pkg/config"
	mongostore "mongomigrate/pkg/db/mongo"
)

const ServiceName = "lockctl"

// env is what every subcommand works against once setup has connected.
type env struct {
	cfg       *config.Config
	db        mongostore.Database
	locks     lockservice.Service
	changelog changelog.Repository
	publisher events.Publisher
	holder    string
	close     func()
}

type setupFunc func(holderFlag string) (*env, error)

func main() {
	if err := newRootCmd(connect).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func connect(holderFlag string) (*env, error) {
	cfg := config.Load(ServiceName)
	cfg.SetMongo()

	publisher, err := events.NewFromConfig(cfg.Kafka, cfg.EventsTopic, ServiceName, cfg.Log)
	if err != nil {
		cfg.GracefulShutdown()
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	db := cfg.Database()
	holder := holderFlag
	if holder == "" {
		holder = lockservice.ResolveHolder(cfg.LockHolder, cfg.LockHostDescription)
	}
	return &env{
		cfg:       cfg,
		db:        db,
		locks:     lockservice.NewService(db, cfg.LockCollectionName, cfg.Log),
		changelog: changelog.NewRepository(command.NewExecutor(db, cfg.Log), cfg.ChangeLogCollectionName),
		publisher: publisher,
		holder:    holder,
		close: func() {
			_ = publisher.Close()
			cfg.GracefulShutdown()
		},
	}, nil
}

func newRootCmd(setup setupFunc) *cobra.Command {
	var (
		holder string
		e      *env
	)

	root := &cobra.Command{
		Use:   "lockctl",
		Short: "Inspect and manage the migration lock",
		Long: `lockctl operates on the lock document that serializes migration runs
against one MongoDB database. It can show who holds the lock, take or release
it for maintenance, force release a lock left behind by a crashed run, and
serve the same operations over HTTP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			e, err = setup(holder)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e != nil && e.close != nil {
				e.close()
			}
		},
	}
	root.PersistentFlags().StringVar(&holder, "holder", "", "Lock holder identity (defaults to LOCK_HOLDER or hostname#description (ip))")

	envFn := func() *env { return e }
	root.AddCommand(
		newStatusCmd(envFn),
		newAcquireCmd(envFn),
		newReleaseCmd(envFn),
		newForceReleaseCmd(envFn),
		newServeCmd(envFn),
	)
	return root
}

func newStatusCmd(e func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current lock holder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := e().locks.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), lockservice.String(lock))
			return nil
		},
	}
}

func newAcquireCmd(e func() *env) *cobra.Command {
	var (
		wait     time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Take the lock, optionally waiting for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := e()
			if wait > 0 {
				if err := env.locks.WaitForLock(cmd.Context(), env.holder, wait, interval); err != nil {
					return err
				}
			} else {
				acquired, err := env.locks.Acquire(cmd.Context(), env.holder)
				if err != nil {
					return err
				}
				if !acquired {
					lock, _ := env.locks.Status(cmd.Context())
					return fmt.Errorf("lock not acquired: %s", lockservice.String(lock))
				}
			}
			publish(cmd.Context(), env, events.LockAcquired)
			fmt.Fprintf(cmd.OutOrStdout(), "lock acquired by %s\n", env.holder)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "How long to wait for a busy lock (0 fails immediately)")
	cmd.Flags().DurationVar(&interval, "interval", config.DefaultLockPollInterval, "Poll interval while waiting")
	return cmd
}

func newReleaseCmd(e func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Release the lock held by this holder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := e()
			released, err := env.locks.Release(cmd.Context(), env.holder)
			if err != nil {
				return err
			}
			if !released {
				return fmt.Errorf("lock is not held by %s", env.holder)
			}
			publish(cmd.Context(), env, events.LockReleased)
			fmt.Fprintf(cmd.OutOrStdout(), "lock released by %s\n", env.holder)
			return nil
		},
	}
}

func newForceReleaseCmd(e func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "force-release",
		Short: "Release the lock whoever holds it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := e()
			previous, err := env.locks.ForceRelease(cmd.Context())
			if err != nil {
				return err
			}
			if previous == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "lock was not held")
				return nil
			}
			events.PublishBestEffort(cmd.Context(), env.publisher, env.cfg.Log, events.Event{
				Type:       events.LockForceReleased,
				Database:   env.db.Name(),
				Holder:     previous,
				OccurredAt: time.Now().UTC(),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "lock force released, previous holder: %s\n", previous)
			return nil
		},
	}
}

func newServeCmd(e func() *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve health, lock and changelog endpoints over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := e()
			handler := lockstatus.NewHandler(env.db, env.locks, env.changelog, env.publisher, env.cfg.Log)
			return app.NewApplication(env.cfg, handler).Run(cmd.Context())
		},
	}
}

func publish(ctx context.Context, env *env, t events.Type) {
	events.PublishBestEffort(ctx, env.publisher, env.cfg.Log, events.Event{
		Type:       t,
		Database:   env.db.Name(),
		Holder:     env.holder,
		OccurredAt: time.Now().UTC(),
	})
}
