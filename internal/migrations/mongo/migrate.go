package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mongomigrate/internal/changelog"
	"mongomigrate/internal/command"
	"mongomigrate/internal/events"
	"mongomigrate/internal/lockservice"
	"mongomigrate/internal/migrations/mongo/validators"
	"mongomigrate/internal/rowsaffected"
	apperrors "mongomigrate/pkg/errors"
	"mongomigrate/pkg/logger"
	"mongomigrate/pkg/model"
)

type Options struct {
	Holder              string
	LockWaitTimeout     time.Duration
	LockPollInterval    time.Duration
	Contexts            []string
	RowsAffectedEnabled bool
	ToolVersion         string
}

// Outcome of one changeset within a run.
type Outcome string

const (
	OutcomeExecuted       Outcome = "executed"
	OutcomeReran          Outcome = "reran"
	OutcomeAlreadyRan     Outcome = "already_ran"
	OutcomeContextSkipped Outcome = "context_skipped"
)

type ChangeSetResult struct {
	Key          string
	Outcome      Outcome
	RowsAffected int64
	Duration     time.Duration
}

type Report struct {
	DeploymentID string
	Results      []ChangeSetResult
}

// Count returns how many changesets ended with outcome.
func (r *Report) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Runner applies a changelog while holding the migration lock.
type Runner struct {
	exec      *command.Executor
	locks     lockservice.Service
	changelog changelog.Repository
	publisher events.Publisher
	log       *logger.Logger
	opts      Options

	newDeploymentID func() string
	now             func() time.Time
}

func NewRunner(
	exec *command.Executor,
	locks lockservice.Service,
	repo changelog.Repository,
	publisher events.Publisher,
	log *logger.Logger,
	opts Options,
) *Runner {
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Runner{
		exec:            exec,
		locks:           locks,
		changelog:       repo,
		publisher:       publisher,
		log:             log,
		opts:            opts,
		newDeploymentID: uuid.NewString,
		now:             time.Now,
	}
}

// Run applies every pending changeset of cl in order. It stops at the first
// failing changeset; changesets applied before it stay recorded.
func (r *Runner) Run(ctx context.Context, cl *ChangeLog) (report *Report, err error) {
	report = &Report{DeploymentID: r.newDeploymentID()}
	log := r.log.WithRun(report.DeploymentID, r.opts.Holder)
	database := r.exec.Database().Name()

	log.Info("Running migrations", "database", database, "changelog", cl.FileName, "changesets", len(cl.ChangeSets))

	if _, err := r.exec.EnsureCollection(ctx, r.locks.CollectionName(), validators.CollectionOptions(validators.LockValidator)); err != nil {
		return report, fmt.Errorf("failed to ensure lock collection: %w", err)
	}

	if err := r.locks.WaitForLock(ctx, r.opts.Holder, r.opts.LockWaitTimeout, r.opts.LockPollInterval); err != nil {
		return report, err
	}
	r.publish(ctx, log, events.Event{Type: events.LockAcquired, Database: database, DeploymentID: report.DeploymentID, Holder: r.opts.Holder})

	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		released, relErr := r.locks.Release(releaseCtx, r.opts.Holder)
		if relErr != nil {
			log.Error("Failed to release lock", "error", relErr)
			if err == nil {
				err = relErr
			}
			return
		}
		if released {
			r.publish(releaseCtx, log, events.Event{Type: events.LockReleased, Database: database, DeploymentID: report.DeploymentID, Holder: r.opts.Holder})
		}
	}()

	if err := r.changelog.EnsureCollection(ctx); err != nil {
		return report, fmt.Errorf("failed to ensure changelog collection: %w", err)
	}

	ranList, err := r.changelog.List(ctx)
	if err != nil {
		return report, err
	}
	ran := make(map[string]*model.RanChangeSet, len(ranList))
	for _, rec := range ranList {
		ran[rec.Key()] = rec
	}

	scope := rowsaffected.NewScope()
	scope.SetEnabled(r.opts.RowsAffectedEnabled)
	ctx = rowsaffected.WithScope(ctx, scope)

	for _, cs := range cl.ChangeSets {
		res, err := r.runChangeSet(ctx, log, report.DeploymentID, cs, ran[cs.Key()], scope)
		if err != nil {
			r.publish(ctx, log, events.Event{
				Type:         events.ChangeSetFailed,
				Database:     database,
				DeploymentID: report.DeploymentID,
				Holder:       r.opts.Holder,
				ChangeSet:    cs.Key(),
				Error:        err.Error(),
			})
			return report, err
		}
		report.Results = append(report.Results, res)
	}

	log.Info("All migrations applied successfully",
		"executed", report.Count(OutcomeExecuted),
		"reran", report.Count(OutcomeReran),
		"already_ran", report.Count(OutcomeAlreadyRan),
		"context_skipped", report.Count(OutcomeContextSkipped),
	)
	r.publish(ctx, log, events.Event{Type: events.RunCompleted, Database: database, DeploymentID: report.DeploymentID, Holder: r.opts.Holder})
	return report, nil
}

func (r *Runner) runChangeSet(
	ctx context.Context,
	log *logger.Logger,
	deploymentID string,
	cs *ChangeSet,
	previous *model.RanChangeSet,
	scope *rowsaffected.Scope,
) (ChangeSetResult, error) {
	res := ChangeSetResult{Key: cs.Key()}

	if !cs.MatchesContexts(r.opts.Contexts) {
		log.Debug("Changeset skipped by context", "changeset", cs.Key(), "contexts", cs.Context)
		res.Outcome = OutcomeContextSkipped
		return res, nil
	}

	execType := model.ExecTypeExecuted
	if previous != nil {
		stored := model.StringValue(previous.CheckSum)
		changed := stored != "" && stored != cs.CheckSum()
		switch {
		case changed && !cs.RunOnChange && !cs.RunAlways:
			return res, apperrors.ChecksumMismatch(cs.Key(), stored, cs.CheckSum())
		case !changed && !cs.RunAlways:
			res.Outcome = OutcomeAlreadyRan
			return res, nil
		}
		execType = model.ExecTypeReran
	}

	start := r.now()
	scope.Reset()
	for _, st := range cs.Statements() {
		if err := st.Apply(ctx, r.exec); err != nil {
			return res, fmt.Errorf("changeset %s: %s: %w", cs.Key(), st.Name(), err)
		}
		log.Debug(st.Describe(), "changeset", cs.Key())
	}
	res.RowsAffected = scope.Count()
	res.Duration = r.now().Sub(start)

	executedAt := start.UTC().Truncate(time.Millisecond)
	rec := &model.RanChangeSet{
		ChangeSetID:  cs.ID,
		Author:       cs.Author,
		FileName:     cs.FileName(),
		CheckSum:     model.StringPtr(cs.CheckSum()),
		DateExecuted: &executedAt,
		ExecType:     execType,
		Description:  model.StringPtr(cs.Description()),
		Comments:     model.StringPtr(cs.Comment),
		Contexts:     model.StringPtr(cs.Context),
		Labels:       model.StringPtr(cs.Labels),
		DeploymentID: model.StringPtr(deploymentID),
		ToolVersion:  model.StringPtr(r.opts.ToolVersion),
	}

	var err error
	if execType == model.ExecTypeReran {
		err = r.changelog.Rerun(ctx, rec)
		res.Outcome = OutcomeReran
	} else {
		err = r.changelog.Append(ctx, rec)
		res.Outcome = OutcomeExecuted
	}
	if err != nil {
		return res, fmt.Errorf("changeset %s applied but not recorded: %w", cs.Key(), err)
	}

	log.Info("Changeset applied",
		"changeset", cs.Key(),
		"exec_type", string(execType),
		"rows_affected", res.RowsAffected,
		"duration", res.Duration,
	)
	r.publish(ctx, log, events.Event{
		Type:         events.ChangeSetExecuted,
		Database:     r.exec.Database().Name(),
		DeploymentID: deploymentID,
		Holder:       r.opts.Holder,
		ChangeSet:    cs.Key(),
		ExecType:     string(execType),
		RowsAffected: res.RowsAffected,
	})
	return res, nil
}

func (r *Runner) publish(ctx context.Context, log *logger.Logger, event events.Event) {
	event.OccurredAt = r.now().UTC()
	events.PublishBestEffort(ctx, r.publisher, log, event)
}
