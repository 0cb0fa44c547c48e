package command

import (
	"context"

	"mongomigrate/internal/rowsaffected"
	mongostore "mongomigrate/pkg/db/mongo"
	apperrors "mongomigrate/pkg/errors"
	"mongomigrate/pkg/logger"
)

// Executor sends administrative commands and interprets their replies.
// It never retries: one call is one round trip.
type Executor struct {
	db  mongostore.Database
	log *logger.Logger
}

func NewExecutor(db mongostore.Database, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Executor{db: db, log: log}
}

// Database exposes the handle commands are sent to.
func (e *Executor) Database() mongostore.Database {
	return e.db
}

// Run sends cmd and returns the decoded reply without judging it. Errors are
// transport or protocol failures only.
func (e *Executor) Run(ctx context.Context, cmd Command) (*Result, error) {
	raw, err := e.db.RunCommand(ctx, cmd.Document())
	if err != nil {
		return nil, apperrors.Transport(string(cmd.Kind()), err)
	}

	res, err := Decode(cmd.Kind(), raw)
	if err != nil {
		return nil, apperrors.Transport(string(cmd.Kind()), err)
	}
	return res, nil
}

// Execute runs cmd, fails with a *CommandError when the reply is classified as
// failed, and otherwise adds the affected count to the run scope carried by ctx.
func (e *Executor) Execute(ctx context.Context, cmd Command) error {
	res, err := e.Run(ctx, cmd)
	if err != nil {
		return err
	}

	if !res.Succeeded() {
		e.log.Error("Command failed",
			"command", string(cmd.Kind()),
			"write_errors", len(res.PartialErrors),
			"response", res.Raw.String(),
		)
		return &CommandError{
			Command:  cmd.String(),
			Kind:     cmd.Kind(),
			Response: res.Raw,
			Partial:  res.PartialErrors,
		}
	}

	rowsaffected.FromContext(ctx).Add(res.AffectedCount)
	e.log.Debug("Command executed",
		"command", string(cmd.Kind()),
		"affected", res.AffectedCount,
	)
	return nil
}
