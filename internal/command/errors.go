package command

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	apperrors "mongomigrate/pkg/errors"
)

// CommandError reports a reply classified as failed: ok != 1 or a non-empty
// writeErrors list. The full reply is kept for diagnosis.
type CommandError struct {
	Command  string
	Kind     Kind
	Response bson.Raw
	Partial  []WriteError
}

const codeNamespaceExists = 48

// ServerCode returns the top-level error code of the reply, or 0.
func (e *CommandError) ServerCode() int64 {
	return decodeNumber(e.Response, "code").count()
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed. The full response is %s", e.Kind, e.Response.String())
}

// AppError converts the failure into the shared taxonomy, with the reply as
// extended JSON in the details.
func (e *CommandError) AppError() *apperrors.AppError {
	return apperrors.Wrap(e, apperrors.CodeCommandFailed, fmt.Sprintf("command %s failed", e.Kind)).
		WithDetails(map[string]any{
			"command":  e.Command,
			"response": e.Response.String(),
		})
}

// IsCommandFailure reports whether err is, or wraps, a classified command failure.
func IsCommandFailure(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}

// AsCommandError extracts the classified failure from err, if any.
func AsCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}
