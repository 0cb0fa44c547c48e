package changelog

import "errors"

var (
	// ErrNotFound is returned when no changelog record matches a changeset key
	ErrNotFound = errors.New("changelog record not found")
)
