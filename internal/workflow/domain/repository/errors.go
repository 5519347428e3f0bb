package repository

import "errors"

var (
	// ErrNotFound is returned when a definition or execution row is absent.
	ErrNotFound = errors.New("workflow not found")

	// ErrDuplicateID is returned when a definition with the same
	// workflow_id is already stored.
	ErrDuplicateID = errors.New("workflow with this id already exists")
)
