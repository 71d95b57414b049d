// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrTaskRunning indicates an execution was requested for a task that is
// already being executed. At most one execution per task id may run at a time.
var ErrTaskRunning = errors.New("task already running")

// ErrDependenciesNotMet indicates a task cannot execute because one or more
// of its dependency tasks has not completed.
var ErrDependenciesNotMet = errors.New("dependencies not met")
