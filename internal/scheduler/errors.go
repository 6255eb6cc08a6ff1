package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGraph is the sentinel wrapped by every GraphError.
	ErrInvalidGraph = errors.New("invalid task graph")
	// ErrCycle is the sentinel wrapped by CyclicDependencyError.
	ErrCycle = errors.New("cyclic dependency")
	// ErrSelection is the sentinel wrapped by SelectionError.
	ErrSelection = errors.New("invalid selection")
)

// GraphErrorKind classifies a GraphError.
type GraphErrorKind string

const (
	KindInvalidTask       GraphErrorKind = "invalid_task"
	KindDuplicateTask     GraphErrorKind = "duplicate_task"
	KindDuplicateTarget   GraphErrorKind = "duplicate_target"
	KindMissingDependency GraphErrorKind = "missing_dependency"
	KindMissingSetup      GraphErrorKind = "missing_setup"
	KindInvalidPattern    GraphErrorKind = "invalid_pattern"
	KindDelayed           GraphErrorKind = "delayed_task"
)

// GraphError reports a malformed task set.
type GraphError struct {
	Kind GraphErrorKind
	Msg  string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *GraphError) Unwrap() error {
	return ErrInvalidGraph
}

func graphErrorf(kind GraphErrorKind, format string, args ...any) *GraphError {
	return &GraphError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// CyclicDependencyError names every task on a dependency cycle, with the
// first task repeated at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error {
	return ErrCycle
}

// SelectionError reports a selector that matches no task, target or pattern.
type SelectionError struct {
	Selector string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("%q does not match any task, target or pattern", e.Selector)
}

func (e *SelectionError) Unwrap() error {
	return ErrSelection
}
