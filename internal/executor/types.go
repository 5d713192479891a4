package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Action selects what a run does with the selected images and snapshots.
type Action string

const (
	// ActionList only reports.
	ActionList Action = "list"
	// ActionDelete reports, then deregisters images and deletes snapshots.
	ActionDelete Action = "delete"
)

// AllowedActions lists the valid actions in display order.
var AllowedActions = []Action{ActionList, ActionDelete}

var (
	// ErrInvalidAction is returned for actions other than list or delete.
	ErrInvalidAction = errors.New("invalid action")

	// ErrPartialFailure is returned in continue-on-failure mode when at
	// least one mutation failed.
	ErrPartialFailure = errors.New("partial failure")
)

// ParseAction validates s as an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w %q: action must be one of %v", ErrInvalidAction, s, AllowedActions)
	}
	return a, nil
}

// Valid reports whether a is list or delete.
func (a Action) Valid() bool {
	return a == ActionList || a == ActionDelete
}

// Mutator performs the irreversible provider calls.
type Mutator interface {
	DeregisterImage(ctx context.Context, imageID string) error
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

// Recorder receives one call per mutation attempt. Optional.
type Recorder interface {
	RecordMutation(ctx context.Context, kind string, status Status)
}

// Options tune the delete phase.
type Options struct {
	// ContinueOnFailure records mutation errors per item instead of
	// aborting on the first one.
	ContinueOnFailure bool

	// RateLimit caps mutations per second. 0 means unlimited.
	RateLimit float64
}

// Item kinds.
const (
	KindImage    = "image"
	KindSnapshot = "snapshot"
)

// Status is the outcome for one item.
type Status string

const (
	StatusListed  Status = "listed"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ItemResult is the outcome for one image or snapshot.
type ItemResult struct {
	Kind       string `json:"kind"`
	ID         string `json:"id"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// Result summarizes an execution. It is returned even when Execute fails,
// covering the items processed up to the failure.
type Result struct {
	Action       Action        `json:"action"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	Items        []ItemResult  `json:"items"`
	Images       int           `json:"images"`
	Snapshots    int           `json:"snapshots"`
	Deregistered int           `json:"deregistered"`
	Deleted      int           `json:"deleted"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
}

// Failures returns the failed items.
func (r *Result) Failures() []ItemResult {
	var failed []ItemResult
	for _, item := range r.Items {
		if item.Status == StatusFailed {
			failed = append(failed, item)
		}
	}
	return failed
}

// Problems returns the failed and skipped items in processing order.
func (r *Result) Problems() []ItemResult {
	var items []ItemResult
	for _, item := range r.Items {
		if item.Status == StatusFailed || item.Status == StatusSkipped {
			items = append(items, item)
		}
	}
	return items
}
