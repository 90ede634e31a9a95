package syncer

import (
	"errors"
	"fmt"

	"calsync/internal/backend"
	"calsync/internal/models"
)

// Failure records one action that could not be applied.
type Failure struct {
	UID     string
	Backend models.Kind
	Action  backend.Op
	Err     error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s on %s: %v", f.Action, f.UID, f.Backend, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Report summarizes what a stage did.
type Report struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Skipped   int
	Failures  []Failure
}

// Applied returns the number of writes that succeeded.
func (r Report) Applied() int {
	return r.Created + r.Updated + r.Deleted
}

// Err joins all recorded failures, or returns nil when there are none.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// CycleReport is the outcome of one sync cycle. A stage error means the stage
// was aborted; per-event failures are kept in the stage report.
type CycleReport struct {
	Feed         Report
	FeedErr      error
	Reconcile    Report
	ReconcileErr error
}

// Err joins both stage errors and the reconcile stage's per-event failures.
func (c CycleReport) Err() error {
	var errs []error
	if c.FeedErr != nil {
		errs = append(errs, fmt.Errorf("change feed: %w", c.FeedErr))
	}
	if c.ReconcileErr != nil {
		errs = append(errs, fmt.Errorf("reconcile: %w", c.ReconcileErr))
	}
	if err := c.Reconcile.Err(); err != nil {
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}
	return errors.Join(errs...)
}
