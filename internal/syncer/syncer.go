package syncer

import (
	"context"

	"calsync/internal/backend"
	"calsync/internal/clock"
	"calsync/internal/state"

	"github.com/sirupsen/logrus"
)

// Syncer orchestrates one synchronization cycle between an authoritative
// backend with a change feed and a mirror backend without one.
type Syncer struct {
	logger        logrus.FieldLogger
	authoritative backend.Backend
	mirror        backend.Backend
	feed          *ChangeFeedConsumer
	reconciler    *Reconciler
	window        WindowStart
	clock         clock.Clock
}

// NewSyncer creates a new Syncer. pairKey identifies the calendar pair in
// store.
func NewSyncer(logger logrus.FieldLogger, authoritative, mirror backend.Backend, store state.Store, pairKey string, window WindowStart, clk clock.Clock) *Syncer {
	if clk == nil {
		clk = clock.System{}
	}
	return &Syncer{
		logger:        logger,
		authoritative: authoritative,
		mirror:        mirror,
		feed:          NewChangeFeedConsumer(authoritative, store, pairKey, clk, logger.WithField("stage", "feed")),
		reconciler:    NewReconciler(logger.WithField("stage", "reconcile")),
		window:        window,
		clock:         clk,
	}
}

// RunCycle propagates the authoritative side's changes to the mirror, then
// reconciles the mirror's window back onto the authoritative side. The
// stages are independent: a failed feed pass does not stop reconciliation.
func (s *Syncer) RunCycle(ctx context.Context) CycleReport {
	s.logger.Info("Starting sync cycle.")
	var report CycleReport

	report.Feed, report.FeedErr = s.feed.ConsumeAndApply(ctx, s.mirror)
	if report.FeedErr != nil {
		s.logger.WithField("stage", "feed").Errorf("Change feed stage failed: %v", report.FeedErr)
	}

	since := s.window(s.clock.Now())
	report.Reconcile, report.ReconcileErr = s.reconciler.DiffAndApply(ctx, s.mirror, s.authoritative, since)
	if report.ReconcileErr != nil {
		s.logger.WithField("stage", "reconcile").Errorf("Reconcile stage failed: %v", report.ReconcileErr)
	}

	s.logger.Info("Sync cycle finished.")
	return report
}

// Sync runs one cycle and returns the joined stage errors.
func (s *Syncer) Sync(ctx context.Context) error {
	return s.RunCycle(ctx).Err()
}
