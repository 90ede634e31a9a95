package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"calsync/internal/backend"
	"calsync/internal/models"

	"github.com/sirupsen/logrus"
)

// Reconciler catches up the direction that has no change feed by diffing the
// full event windows of both sides. It only creates and updates; deletions
// travel exclusively through the change feed.
type Reconciler struct {
	logger logrus.FieldLogger
}

func NewReconciler(logger logrus.FieldLogger) *Reconciler {
	return &Reconciler{logger: logger}
}

// DiffAndApply copies every source event ending at or after since that is
// missing on target, or newer on source than on target. Equal Updated
// timestamps never trigger a write. Each UID is applied on its own: failures
// are logged and collected in the report, never returned. Only a failure to
// fetch either window aborts the stage.
func (r *Reconciler) DiffAndApply(ctx context.Context, source, target backend.Backend, since time.Time) (Report, error) {
	var report Report

	sourceEvents, err := source.FetchWindow(ctx, since)
	if err != nil {
		return report, fmt.Errorf("failed to fetch %s window: %w", source.Kind(), err)
	}
	targetEvents, err := target.FetchWindow(ctx, since)
	if err != nil {
		return report, fmt.Errorf("failed to fetch %s window: %w", target.Kind(), err)
	}

	sourceByUID := indexByUID(sourceEvents)
	targetByUID := indexByUID(targetEvents)

	uids := make([]string, 0, len(sourceByUID))
	for uid := range sourceByUID {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	r.logger.WithFields(logrus.Fields{
		"source": source.Kind(),
		"target": target.Kind(),
		"since":  since,
		"count":  len(uids),
	}).Info("Reconciling window.")

	for _, uid := range uids {
		src := sourceByUID[uid]
		if src.Cancelled() {
			report.Skipped++
			continue
		}

		tgt, found := targetByUID[uid]
		if !found {
			// The event may exist on target outside the window, e.g. when it
			// was moved forward on source.
			tgt, err = target.LookupByUID(ctx, uid)
			switch {
			case err == nil:
				found = true
			case !errors.Is(err, backend.ErrNotFound):
				r.fail(&report, uid, target.Kind(), backend.OpLookup, err)
				continue
			}
		}

		var op backend.Op
		switch {
		case !found:
			op, err = backend.OpCreate, target.Create(ctx, src)
		case src.Updated.After(tgt.Updated):
			op, err = backend.OpUpdate, target.Update(ctx, uid, src)
		default:
			report.Unchanged++
			continue
		}
		if err != nil {
			r.fail(&report, uid, target.Kind(), op, err)
			continue
		}
		r.logger.WithFields(logrus.Fields{"uid": uid, "backend": target.Kind(), "action": op}).Debug("Reconciled event.")
		report.count(op)
	}

	r.logger.WithFields(logrus.Fields{
		"created":   report.Created,
		"updated":   report.Updated,
		"unchanged": report.Unchanged,
		"failed":    len(report.Failures),
	}).Info("Window reconciled.")
	return report, nil
}

func (r *Reconciler) fail(report *Report, uid string, kind models.Kind, op backend.Op, err error) {
	r.logger.WithFields(logrus.Fields{
		"uid":     uid,
		"backend": kind,
		"action":  op,
	}).Errorf("Failed to reconcile event: %v", err)
	report.Failures = append(report.Failures, Failure{UID: uid, Backend: kind, Action: op, Err: err})
}

// indexByUID keys events by UID. When a backend returns several instances
// of one UID, the most recently updated wins.
func indexByUID(events []models.Event) map[string]models.Event {
	byUID := make(map[string]models.Event, len(events))
	for _, e := range events {
		if prev, ok := byUID[e.UID]; ok && !e.Updated.After(prev.Updated) {
			continue
		}
		byUID[e.UID] = e
	}
	return byUID
}
