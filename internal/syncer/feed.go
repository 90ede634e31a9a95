package syncer

import (
	"context"
	"errors"
	"fmt"

	"calsync/internal/backend"
	"calsync/internal/clock"
	"calsync/internal/models"
	"calsync/internal/state"

	"github.com/sirupsen/logrus"
)

// ChangeFeedConsumer mirrors the incremental changes of an authoritative
// backend onto another backend, UID for UID.
type ChangeFeedConsumer struct {
	source  backend.Backend
	store   state.Store
	pairKey string
	clock   clock.Clock
	logger  logrus.FieldLogger
}

func NewChangeFeedConsumer(source backend.Backend, store state.Store, pairKey string, clk clock.Clock, logger logrus.FieldLogger) *ChangeFeedConsumer {
	return &ChangeFeedConsumer{
		source:  source,
		store:   store,
		pairKey: pairKey,
		clock:   clk,
		logger:  logger,
	}
}

// ConsumeAndApply drains the source's change feed from the stored cursor and
// applies every change to mirror. The cursor is saved only when the whole
// feed was consumed; any unexpected error aborts the pass and leaves it
// untouched so the next run starts over from the same point.
func (c *ChangeFeedConsumer) ConsumeAndApply(ctx context.Context, mirror backend.Backend) (Report, error) {
	var report Report

	st, err := c.store.Load(ctx, c.pairKey)
	if err != nil {
		return report, fmt.Errorf("failed to load sync state: %w", err)
	}
	startedAt := c.clock.Now()

	log := c.logger.WithFields(logrus.Fields{"source": c.source.Kind(), "backend": mirror.Kind()})
	if st.Cursor == "" {
		log.Info("No cursor stored, running a full resync.")
	}

	feed, err := c.source.FetchChanges(ctx, st.Cursor)
	if err != nil {
		return report, fmt.Errorf("failed to open change feed: %w", err)
	}

	for {
		event, ok, err := feed.Next(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to read change feed: %w", err)
		}
		if !ok {
			break
		}

		action, err := c.apply(ctx, mirror, event)
		if errors.Is(err, backend.ErrPermissionDenied) {
			log.WithFields(logrus.Fields{"uid": event.UID, "action": action}).
				Warnf("Permission denied, skipping event: %v", err)
			report.Skipped++
			continue
		}
		if err != nil {
			log.WithFields(logrus.Fields{"uid": event.UID, "action": action}).
				Errorf("Failed to apply change, aborting pass: %v", err)
			return report, Failure{UID: event.UID, Backend: mirror.Kind(), Action: action, Err: err}
		}
		report.count(action)
	}

	next := state.SyncState{Cursor: feed.Cursor(), LastSyncTime: startedAt}
	if err := c.store.Save(ctx, c.pairKey, next); err != nil {
		return report, fmt.Errorf("failed to save sync state: %w", err)
	}

	log.WithFields(logrus.Fields{
		"created": report.Created,
		"updated": report.Updated,
		"deleted": report.Deleted,
		"skipped": report.Skipped,
	}).Info("Change feed applied.")
	return report, nil
}

// apply performs the mirror write one change calls for and returns the op it
// attempted. An empty op means nothing needed to be written.
func (c *ChangeFeedConsumer) apply(ctx context.Context, mirror backend.Backend, event models.Event) (backend.Op, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}

	existing, err := mirror.LookupByUID(ctx, event.UID)
	found := err == nil
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return backend.OpLookup, err
	}

	log := c.logger.WithFields(logrus.Fields{"uid": event.UID, "backend": mirror.Kind()})
	switch {
	case event.Cancelled() && found:
		log.Debug("Deleting cancelled event.")
		return backend.OpDelete, mirror.Delete(ctx, event.UID)
	case event.Cancelled():
		log.Debug("Cancelled event not found on mirror, skipping.")
		return "", nil
	case found && existing.SameContent(event):
		log.Debug("Mirror already up to date.")
		return "", nil
	case found:
		log.Debug("Overwriting event.")
		return backend.OpUpdate, mirror.Update(ctx, event.UID, event)
	default:
		log.Debug("Creating event.")
		return backend.OpCreate, mirror.Create(ctx, event)
	}
}

func (r *Report) count(op backend.Op) {
	switch op {
	case backend.OpCreate:
		r.Created++
	case backend.OpUpdate:
		r.Updated++
	case backend.OpDelete:
		r.Deleted++
	default:
		r.Unchanged++
	}
}
