package backend

import (
	"context"
	"time"

	"calsync/internal/models"

	"github.com/sirupsen/logrus"
)

// DryRun passes reads through to the wrapped Backend and only logs writes.
type DryRun struct {
	next   Backend
	logger logrus.FieldLogger
}

func NewDryRun(next Backend, logger logrus.FieldLogger) *DryRun {
	return &DryRun{next: next, logger: logger.WithField("backend", next.Kind())}
}

func (d *DryRun) Kind() models.Kind {
	return d.next.Kind()
}

func (d *DryRun) FetchChanges(ctx context.Context, cursor string) (ChangeFeed, error) {
	return d.next.FetchChanges(ctx, cursor)
}

func (d *DryRun) FetchWindow(ctx context.Context, since time.Time) ([]models.Event, error) {
	return d.next.FetchWindow(ctx, since)
}

func (d *DryRun) LookupByUID(ctx context.Context, uid string) (models.Event, error) {
	return d.next.LookupByUID(ctx, uid)
}

func (d *DryRun) Create(_ context.Context, event models.Event) error {
	d.log(OpCreate, event.UID, event.Summary)
	return nil
}

func (d *DryRun) Update(_ context.Context, uid string, event models.Event) error {
	d.log(OpUpdate, uid, event.Summary)
	return nil
}

func (d *DryRun) Delete(_ context.Context, uid string) error {
	d.log(OpDelete, uid, "")
	return nil
}

func (d *DryRun) log(op Op, uid, summary string) {
	d.logger.WithFields(logrus.Fields{
		"action":  op,
		"uid":     uid,
		"summary": summary,
	}).Info("[DRY RUN] Skipping backend write")
}
