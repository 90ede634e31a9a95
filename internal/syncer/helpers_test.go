package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"calsync/internal/models"
	"calsync/internal/state"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const pairKey = "google:primary|caldav:Work"

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func testLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newEvent(uid, summary string, start time.Time, updated time.Time) models.Event {
	return models.Event{
		UID:          uid,
		Summary:      summary,
		Start:        start,
		End:          start.Add(time.Hour),
		Status:       models.StatusConfirmed,
		Transparency: models.TransparencyOpaque,
		Created:      updated,
		Updated:      updated,
	}
}

func newStore(t *testing.T) state.Store {
	return state.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
}

func loadState(t *testing.T, s state.Store) state.SyncState {
	t.Helper()
	st, err := s.Load(context.Background(), pairKey)
	require.NoError(t, err)
	return st
}
