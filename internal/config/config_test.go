package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	app, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	require.NoError(t, err)
	assert.Equal(t, "now", app.Sync.Window)
	assert.Equal(t, "file", app.State.Driver)
	assert.Equal(t, 4, app.Retry.Attempts)
	assert.Equal(t, 30*time.Second, app.Retry.Timeout)
	assert.Equal(t, "https://caldav.icloud.com/", app.CalDAV.Endpoint)
	assert.Equal(t, "UTC", app.Timezone)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
sync:
  source: primary
  target: Work
  window: -24h
state:
  driver: sqlite
  path: /var/lib/calsync/state.db
retry:
  attempts: 6
  timeout: 10s
log:
  level: debug
`)
	t.Setenv("CALSYNC_SYNC_TARGET", "/calendars/alice/work/")
	t.Setenv("CALSYNC_RETRY_RATE", "2.5")

	app, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "primary", app.Sync.Source)
	assert.Equal(t, "/calendars/alice/work/", app.Sync.Target)
	assert.Equal(t, "-24h", app.Sync.Window)
	assert.Equal(t, "sqlite", app.State.Driver)
	assert.Equal(t, 6, app.Retry.Attempts)
	assert.Equal(t, 10*time.Second, app.Retry.Timeout)
	assert.Equal(t, 500*time.Millisecond, app.Retry.Initial)
	assert.Equal(t, 2.5, app.Retry.Rate)
	assert.Equal(t, "debug", app.Log.Level)
	require.NoError(t, app.Validate())
}

func TestLoad_LegacyEnv(t *testing.T) {
	t.Setenv("ICLOUD_CALENDAR_NAME", "Family")
	t.Setenv("PRIMARY_TIMEZONE", "Europe/Berlin")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("CALSYNC_LOG_LEVEL", "error")

	app, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "Family", app.Sync.Target)
	assert.Equal(t, "error", app.Log.Level)
	loc, err := app.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoad_LegacyCalendarIDList(t *testing.T) {
	t.Setenv("GOOGLE_CALENDAR_IDS", " primary , team@group.calendar.google.com")

	app, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "primary", app.Sync.Source)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "sync: [unterminated")

	_, err := Load(path)

	assert.Error(t, err)
}

func TestApplication_Validate(t *testing.T) {
	valid := defaults()
	valid.Sync.Source = "primary"
	valid.Sync.Target = "Work"

	testCases := []struct {
		name    string
		mutate  func(*Application)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Application) {}},
		{name: "no source", mutate: func(a *Application) { a.Sync.Source = "" }, wantErr: true},
		{name: "no target", mutate: func(a *Application) { a.Sync.Target = "" }, wantErr: true},
		{name: "zero attempts", mutate: func(a *Application) { a.Retry.Attempts = 0 }, wantErr: true},
		{name: "unknown driver", mutate: func(a *Application) { a.State.Driver = "redis" }, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			app := valid
			tc.mutate(&app)
			err := app.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
