package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
)

const envPrefix = "CALSYNC_"

type Application struct {
	Sync     Sync   `koanf:"sync"`
	Google   Google `koanf:"google"`
	CalDAV   CalDAV `koanf:"caldav"`
	State    State  `koanf:"state"`
	Retry    Retry  `koanf:"retry"`
	Log      Log    `koanf:"log"`
	Timezone string `koanf:"timezone"`
}

type Sync struct {
	// Source is the id of the authoritative Google calendar.
	Source string `koanf:"source"`
	// Target is the display name or collection path of the CalDAV calendar.
	Target string `koanf:"target"`
	// Window is "now", a signed duration relative to now or an RFC 3339 instant.
	Window string `koanf:"window"`
}

type Google struct {
	ClientId     string `koanf:"clientid"`
	ClientSecret string `koanf:"clientsecret"`
	Account      string `koanf:"account"`
	TokenDir     string `koanf:"tokendir"`
}

type CalDAV struct {
	Endpoint string `koanf:"endpoint"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

type State struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

type Retry struct {
	Attempts int           `koanf:"attempts"`
	Initial  time.Duration `koanf:"initial"`
	Max      time.Duration `koanf:"max"`
	Timeout  time.Duration `koanf:"timeout"`
	Rate     float64       `koanf:"rate"`
	Burst    int           `koanf:"burst"`
}

type Log struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSize    int    `koanf:"maxsize"`
	MaxBackups int    `koanf:"maxbackups"`
}

// legacyEnv maps the variables of earlier .env files onto config keys.
var legacyEnv = map[string]string{
	"GOOGLE_CLIENT_ID":             "google.clientid",
	"GOOGLE_CLIENT_SECRET":         "google.clientsecret",
	"GOOGLE_CALENDAR_ID":           "sync.source",
	"GOOGLE_CALENDAR_IDS":          "sync.source",
	"ICLOUD_USERNAME":              "caldav.username",
	"ICLOUD_APP_SPECIFIC_PASSWORD": "caldav.password",
	"ICLOUD_CALENDAR_NAME":         "sync.target",
	"PRIMARY_TIMEZONE":             "timezone",
	"LOG_LEVEL":                    "log.level",
}

func defaults() Application {
	return Application{
		Sync: Sync{
			Window: "now",
		},
		Google: Google{
			Account:  "default",
			TokenDir: ".",
		},
		CalDAV: CalDAV{
			Endpoint: "https://caldav.icloud.com/",
		},
		State: State{
			Driver: "file",
			Path:   "calsync-state.json",
		},
		Retry: Retry{
			Attempts: 4,
			Initial:  500 * time.Millisecond,
			Max:      10 * time.Second,
			Timeout:  30 * time.Second,
			Burst:    1,
		},
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
		},
		Timezone: "UTC",
	}
}

// Load reads the configuration from defaults, the YAML file at path and the
// environment, later sources overriding earlier ones. CALSYNC_ variables win
// over the legacy names.
func Load(path string) (Application, error) {
	var k = koanf.New(".")

	err := k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err != nil {
		log.Errorf("error loading config from structs: %v", err)
		return Application{}, err
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if os.IsNotExist(err) {
				log.Infof("Config file not found at %s, using defaults and environment variables", path)
			} else {
				log.Errorf("error loading config from YAML: %v", err)
				return Application{}, err
			}
		} else {
			log.Infof("Loaded configuration from file: %s", path)
		}
	}

	err = k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(k, v string) (string, any) {
			if v == "" {
				return "", nil
			}
			if k == "GOOGLE_CALENDAR_IDS" {
				v = firstCalendarID(v)
			}
			return legacyEnv[k], v
		},
	}), nil)
	if err != nil {
		log.Errorf("error loading config from legacy envs: %v", err)
		return Application{}, err
	}

	err = k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(k, v string) (string, any) {
			k = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(k, envPrefix)), "_", ".")
			return k, v
		},
	}), nil)
	if err != nil {
		log.Errorf("error loading config from envs: %v", err)
		return Application{}, err
	}

	var app Application
	if err := k.Unmarshal("", &app); err != nil {
		return Application{}, err
	}
	return app, nil
}

// firstCalendarID picks the first id of a comma-separated calendar list. Only
// one calendar pair is synced per config.
func firstCalendarID(ids string) string {
	parts := strings.Split(ids, ",")
	if len(parts) > 1 {
		log.Warnf("GOOGLE_CALENDAR_IDS lists %d calendars, syncing only the first", len(parts))
	}
	return strings.TrimSpace(parts[0])
}

// Location resolves the configured time zone.
func (a Application) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", a.Timezone, err)
	}
	return loc, nil
}

// Validate checks the settings the sync command cannot run without.
func (a Application) Validate() error {
	if a.Sync.Source == "" {
		return fmt.Errorf("sync.source is not set")
	}
	if a.Sync.Target == "" {
		return fmt.Errorf("sync.target is not set")
	}
	if a.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", a.Retry.Attempts)
	}
	switch a.State.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown state driver '%s'", a.State.Driver)
	}
	return nil
}
