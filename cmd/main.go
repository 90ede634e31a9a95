package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"calsync/internal/backend"
	"calsync/internal/caldav"
	"calsync/internal/clock"
	"calsync/internal/config"
	"calsync/internal/google"
	"calsync/internal/logging"
	"calsync/internal/state"
	"calsync/internal/syncer"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calsync",
		Usage: "Keep a Google calendar and a CalDAV calendar in sync.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "calsync.yaml", Usage: "Path to the YAML config file."},
		},
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			syncCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("Application failed")
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Application, *logrus.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Application{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return config.Application{}, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, logger, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "Name to store the token under. Prompted for when empty."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")
			if accounts, err := google.GetTokenAccounts(cfg.Google.TokenDir); err == nil && len(accounts) > 0 {
				logger.WithField("accounts", accounts).Info("Found existing tokens.")
			}

			oauthConfig, err := google.OAuthConfig(cfg.Google.ClientId, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			accountName := c.String("account")
			if accountName == "" {
				fmt.Printf("Enter a name for this account (default %q): ", cfg.Google.Account)
				accountName, _ = reader.ReadString('\n')
				accountName = strings.TrimSpace(accountName)
			}
			if accountName == "" {
				accountName = cfg.Google.Account
			}

			tokenFile := google.TokenPath(cfg.Google.TokenDir, accountName)
			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.WithField("file", tokenFile).Info("Successfully authenticated and saved token.")
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the Google calendars of every authenticated account.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			oauthConfig, err := google.OAuthConfig(cfg.Google.ClientId, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}
			accounts, err := google.GetTokenAccounts(cfg.Google.TokenDir)
			if err != nil {
				return fmt.Errorf("failed to get token accounts: %w", err)
			}
			if len(accounts) == 0 {
				return fmt.Errorf("no Google accounts found in %s. Please run 'calsync auth' first", cfg.Google.TokenDir)
			}

			for _, account := range accounts {
				gClient, err := google.NewClient(c.Context, logger, google.FileCredentials{
					Config:  oauthConfig,
					Dir:     cfg.Google.TokenDir,
					Account: account,
				}, "", nil)
				if err != nil {
					logger.WithError(err).WithField("account", account).Error("Failed to create google client")
					continue
				}
				calendars, err := gClient.DiscoverCalendars(c.Context)
				if err != nil {
					logger.WithError(err).WithField("account", account).Error("Failed to discover calendars")
					continue
				}
				fmt.Printf("%s:\n", account)
				for _, cal := range calendars {
					marker := ""
					if cal.Primary {
						marker = " (primary)"
					}
					fmt.Printf("  %s\t%s%s\n", cal.ID, cal.Summary, marker)
				}
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds. Overrides --once."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			s, closeStore, err := newSyncer(ctx, cfg, logger, c.Bool("dry-run"))
			if err != nil {
				return err
			}
			defer closeStore()

			// --watch flag takes precedence
			if c.IsSet("watch") {
				interval := time.Duration(c.Int("watch")) * time.Second
				if interval <= 0 {
					return fmt.Errorf("--watch must be a positive number of seconds")
				}
				return watch(ctx, logger, s, interval)
			}

			// --once is the default behavior if --watch is not set
			logger.Info("Running a single sync cycle.")
			report := s.RunCycle(ctx)
			logReport(logger, report)
			if err := report.Err(); err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			return nil
		},
	}
}

// watch runs one cycle per tick until ctx is cancelled. Cycles never overlap.
func watch(ctx context.Context, logger logrus.FieldLogger, s *syncer.Syncer, interval time.Duration) error {
	logger.WithField("interval", interval).Info("Starting watcher.")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report := s.RunCycle(ctx)
		logReport(logger, report)
		if err := report.Err(); err != nil {
			logger.WithError(err).Error("Sync cycle failed")
		}

		select {
		case <-ctx.Done():
			logger.Info("Stopping watcher.")
			return nil
		case <-ticker.C:
		}
	}
}

func newSyncer(ctx context.Context, cfg config.Application, logger *logrus.Logger, dryRun bool) (*syncer.Syncer, func(), error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	window, err := syncer.ParseWindowStart(cfg.Sync.Window)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sync.window: %w", err)
	}

	oauthConfig, err := google.OAuthConfig(cfg.Google.ClientId, cfg.Google.ClientSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get google oauth config: %w", err)
	}
	gClient, err := google.NewClient(ctx, logger, google.FileCredentials{
		Config:  oauthConfig,
		Dir:     cfg.Google.TokenDir,
		Account: cfg.Google.Account,
	}, cfg.Sync.Source, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create google client for account %s: %w", cfg.Google.Account, err)
	}

	dClient, err := caldav.NewClient(ctx, logger, caldav.Options{
		Endpoint: cfg.CalDAV.Endpoint,
		Username: cfg.CalDAV.Username,
		Password: cfg.CalDAV.Password,
		Calendar: cfg.Sync.Target,
		Location: loc,
	}, clock.System{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	store, err := state.Open(cfg.State.Driver, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}
	if dryRun {
		store = state.ReadOnly(store)
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close state store")
		}
	}

	policy := backend.RetryPolicy{
		MaxAttempts:     cfg.Retry.Attempts,
		InitialInterval: cfg.Retry.Initial,
		MaxInterval:     cfg.Retry.Max,
		RequestTimeout:  cfg.Retry.Timeout,
		RatePerSecond:   cfg.Retry.Rate,
		Burst:           cfg.Retry.Burst,
	}
	authoritative := wrap(gClient, policy, logger, dryRun)
	mirror := wrap(dClient, policy, logger, dryRun)

	pairKey := state.PairKey(fmt.Sprintf("google:%s", cfg.Sync.Source), fmt.Sprintf("caldav:%s", cfg.Sync.Target))
	return syncer.NewSyncer(logger, authoritative, mirror, store, pairKey, window, clock.System{}), closeStore, nil
}

func wrap(b backend.Backend, policy backend.RetryPolicy, logger logrus.FieldLogger, dryRun bool) backend.Backend {
	b = backend.NewResilient(b, policy, logger)
	if dryRun {
		b = backend.NewDryRun(b, logger)
	}
	return b
}

func logReport(logger logrus.FieldLogger, report syncer.CycleReport) {
	for stage, r := range map[string]syncer.Report{"feed": report.Feed, "reconcile": report.Reconcile} {
		logger.WithFields(logrus.Fields{
			"stage":     stage,
			"created":   r.Created,
			"updated":   r.Updated,
			"deleted":   r.Deleted,
			"unchanged": r.Unchanged,
			"skipped":   r.Skipped,
			"failed":    len(r.Failures),
		}).Info("Stage summary")
		for _, f := range r.Failures {
			logger.WithFields(logrus.Fields{
				"stage":   stage,
				"uid":     f.UID,
				"backend": f.Backend,
				"action":  f.Action,
			}).WithError(f.Err).Warn("Event could not be synced")
		}
	}
}
