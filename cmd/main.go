package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"gopkg.in/natefinch/lumberjack.v2"

	"orgcal/internal/caldav"
	"orgcal/internal/config"
	"orgcal/internal/daemon"
	"orgcal/internal/google"
	"orgcal/internal/org"
	"orgcal/internal/reconcile"
	"orgcal/internal/remote"
	"orgcal/internal/state"
	"orgcal/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "orgcal",
		Usage: "Sync org-mode schedule entries to a CalDAV or Google calendar.",
		Commands: []*cli.Command{
			syncCommand(),
			planCommand(),
			authCommand(),
			ledgerCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

var (
	configFlag   = &cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yml", EnvVars: []string{"ORGCAL_CONFIG"}, Usage: "Path to the YAML configuration file."}
	calendarFlag = &cli.StringFlag{Name: "calendar", Usage: "Only process the calendar with this id."}
)

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: append(triggerFlags(),
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.BoolFlag{Name: "strict", Usage: "Delete remote objects not produced locally (strict mirror)."},
			configFlag,
			calendarFlag,
		),
		Action: func(c *cli.Context) error {
			app, err := setup(c)
			if err != nil {
				return err
			}
			defer app.close()

			if app.dryRun {
				app.logger.Info("Performing a dry run. No changes will be made.")
			}
			unlock, err := app.lock()
			if err != nil {
				return err
			}
			defer unlock()

			if daemonCfg, scheduled := daemonConfig(c, app.logger, app.watchPaths); scheduled {
				d, err := daemon.New(func(ctx context.Context) error {
					_, err := app.syncAll(ctx)
					return err
				}, daemonCfg)
				if err != nil {
					return err
				}
				return d.Run(c.Context)
			}

			app.logger.Info("Running a single sync cycle.")
			failed, err := app.syncAll(c.Context)
			if err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			if failed > 0 {
				return fmt.Errorf("%d remote operations failed; they are retried on the next run", failed)
			}
			return nil
		},
	}
}

func triggerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit, ignoring --watch, --cron and --on-change."},
		&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds."},
		&cli.StringFlag{Name: "cron", Usage: "Run sync on a cron schedule, e.g. \"*/15 * * * *\"."},
		&cli.BoolFlag{Name: "on-change", Usage: "Run sync whenever an org file changes."},
	}
}

// daemonConfig builds the daemon triggers from the sync flags. It reports false
// when a single cycle should run instead.
func daemonConfig(c *cli.Context, logger *slog.Logger, watchPaths func() []string) (daemon.Config, bool) {
	cfg := daemon.Config{Logger: logger}
	if c.IsSet("watch") {
		cfg.Interval = time.Duration(c.Int("watch")) * time.Second
	}
	cfg.Cron = c.String("cron")
	if c.Bool("on-change") {
		cfg.Watch = watchPaths()
	}
	scheduled := cfg.Interval > 0 || cfg.Cron != "" || len(cfg.Watch) > 0
	if c.Bool("once") {
		if scheduled {
			logger.Info("--once given, ignoring --watch, --cron and --on-change.")
		}
		return cfg, false
	}
	return cfg, scheduled
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show what a sync would change, without changing anything.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "Also list unchanged occurrences."},
			&cli.BoolFlag{Name: "strict", Usage: "Plan as a strict mirror."},
			configFlag,
			calendarFlag,
		},
		Action: func(c *cli.Context) error {
			app, err := setup(c)
			if err != nil {
				return err
			}
			defer app.close()

			for _, cal := range app.calendars {
				s, err := app.syncer(c.Context, cal)
				if err != nil {
					return err
				}
				report, err := s.Plan(c.Context)
				if err != nil {
					return fmt.Errorf("calendar %s: %w", cal.ID, err)
				}
				renderPlan(os.Stdout, report, c.Bool("all"))
			}
			return nil
		},
	}
}

func ledgerCommand() *cli.Command {
	return &cli.Command{
		Name:  "ledger",
		Usage: "Print the identifiers ever assigned and the synced objects per calendar.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "ids", Usage: "Print every identifier, not just the counts."},
			configFlag,
			calendarFlag,
		},
		Action: func(c *cli.Context) error {
			app, err := setup(c)
			if err != nil {
				return err
			}
			defer app.close()

			for _, cal := range app.calendars {
				snap, err := app.store.Peek(c.Context, cal.ID)
				if err != nil && !errors.Is(err, state.ErrCorrupt) {
					return fmt.Errorf("calendar %s: %w", cal.ID, err)
				}
				renderLedger(os.Stdout, cal.ID, snap, c.Bool("ids"))
			}
			return nil
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Flags: []cli.Flag{configFlag},
		Action: func(c *cli.Context) error {
			logger := setupLogger("info", "")
			logger.Info("Starting Google authentication flow.")

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				logger.Debug("No usable config, using defaults", "error", err)
				cfg = config.DefaultConfig()
			}
			auth := authConfig(cfg)

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(auth)
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

			fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			if accountName == "" {
				return errors.New("account name must not be empty")
			}
			tokenFile := auth.TokenFile(accountName)

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)

			calendars, err := google.DiscoverCalendars(c.Context, oauthConfig, token)
			if err != nil {
				logger.Warn("Could not list calendars", "error", err)
				return nil
			}
			renderCalendars(os.Stdout, accountName, calendars)
			return nil
		},
	}
}

// session is the state shared by the commands that work on configured calendars.
type session struct {
	cfg       *config.Config
	calendars []config.CalendarConfig
	logger    *slog.Logger
	loc       *time.Location
	store     state.Store
	loader    *org.Loader
	adapters  map[string]remote.Adapter
	dryRun    bool
	strict    bool
}

func setup(c *cli.Context) (*session, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger := setupLogger(logLevel, cfg.LogFile)

	calendars, err := cfg.Select(c.String("calendar"))
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	store, err := state.Open(cfg.StateBackend, cfg.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	parser := org.NewParser(org.Options{
		TodoKeywords: cfg.TodoKeywords,
		DoneKeywords: cfg.DoneKeywords,
		Location:     loc,
		Logger:       logger,
	})
	return &session{
		cfg:       cfg,
		calendars: calendars,
		logger:    logger,
		loc:       loc,
		store:     store,
		loader:    org.NewLoader(parser, logger),
		adapters:  make(map[string]remote.Adapter),
		dryRun:    c.Bool("dry-run"),
		strict:    c.Bool("strict"),
	}, nil
}

func (a *session) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close state store", "error", err)
	}
}

// lock takes the run-level lock of every selected calendar.
func (a *session) lock() (func(), error) {
	var releases []func() error
	release := func() {
		for _, r := range releases {
			if err := r(); err != nil {
				a.logger.Warn("Failed to release lock", "error", err)
			}
		}
	}
	for _, cal := range a.calendars {
		r, err := state.Lock(a.cfg.StateDir, cal.ID)
		if err != nil {
			release()
			return nil, err
		}
		releases = append(releases, r)
	}
	return release, nil
}

func (a *session) watchPaths() []string {
	var paths []string
	for _, cal := range a.calendars {
		for _, p := range cal.OrgFiles {
			expanded, err := org.ExpandHome(p)
			if err != nil {
				a.logger.Warn("Cannot watch org path", "path", p, "error", err)
				continue
			}
			paths = append(paths, expanded)
		}
	}
	return paths
}

// adapter connects to the calendar's backend once and reuses the connection.
func (a *session) adapter(ctx context.Context, cal config.CalendarConfig) (remote.Adapter, error) {
	if ad, ok := a.adapters[cal.ID]; ok {
		return ad, nil
	}
	var (
		ad  remote.Adapter
		err error
	)
	switch cal.Backend {
	case config.BackendGoogle:
		ad, err = google.NewClient(ctx, a.logger, authConfig(a.cfg), cal.GoogleAccount, cal.GoogleCalendarID)
	default:
		ad, err = caldav.NewClient(ctx, a.logger, caldav.Config{
			URL:      cal.URL,
			Username: cal.Username,
			Password: cal.Password,
			Calendar: cal.Calendar,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client for calendar %s: %w", cal.Backend, cal.ID, err)
	}
	a.adapters[cal.ID] = ad
	return ad, nil
}

// syncer builds a Syncer for one cycle. The cutoff is resolved per cycle so that
// "now" and "thisweek" move along in long-running mode.
func (a *session) syncer(ctx context.Context, cal config.CalendarConfig) (*syncer.Syncer, error) {
	ad, err := a.adapter(ctx, cal)
	if err != nil {
		return nil, err
	}
	cutoff, err := config.ParseCutoff(cal.SyncCutoff, time.Now().In(a.loc))
	if err != nil {
		return nil, err
	}
	opts := syncer.Options{
		Namespace:     cal.ID,
		OrgFiles:      cal.OrgFiles,
		Location:      a.loc,
		Cutoff:        cutoff,
		HorizonDays:   cal.HorizonDays,
		KeepPast:      cal.KeepPast,
		Strict:        cal.Strict() || a.strict,
		Recurrence:    cal.Recurrence,
		RemoteListing: *cal.RemoteListing,
		WriteIDs:      *cal.WriteIDs,
		DryRun:        a.dryRun,
		Executor: reconcile.ExecutorConfig{
			Concurrency: cal.Concurrency,
			MaxRetries:  *cal.MaxRetries,
			OpTimeout:   cal.OpTimeout,
			Logger:      a.logger,
		},
	}
	return syncer.NewSyncer(a.logger, a.loader, a.store, ad, opts), nil
}

// syncAll syncs every selected calendar and returns the number of failed remote
// operations. A calendar that cannot be synced does not stop the others.
func (a *session) syncAll(ctx context.Context) (int, error) {
	var (
		failed int
		errs   []error
	)
	for _, cal := range a.calendars {
		s, err := a.syncer(ctx, cal)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report, err := s.Sync(ctx)
		if report != nil {
			failed += report.Failed()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("calendar %s: %w", cal.ID, err))
		}
	}
	return failed, errors.Join(errs...)
}

func authConfig(cfg *config.Config) google.AuthConfig {
	return google.AuthConfig{
		ClientID:        os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret:    os.Getenv("GOOGLE_CLIENT_SECRET"),
		CredentialsFile: cfg.GoogleCredentials,
		TokenDir:        cfg.TokenDir,
	}
}

func setupLogger(level, file string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if file != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel}))
}
