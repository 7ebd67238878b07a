package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hray3182/titanbot/internal/ai"
	"github.com/hray3182/titanbot/internal/backup"
	"github.com/hray3182/titanbot/internal/bot"
	"github.com/hray3182/titanbot/internal/bot/handlers"
	"github.com/hray3182/titanbot/internal/config"
	"github.com/hray3182/titanbot/internal/database"
	"github.com/hray3182/titanbot/internal/dispatch"
	"github.com/hray3182/titanbot/internal/governance"
	"github.com/hray3182/titanbot/internal/housekeeping"
	"github.com/hray3182/titanbot/internal/keepalive"
	"github.com/hray3182/titanbot/internal/logger"
	"github.com/hray3182/titanbot/internal/metrics"
	"github.com/hray3182/titanbot/internal/render"
	"github.com/hray3182/titanbot/internal/repository"
	"github.com/hray3182/titanbot/internal/scheduler"
	"github.com/hray3182/titanbot/internal/store"
	"github.com/hray3182/titanbot/internal/store/postgres"
	"github.com/hray3182/titanbot/internal/store/sqlite"
	"github.com/hray3182/titanbot/internal/timetable"
)

// Give the bot loop a moment to come up before the first tick.
const schedulerStartDelay = 5 * time.Second

func runBot(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info().Str("driver", cfg.StoreDriver).Msg("connected to store")

	m := metrics.New()
	entries := repository.NewEntryRepository(st)
	attendance := repository.NewAttendanceRepository(st)

	gov := governance.New(entries, repository.NewGovernanceRepository(st), governance.Options{
		DefaultChannel: cfg.GroupChatID,
		Location:       cfg.Location,
		Metrics:        m,
		Logger:         logger.Component(log, "governance"),
	})
	if err := gov.Bootstrap(ctx, cfg.AdminUsernames); err != nil {
		return fmt.Errorf("failed to bootstrap admins: %w", err)
	}

	// A nil *ai.Client must not reach the renderer as a non-nil interface.
	var (
		gen    render.Generator
		photos *timetable.Service
	)
	if cfg.AIEnabled() {
		client := ai.New(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel)
		gen = client
		photos = timetable.New(gov, client, logger.Component(log, "timetable"))
		log.Info().Str("model", cfg.AIModel).Msg("AI announcements and timetable photos enabled")
	} else {
		log.Info().Msg("AI client not configured, ai mode entries use the template")
	}
	renderer := render.New(cfg.Location, gen, logger.Component(log, "render"))

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return fmt.Errorf("failed to create Telegram API: %w", err)
	}

	server := keepalive.NewServer(gov, keepalive.Options{
		Port:    cfg.Port,
		Driver:  cfg.StoreDriver,
		Metrics: m,
		Logger:  logger.Component(log, "keepalive"),
	})

	sched := scheduler.New(entries, dispatch.NewTelegram(api, float64(cfg.SendRatePerSec), logger.Component(log, "dispatch")), renderer, scheduler.Options{
		Interval:        cfg.TickInterval,
		DispatchTimeout: cfg.DispatchTimeout,
		CatchUp:         cfg.CatchUpWindow,
		Concurrency:     cfg.TickConcurrency,
		StartDelay:      schedulerStartDelay,
		AlertChatID:     cfg.AlertChatID,
		Location:        cfg.Location,
		Metrics:         m,
		Logger:          logger.Component(log, "scheduler"),
		OnTick: func(r scheduler.TickReport) {
			server.RecordTick(r)
			if !r.Skipped {
				notifySystemd(log, daemon.SdNotifyWatchdog)
			}
		},
	})

	house, err := housekeeping.New(attendance, housekeeping.Options{
		Location: cfg.Location,
		Logger:   logger.Component(log, "housekeeping"),
	})
	if err != nil {
		return fmt.Errorf("failed to create housekeeping: %w", err)
	}

	h := handlers.New(api, handlers.Deps{
		Governance:  gov,
		Attendance:  attendance,
		Feedback:    repository.NewFeedbackRepository(st),
		Backup:      backup.New(gov, cfg.Location, time.Now),
		Timetable:   photos,
		Scheduler:   sched,
		AlertChatID: cfg.AlertChatID,
		StoreDriver: cfg.StoreDriver,
		Location:    cfg.Location,
		Logger:      logger.Component(log, "handlers"),
	})
	b := bot.New(api, h, logger.Component(log, "bot"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Start(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return house.Run(gctx) })

	notifySystemd(log, daemon.SdNotifyReady)
	log.Info().Str("timezone", cfg.Location.String()).Str("version", version).Msg("titanbot started")

	<-gctx.Done()
	notifySystemd(log, daemon.SdNotifyStopping)
	log.Info().Msg("shutting down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	st, err := openStore(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info().Str("driver", cfg.StoreDriver).Msg("store is up to date")
	return nil
}

// openStore connects the configured backend and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if cfg.DatabaseURI == "" {
			return nil, errors.New("DATABASE_URI is required for the postgres store")
		}
		db, err := database.New(ctx, cfg.DatabaseURI)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		applied, err := db.Migrate(ctx, log)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Strs("applied", applied).Msg("database migrations completed")
		return postgres.New(db), nil
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// notifySystemd is a no-op outside systemd.
func notifySystemd(log zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}
