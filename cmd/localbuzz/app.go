package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"localbuzz/internal/api"
	"localbuzz/internal/config"
	"localbuzz/internal/dispatch"
	"localbuzz/internal/fetcher"
	"localbuzz/internal/gate"
	"localbuzz/internal/kv"
	"localbuzz/internal/permission"
	"localbuzz/internal/scheduler"
	"localbuzz/internal/session"
)

// app holds the wired components shared by serve and pass.
type app struct {
	cfg          *config.Config
	log          *slog.Logger
	store        kv.Store
	gate         *gate.Gate
	session      *session.Store
	location     *permission.Location
	notification *permission.Notification
	manual       *permission.ManualLocator
	sched        *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	if cfg.DatabaseDriver == kv.DriverSQLite {
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
	}

	store, err := kv.Open(ctx, cfg.DatabaseDriver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	g := gate.New(store, log)
	g.SetMaxPerSourcePerDay(cfg.MaxPerSourcePerDay)
	g.SetCapacity(cfg.NotifiedCapacity)
	g.SetLocation(cfg.Location())

	var (
		locator permission.Locator
		manual  *permission.ManualLocator
	)
	if home, ok := cfg.Home(); ok {
		locator = permission.StaticLocator{Coordinate: home}
	} else {
		manual = &permission.ManualLocator{}
		locator = manual
	}
	location := permission.NewLocation(locator, log)
	location.SetTimeout(cfg.LocationTimeout)

	var sender interface {
		dispatch.Sender
		permission.Prompter
	}
	if cfg.TelegramBotToken != "" {
		tg, err := dispatch.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		sender = tg
	} else {
		sender = dispatch.NewLogSender(log)
	}
	notification := permission.NewNotification(sender, log)
	notification.SetTimeout(cfg.LocationTimeout)

	client := fetcher.New(&http.Client{}, cfg.DataServiceURL, log)
	client.SetToken(cfg.DataServiceToken)
	client.SetRadius(cfg.FavoriteRadiusKm)

	sched := scheduler.New(client, g, location, notification, sender, log)
	sched.SetTickInterval(cfg.PollInterval)
	sched.SetRadii(cfg.FeedRadiusKm, cfg.FavoriteRadiusKm)
	sched.EnableQueue(cfg.QueueEnabled)
	sched.SetLinkBase(cfg.LinkBaseURL)

	return &app{
		cfg:          cfg,
		log:          log,
		store:        store,
		gate:         g,
		session:      session.New(store, log),
		location:     location,
		notification: notification,
		manual:       manual,
		sched:        sched,
	}, nil
}

// restore re-requests the permissions of a session that opted in before a
// restart. Permission state lives in memory only.
func (a *app) restore(ctx context.Context) {
	if a.manual == nil {
		if _, err := a.location.Request(ctx); err != nil {
			a.log.Warn("request location", "error", err)
		}
	}
	if !a.gate.Status(ctx).OptedIn {
		return
	}
	if _, err := a.notification.Request(ctx); err != nil {
		a.log.Warn("restore notification permission", "error", err)
	}
}

func (a *app) router() http.Handler {
	return api.NewRouter(api.Deps{
		Scheduler:    a.sched,
		Gate:         a.gate,
		Session:      a.session,
		Location:     a.location,
		Notification: a.notification,
		Manual:       a.manual,
		Log:          a.log,
	}, api.Options{
		CORSAllowOrigins:  a.cfg.CORSAllowOrigins,
		RateLimitRequests: a.cfg.RateLimitRequests,
		RateLimitWindow:   a.cfg.RateLimitWindow,
	})
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("close database", "error", err)
	}
}

func serve(ctx context.Context, a *app) error {
	a.restore(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info("starting api server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan struct{})
	go func() {
		a.sched.Run(runCtx)
		close(done)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errc:
		runErr = fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("shutdown api server", "error", err)
	}
	// The store is closed by the caller, so the scheduler must be idle first.
	stop()
	<-done
	a.log.Info("stopped")
	return runErr
}
