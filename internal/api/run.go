package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/MeliBridge/internal/chatwoot"
	"github.com/BTreeMap/MeliBridge/internal/creds"
	"github.com/BTreeMap/MeliBridge/internal/meli"
	"github.com/BTreeMap/MeliBridge/internal/reconciler"
	"github.com/BTreeMap/MeliBridge/internal/relay"
	"github.com/BTreeMap/MeliBridge/internal/scheduler"
	"github.com/BTreeMap/MeliBridge/internal/store"
)

// Default server and scheduling configuration.
const (
	// DefaultAddr is the default API listen address.
	DefaultAddr = ":8080"
	// DefaultQuestionsSchedule polls for unanswered questions every two minutes.
	DefaultQuestionsSchedule = "@every 2m"
	// DefaultMessagesSchedule polls for order messages every three minutes.
	DefaultMessagesSchedule = "@every 3m"
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout = 10 * time.Second
)

// Run wires the configured modules together and serves until ctx is
// cancelled: store, credential manager, marketplace and helpdesk clients,
// reconciler, relay, webhook server, and the poll scheduler.
func Run(ctx context.Context, storeOpts []store.Option, meliOpts []meli.Option, chatwootOpts []chatwoot.Option, reconcilerOpts []reconciler.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:              DefaultAddr,
		QuestionsSchedule: DefaultQuestionsSchedule,
		MessagesSchedule:  DefaultMessagesSchedule,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	cm, err := creds.NewManager(st, cfg.SeedTokens)
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	market := meli.NewClient(cm, meliOpts...)
	helpdesk := chatwoot.NewClient(chatwootOpts...)
	rec := reconciler.New(market, helpdesk, st, reconcilerOpts...)
	rel := relay.New(market, st)
	server := NewServer(rel, apiOpts...)

	// Run both cycles once at startup so a restart catches up immediately
	// instead of waiting out the first timer period.
	if err := rec.ProcessQuestions(ctx); err != nil {
		slog.Error("api.Run: initial question cycle failed", "error", err)
	}
	if err := rec.ProcessMessages(ctx); err != nil {
		slog.Error("api.Run: initial message cycle failed", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(cfg.QuestionsSchedule, func() {
		if err := rec.ProcessQuestions(context.Background()); err != nil {
			slog.Error("api.Run: question cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid questions schedule %q: %w", cfg.QuestionsSchedule, err)
	}
	if err := sched.AddJob(cfg.MessagesSchedule, func() {
		if err := rec.ProcessMessages(context.Background()); err != nil {
			slog.Error("api.Run: message cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid messages schedule %q: %w", cfg.MessagesSchedule, err)
	}

	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Handler()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api.Run: webhook server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("api.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildStore picks the store backend from the configured DSN: Postgres for
// postgres DSNs, SQLite for file paths, in-memory when no DSN is set.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("api.buildStore: no database DSN configured, using non-durable in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}
