// Package monitor wires the pipeline monitor daemon together: record
// store, alert engine, notification channels, run tracker, event bus
// and the HTTP/WebSocket surface the dashboard consumes.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"deploywatch.org/core/eventbus"
	"deploywatch.org/core/log"
	"deploywatch.org/core/monitor/alert"
	"deploywatch.org/core/monitor/backoff"
	"deploywatch.org/core/monitor/config"
	"deploywatch.org/core/monitor/db"
	"deploywatch.org/core/monitor/notify"
	"deploywatch.org/core/monitor/tracker"
)

type Monitor struct {
	db         *db.DB
	bus        *eventbus.Bus
	alerts     *alert.Engine
	tracker    *tracker.Tracker
	dispatcher *notify.Dispatcher
	cfg        *config.Config
	l          *slog.Logger
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	bus := eventbus.New()

	alerts, err := alert.New(d, bus, logger)
	if err != nil {
		return fmt.Errorf("failed to setup alert engine: %w", err)
	}

	settings := alerts.Settings()
	policy := backoff.DefaultPolicy()
	if settings.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = settings.Retry.MaxAttempts
	}

	dispatcher := notify.NewDispatcher(logger)
	dispatcher.Register(notify.NewConsole(log.SubLogger(logger, "console"), settings.Channels["console"]))
	dispatcher.Register(notify.NewDashboard(bus, settings.Channels["dashboard"]))
	dispatcher.Register(notify.NewEmail(cfg.Email.APIKey, cfg.Email.From, settings.Channels["email"]))
	dispatcher.Register(notify.NewWebhook(policy, settings.Channels["webhook"]))
	alerts.SetDispatcher(dispatcher)

	trk := tracker.New(d, bus, alerts, logger)

	m := &Monitor{
		db:         d,
		bus:        bus,
		alerts:     alerts,
		tracker:    trk,
		dispatcher: dispatcher,
		cfg:        cfg,
		l:          logger,
	}

	trk.StartSweeper(ctx, cfg.Monitoring.SweepInterval)
	go dispatcher.Listen(ctx, bus)
	go m.archiveEvents(ctx)

	logger.Info("starting deploywatch server", "address", cfg.Server.ListenAddr)
	logger.Error("server error", "error", http.ListenAndServe(cfg.Server.ListenAddr, m.Router()))

	return nil
}

func (m *Monitor) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Post("/runs", m.CreateRun)
	mux.Get("/runs", m.ListRuns)
	mux.Get("/runs/{id}", m.GetRun)
	mux.Post("/runs/{id}/stages/{name}", m.UpdateStage)
	mux.Post("/runs/{id}/complete", m.CompleteRun)
	mux.Post("/runs/{id}/errors", m.AddError)

	mux.Post("/webhooks", m.RecordWebhook)

	mux.Get("/alerts", m.ListAlerts)
	mux.Post("/alerts/{id}/ack", m.AcknowledgeAlert)
	mux.Post("/alerts/{id}/resolve", m.ResolveAlert)

	mux.Get("/metrics", m.Metrics)
	mux.Get("/settings", m.GetSettings)
	mux.Put("/settings", m.UpdateSettings)
	mux.Get("/health", m.Health)

	mux.HandleFunc("/events", m.Events)

	return mux
}

// archiveEvents persists every bus event so the websocket stream can
// backfill reconnecting dashboards from a cursor.
func (m *Monitor) archiveEvents(ctx context.Context) {
	ch := m.bus.Subscribe(eventbus.TopicAll)
	defer m.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := m.db.InsertEvent(ev.Topic, ev.Payload, ev.Timestamp.UnixNano()); err != nil {
				m.l.Error("failed to archive event", "topic", ev.Topic, "err", err)
			}
		}
	}
}
