// The runner is the scheduled half of delivery execution: on every
// tick it picks the due batch and either re-enqueues it (queue mode)
// or processes it inline (batch mode). It also owns retention purging
// and the due-backlog gauge.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/config"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/db"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/dispatch"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/endpoint"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/health"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/logging"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/metrics"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/sender"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/tracing"
)

const serviceName = "webhook-runner"

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(serviceName)

	shutdown, err := tracing.Init(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(serviceName, pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Runner.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("runner HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("runner HTTP server failed")
		}
	}()

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	deliveries := delivery.NewStore(pool)
	endpoints := endpoint.NewStore(pool)
	settingsStore := settings.NewStore(pool)
	mode := dispatch.NewAutoResolver(settingsStore, true)
	enqueuer := dispatch.NewNSQEnqueuer(producer, cfg.NSQ.DeliveriesTopic)
	runnerID := serviceName + "-" + uuid.NewString()
	snd := sender.New(deliveries, endpoints, sender.NewPGCredentialResolver(pool),
		settingsStore, runnerID, logger).
		WithUserAgent(cfg.UserAgent)

	go runLoop(ctx, cfg, logger, deliveries, settingsStore, mode, enqueuer, snd)
	go purgeLoop(ctx, cfg, logger, deliveries)

	logger.Plain().Info("runner started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down runner")
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("runner stopped")
}

func runLoop(ctx context.Context, cfg config.Config, logger *logging.Logger,
	deliveries *delivery.Store, pause settings.PauseChecker,
	mode dispatch.ModeResolver, enqueuer dispatch.Enqueuer, snd *sender.Sender) {

	ticker := time.NewTicker(cfg.Runner.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processDue(ctx, cfg, logger, deliveries, pause, mode, enqueuer, snd)
		}
	}
}

func processDue(ctx context.Context, cfg config.Config, logger *logging.Logger,
	deliveries *delivery.Store, pause settings.PauseChecker,
	mode dispatch.ModeResolver, enqueuer dispatch.Enqueuer, snd *sender.Sender) {

	if n, err := deliveries.CountDue(ctx); err == nil {
		metrics.SetDueBacklog(n)
	}

	if pause.Paused(ctx) {
		return
	}

	batch, err := deliveries.PickDue(ctx, cfg.Runner.BatchSize)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("pick due deliveries failed")
		return
	}
	if len(batch) == 0 {
		return
	}
	logger.WithContext(ctx).WithField("count", len(batch)).Info("processing due deliveries")

	inline := mode.Mode(ctx) != dispatch.ModeQueue
	for _, del := range batch {
		if inline {
			if err := snd.Send(ctx, del); err != nil {
				logger.WithContext(ctx).WithDelivery(del.ID).WithError(err).
					Error("delivery processing failed")
			}
			continue
		}
		task := delivery.Task{
			DeliveryID:  del.ID,
			EventID:     del.EventID,
			EventType:   del.EventType,
			Action:      del.Action,
			Attempt:     del.AttemptCount,
			PublishedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if del.EndpointID != nil {
			task.EndpointID = *del.EndpointID
		}
		if err := enqueuer.Enqueue(ctx, task); err != nil {
			// Stays due; the next tick will pick it up again.
			logger.WithContext(ctx).WithDelivery(del.ID).WithError(err).
				Warn("enqueue failed")
		}
	}
}

func purgeLoop(ctx context.Context, cfg config.Config, logger *logging.Logger, deliveries *delivery.Store) {
	ticker := time.NewTicker(cfg.Runner.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			n, err := deliveries.Purge(ctx,
				now.Add(-cfg.Retention.Success),
				now.Add(-cfg.Retention.Failed))
			if err != nil {
				logger.WithContext(ctx).WithError(err).Error("retention purge failed")
				continue
			}
			if n > 0 {
				metrics.RecordPurged(n)
				logger.WithContext(ctx).WithField("purged", n).Info("retention purge completed")
			}
		}
	}
}
