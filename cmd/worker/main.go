// The worker consumes delivery tasks from NSQ and processes each one
// through the sender. Messages are always finished: retry timing lives
// on the delivery row's scheduled_at, never in NSQ requeues, so a
// poison message can only burn one attempt.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/config"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/db"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/endpoint"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/health"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/logging"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/metrics"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/sender"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/tracing"
)

const serviceName = "webhook-worker"

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

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
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	deliveries := delivery.NewStore(pool)
	endpoints := endpoint.NewStore(pool)
	settingsStore := settings.NewStore(pool)
	workerID := serviceName + "-" + uuid.NewString()
	snd := sender.New(deliveries, endpoints, sender.NewPGCredentialResolver(pool),
		settingsStore, workerID, logger).
		WithUserAgent(cfg.UserAgent)

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Worker.Concurrency
	consumer, err := nsq.NewConsumer(cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	handler := nsq.HandlerFunc(func(m *nsq.Message) error {
		var t delivery.Task
		if err := json.Unmarshal(m.Body, &t); err != nil {
			// Terminal: a malformed task never improves on requeue.
			logger.Plain().WithError(err).Error("bad task payload, dropping")
			return nil
		}

		msgCtx := tracing.ExtractTraceFromNSQ(ctx, t.TraceHeaders)
		msgCtx, span := tracing.StartSpan(msgCtx, "worker.task",
			attribute.String("delivery_id", t.DeliveryID),
			attribute.String("event_id", t.EventID),
			attribute.String("event_type", t.EventType),
			attribute.Int("attempt", t.Attempt),
		)
		defer span.End()

		del, err := deliveries.Get(msgCtx, t.DeliveryID)
		if errors.Is(err, delivery.ErrNotFound) {
			logger.WithContext(msgCtx).WithDelivery(t.DeliveryID).
				Warn("task references unknown delivery, dropping")
			return nil
		}
		if err != nil {
			tracing.SetSpanError(msgCtx, err)
			logger.WithContext(msgCtx).WithDelivery(t.DeliveryID).WithError(err).
				Error("load delivery failed")
			return nil
		}

		if err := snd.Send(msgCtx, del); err != nil {
			// Storage-level failure; the row stays claimable for the
			// batch runner, so the message is still finished.
			tracing.SetSpanError(msgCtx, err)
			logger.WithContext(msgCtx).WithDelivery(t.DeliveryID).WithError(err).
				Error("delivery processing failed")
		}
		return nil
	})
	consumer.AddConcurrentHandlers(handler, cfg.Worker.Concurrency)

	// Direct nsqd connect forces channel creation instead of waiting for
	// the first publish.
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithField("worker_id", workerID).Info("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker stopped")
}
