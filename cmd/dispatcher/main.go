// The dispatcher consumes host-application events from NSQ, fans each
// one out to matching endpoints, and enqueues the created deliveries
// when queue execution mode is active. Event publication must never
// disturb the host application, so every failure here is logged and
// swallowed; a poison event is dropped, not requeued.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/config"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/db"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/dispatch"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/endpoint"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/event"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/health"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/logging"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/metrics"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/payload"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/tracing"
)

const serviceName = "webhook-dispatcher"

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
	httpSrv := &http.Server{Addr: ":" + getenv("DISPATCHER_HTTP_PORT", "8082"), Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	settingsStore := settings.NewStore(pool)
	d := dispatch.New(
		endpoint.NewStore(pool),
		delivery.NewStore(pool),
		payload.NewBuilder(payload.NewPGLookup(pool), cfg.BaseURL),
		settingsStore,
		dispatch.NewAutoResolver(settingsStore, true),
		dispatch.NewNSQEnqueuer(producer, cfg.NSQ.DeliveriesTopic),
		logger,
	)

	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.EventsChannel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var ev event.Event
		if err := json.Unmarshal(m.Body, &ev); err != nil {
			logger.Plain().WithError(err).Error("bad event payload, dropping")
			return nil
		}

		msgCtx, span := tracing.StartSpan(ctx, "dispatcher.event",
			attribute.String("event_id", ev.EventID),
			attribute.String("event_type", ev.EventType),
		)
		defer span.End()

		created, err := d.Dispatch(msgCtx, &ev)
		if err != nil {
			tracing.SetSpanError(msgCtx, err)
			logger.WithContext(msgCtx).WithEvent(ev.EventID).WithError(err).
				Error("dispatch failed")
			return nil
		}
		logger.WithContext(msgCtx).WithEvent(ev.EventID).
			WithField("deliveries_created", len(created)).Info("event dispatched")
		return nil
	}))

	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("dispatcher started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down dispatcher")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("dispatcher stopped")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
