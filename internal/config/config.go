// Package config loads process configuration from the environment.
// Every value has a default suitable for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	EventsTopic     string // inbound host-application events
	DeliveriesTopic string // delivery tasks for queue execution mode
	EventsChannel   string // dispatcher consumer channel
	WorkerChannel   string // worker consumer channel
}

type Worker struct {
	Concurrency int    // concurrent NSQ handlers
	HTTPPort    string // metrics/health listen address
}

type Runner struct {
	Interval      time.Duration // due-picker tick
	BatchSize     int           // deliveries picked per tick
	PurgeInterval time.Duration // retention purge tick
	HTTPPort      string        // metrics/health listen address
}

type Retention struct {
	Success time.Duration // keep successful deliveries this long
	Failed  time.Duration // keep failed/dead deliveries this long
}

type Config struct {
	AppName   string
	UserAgent string // outbound User-Agent header
	BaseURL   string // host application base URL used in payload links
	DB        DB
	NSQ       NSQ
	Worker    Worker
	Runner    Runner
	Retention Retention
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:   getenv("APP_NAME", "redmine-webhook"),
		UserAgent: getenv("WEBHOOK_USER_AGENT", ""),
		BaseURL:   getenv("REDMINE_BASE_URL", "http://localhost:3000"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "redmine"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:     getenv("NSQ_EVENTS_TOPIC", "webhook_events"),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "webhook_deliveries"),
			EventsChannel:   getenv("NSQ_EVENTS_CHANNEL", "dispatcher"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Worker: Worker{
			Concurrency: getenvInt("WORKER_CONCURRENCY", 4),
			HTTPPort:    ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Runner: Runner{
			Interval:      getenvDuration("RUNNER_INTERVAL", 30*time.Second),
			BatchSize:     getenvInt("RUNNER_BATCH_SIZE", 50),
			PurgeInterval: getenvDuration("RUNNER_PURGE_INTERVAL", 1*time.Hour),
			HTTPPort:      ":" + getenv("RUNNER_HTTP_PORT", "8084"),
		},
		Retention: Retention{
			Success: getenvDuration("RETENTION_SUCCESS", 7*24*time.Hour),
			Failed:  getenvDuration("RETENTION_FAILED", 7*24*time.Hour),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
