package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.AppName != "redmine-webhook" {
		t.Errorf("AppName = %q", cfg.AppName)
	}
	if cfg.NSQ.EventsTopic != "webhook_events" {
		t.Errorf("EventsTopic = %q", cfg.NSQ.EventsTopic)
	}
	if cfg.NSQ.DeliveriesTopic != "webhook_deliveries" {
		t.Errorf("DeliveriesTopic = %q", cfg.NSQ.DeliveriesTopic)
	}
	if cfg.Runner.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.Runner.BatchSize)
	}
	if cfg.Retention.Success != 7*24*time.Hour {
		t.Errorf("Retention.Success = %v, want 168h", cfg.Retention.Success)
	}
	if cfg.Worker.HTTPPort != ":8083" {
		t.Errorf("Worker.HTTPPort = %q", cfg.Worker.HTTPPort)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "redmine_prod")
	t.Setenv("RUNNER_BATCH_SIZE", "200")
	t.Setenv("RUNNER_INTERVAL", "10s")
	t.Setenv("RETENTION_SUCCESS", "48h")

	cfg := FromEnv()

	if cfg.DB.Host != "db.internal" {
		t.Errorf("DB.Host = %q", cfg.DB.Host)
	}
	if cfg.Runner.BatchSize != 200 {
		t.Errorf("BatchSize = %d", cfg.Runner.BatchSize)
	}
	if cfg.Runner.Interval != 10*time.Second {
		t.Errorf("Interval = %v", cfg.Runner.Interval)
	}
	if cfg.Retention.Success != 48*time.Hour {
		t.Errorf("Retention.Success = %v", cfg.Retention.Success)
	}
}

func TestFromEnvBadValuesFallBack(t *testing.T) {
	t.Setenv("RUNNER_BATCH_SIZE", "lots")
	t.Setenv("RUNNER_INTERVAL", "soon")

	cfg := FromEnv()

	if cfg.Runner.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want default 50", cfg.Runner.BatchSize)
	}
	if cfg.Runner.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want default 30s", cfg.Runner.Interval)
	}
}

func TestDSN(t *testing.T) {
	cfg := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "5432", Name: "redmine"}}
	want := "postgres://u:p@h:5432/redmine?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
