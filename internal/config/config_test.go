package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.PushProvider != "log" || cfg.Store != "postgres" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.SendTimeout != 10*time.Second || cfg.SendConcurrency != 10 {
		t.Errorf("dispatch defaults = %v/%d", cfg.SendTimeout, cfg.SendConcurrency)
	}
	if cfg.RedisEnabled() {
		t.Error("redis should be disabled without REDIS_HOST")
	}
	if cfg.SchedulerInterval != 0 {
		t.Error("embedded scheduler should be off by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SEND_TIMEOUT", "3s")
	t.Setenv("SCHEDULER_INTERVAL", "15m")
	t.Setenv("QUIET_HOURS_ENABLED", "true")
	t.Setenv("ALERT_EMAIL_TO", "ops@example.com, oncall@example.com")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("AWS_REGION", "sa-east-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 || cfg.SendTimeout != 3*time.Second || cfg.SchedulerInterval != 15*time.Minute {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if !cfg.QuietHoursEnabled {
		t.Error("quiet hours should be enabled")
	}
	if len(cfg.AlertEmailTo) != 2 || cfg.AlertEmailTo[1] != "oncall@example.com" {
		t.Errorf("alert recipients = %v", cfg.AlertEmailTo)
	}
	if !cfg.RedisEnabled() {
		t.Error("redis should be enabled")
	}
	if cfg.SNSRegion != "sa-east-1" {
		t.Errorf("SNS region should follow AWS_REGION, got %s", cfg.SNSRegion)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"bad port", "PORT", "http", "invalid PORT"},
		{"bad duration", "SEND_TIMEOUT", "ten", "invalid SEND_TIMEOUT"},
		{"bad bool", "QUIET_HOURS_ENABLED", "maybe", "invalid QUIET_HOURS_ENABLED"},
		{"unknown provider", "PUSH_PROVIDER", "apns", "invalid PUSH_PROVIDER"},
		{"fcm without credentials", "PUSH_PROVIDER", "fcm", "FCM_CREDENTIALS"},
		{"quiet hour out of range", "QUIET_HOURS_START", "24", "quiet hours"},
		{"zero concurrency", "SEND_CONCURRENCY", "0", "SEND_CONCURRENCY"},
		{"unknown store", "STORE", "mongo", "invalid STORE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBUser: "u", DBPassword: "p", DBHost: "db", DBPort: 5433, DBName: "herald", DBSSLMode: "require"}
	if got := cfg.DatabaseURL(); got != "postgres://u:p@db:5433/herald?sslmode=require" {
		t.Errorf("DatabaseURL = %s", got)
	}
}
