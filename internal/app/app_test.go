package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/calbridge/internal/config"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.DatabaseURL != testDatabaseURL {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, testDatabaseURL)
	}
	if cfg.NotifyURL() != "http://localhost:8080/integrations/unipile/notify" {
		t.Errorf("NotifyURL() = %q", cfg.NotifyURL())
	}

	// グローバルロガーがJSON出力に設定されていること
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
	if entry["service"] != "calbridge" {
		t.Errorf("service = %v, want calbridge", entry["service"])
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	clearTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestRateLimiterConfig_ConvertsPerMinuteToPerSecond(t *testing.T) {
	cfg := &config.Config{RateLimitGeneral: 120, RateLimitWebhook: 600}

	rl := rateLimiterConfig(cfg)

	if math.Abs(float64(rl.GeneralRate)-2.0) > 1e-9 {
		t.Errorf("GeneralRate = %v, want 2/s", rl.GeneralRate)
	}
	if math.Abs(float64(rl.WebhookRate)-10.0) > 1e-9 {
		t.Errorf("WebhookRate = %v, want 10/s", rl.WebhookRate)
	}
	if rl.GeneralBurst != 120 || rl.WebhookBurst != 600 {
		t.Errorf("burst = %d/%d, want 120/600", rl.GeneralBurst, rl.WebhookBurst)
	}
}

func TestRateLimiterConfig_ZeroKeepsDefaults(t *testing.T) {
	rl := rateLimiterConfig(&config.Config{})
	if rl.GeneralRate <= 0 || rl.WebhookRate <= 0 {
		t.Errorf("0指定時は既定値を使うこと: %+v", rl)
	}
}

func TestMaskDatabaseURL_HidesCredentials(t *testing.T) {
	masked := maskDatabaseURL(testDatabaseURL)
	if strings.Contains(masked, "pass") {
		t.Errorf("パスワードがマスクされていない: %q", masked)
	}
	if maskDatabaseURL("short") != "***" {
		t.Errorf("短いURLは全体をマスクすること")
	}
}

func TestRunHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"正常", http.StatusOK, false},
		{"DB停止", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			port := srv.URL[strings.LastIndex(srv.URL, ":")+1:]
			err := runHealthcheck(port)
			if (err != nil) != tt.wantErr {
				t.Errorf("runHealthcheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
