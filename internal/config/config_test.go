package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServerPort == "" {
		t.Fatalf("expected default server port")
	}
	if cfg.PostgresURL == "" {
		t.Fatalf("expected default postgres url")
	}
	if cfg.MaxAccuracyM != 50 {
		t.Fatalf("expected default accuracy gate of 50m, got %v", cfg.MaxAccuracyM)
	}
	if cfg.ClusterRadiusM != 10 {
		t.Fatalf("expected default cluster radius of 10m, got %v", cfg.ClusterRadiusM)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9000")
	t.Setenv("POSTGRES_URL", "postgres://example")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("MAX_ACCURACY_M", "25")
	t.Setenv("CLUSTER_RADIUS_M", "15")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("FIX_DEVICE", "bike-1")

	cfg := Load()
	if cfg.ServerPort != ":9000" {
		t.Fatalf("expected override port")
	}
	if cfg.PostgresURL != "postgres://example" {
		t.Fatalf("expected override postgres")
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("expected override redis")
	}
	if cfg.JWTSecret != "secret" {
		t.Fatalf("expected override secret")
	}
	if cfg.MaxAccuracyM != 25 || cfg.ClusterRadiusM != 15 {
		t.Fatalf("expected numeric overrides, got %v / %v", cfg.MaxAccuracyM, cfg.ClusterRadiusM)
	}
	if cfg.LogFormat != "JSON" {
		t.Fatalf("expected override log format")
	}
	if cfg.FixDevice != "bike-1" {
		t.Fatalf("expected override fix device")
	}
}
