package config

import (
	"math"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("DASHBOARD_CACHE_TTL", "30s")
	t.Setenv("ANALYTICS_MIN_SAMPLE_SIZE", "5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.Cache.DashboardTTL != 30*time.Second {
		t.Errorf("Cache.DashboardTTL = %v, want %v", cfg.Cache.DashboardTTL, 30*time.Second)
	}
	if cfg.Analytics.MinSampleSize != 5 {
		t.Errorf("Analytics.MinSampleSize = %v, want 5", cfg.Analytics.MinSampleSize)
	}
}

func TestLoadConfig_RejectsInvertedThresholds(t *testing.T) {
	t.Setenv("SCORE_CHURN_THRESHOLD", "90")
	t.Setenv("SCORE_HEALTHY_THRESHOLD", "50")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for churn threshold above healthy threshold")
	}
}

func TestAnalyticsConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AnalyticsConfig)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*AnalyticsConfig) {}},
		{
			name:    "negative weight",
			mutate:  func(a *AnalyticsConfig) { a.ActivityWeight = -0.1 },
			wantErr: true,
		},
		{
			name: "all zero weights",
			mutate: func(a *AnalyticsConfig) {
				a.RetentionWeight, a.AdoptionWeight, a.ActivityWeight, a.DiversityWeight = 0, 0, 0, 0
			},
			wantErr: true,
		},
		{
			name:    "zero sample size",
			mutate:  func(a *AnalyticsConfig) { a.MinSampleSize = 0 },
			wantErr: true,
		},
		{
			name:    "severity out of order",
			mutate:  func(a *AnalyticsConfig) { a.SeverityMediumMin = 80 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAnalyticsConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAnalyticsConfig_ValidateNormalisesWeights(t *testing.T) {
	cfg := DefaultAnalyticsConfig()
	cfg.RetentionWeight, cfg.AdoptionWeight, cfg.ActivityWeight, cfg.DiversityWeight = 3, 3, 2, 2

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	sum := cfg.RetentionWeight + cfg.AdoptionWeight + cfg.ActivityWeight + cfg.DiversityWeight
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("weights sum = %v, want 1", sum)
	}
	if math.Abs(cfg.RetentionWeight-0.3) > 1e-9 {
		t.Errorf("RetentionWeight = %v, want 0.3", cfg.RetentionWeight)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{"returns integer when valid", "TEST_INT", 100, "200", 200},
		{"returns default when invalid", "TEST_INT_INVALID", 100, "invalid", 100},
		{"returns default when not set", "TEST_INT_NOTSET", 100, "", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := getEnvAsInt(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_FLOAT_BAD", "quarter")

	if got := getEnvAsFloat("TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvAsFloat() = %v, want 0.25", got)
	}
	if got := getEnvAsFloat("TEST_FLOAT_BAD", 1); got != 1 {
		t.Errorf("getEnvAsFloat() = %v, want default", got)
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{"returns duration when valid", "TEST_DURATION", 10 * time.Second, "30s", 30 * time.Second},
		{"returns default when invalid", "TEST_DURATION_INVALID", 10 * time.Second, "invalid", 10 * time.Second},
		{"returns default when not set", "TEST_DURATION_NOTSET", 10 * time.Second, "", 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := getEnvAsDuration(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
