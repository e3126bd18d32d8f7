package storage

import (
	"context"
	"testing"
	"time"

	"github.com/wallet-insights/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// integrationConfig returns the database settings from the environment, or
// skips the test in short mode
func integrationConfig(t *testing.T) *config.DatabaseConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Skipf("Skipping test - configuration not available: %v", err)
	}
	return &cfg.Database
}
