package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("orchestrator")
	require.NoError(t, err)

	assert.Equal(t, "orchestrator", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.HTTP.Port)

	assert.Equal(t, 10, cfg.Engine.MaxConcurrentExecutions)
	assert.Equal(t, 1000, cfg.Engine.MaxExecutionHistory)
	assert.Equal(t, 30*time.Second, cfg.Engine.MonitorInterval)
	assert.Equal(t, time.Hour, cfg.Engine.CleanupInterval)
	assert.Equal(t, 4*time.Hour, cfg.Engine.StuckThreshold)
	assert.Equal(t, time.Hour, cfg.Engine.SubprocessWait)
	assert.Equal(t, 30*time.Second, cfg.Engine.ShutdownGrace)

	assert.Equal(t, "priority", cfg.Providers.DefaultStrategy)
	assert.Equal(t, 3, cfg.Providers.MaxAttempts)
	assert.Equal(t, 5, cfg.Providers.FailureThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Providers.HalfOpenAfter)
	assert.Equal(t, 5*time.Minute, cfg.Providers.RateLimitCooldown)

	assert.Equal(t, "orchestration", cfg.Database.Schema)
	assert.Equal(t, "orchestrator-consumer", cfg.Kafka.ConsumerGroup)
}

func TestServiceEnvOverride(t *testing.T) {
	t.Setenv("ENGINE_MAX_CONCURRENT_EXECUTIONS", "25")
	t.Setenv("PROVIDERS_DEFAULT_STRATEGY", "intelligent")

	cfg, err := Load("orchestrator")
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Engine.MaxConcurrentExecutions)
	assert.Equal(t, "intelligent", cfg.Providers.DefaultStrategy)
}

func TestDatabaseDSN(t *testing.T) {
	db := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "svc",
		Password: "secret",
		Database: "arachne",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=svc password=secret dbname=arachne sslmode=require",
		db.DSN())
}
