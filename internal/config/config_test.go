package config

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	require.NoError(t, envconfig.Process("", &cfg))

	assert.Equal(t, map[string]int{"default": 10}, cfg.Queue.ChunkSizes)
	assert.Equal(t, "merge", cfg.Queue.DuplicatePolicy)
	assert.Equal(t, uint(4), cfg.Queue.MaxWorkers)
	assert.Equal(t, 100*time.Millisecond, cfg.Queue.PollPeriod)
	assert.Equal(t, 5*time.Minute, cfg.Queue.ChunkTimeout)
	assert.Equal(t, uint(3), cfg.Queue.MaxAttempts)
	assert.Equal(t, uint(2), cfg.Queue.ShrinkAfter)
	assert.Equal(t, uint(1), cfg.Queue.MaxShrinks)
	assert.Equal(t, time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, time.Minute, cfg.Queue.BackoffMax)

	assert.False(t, cfg.DB.Configured(), "queue is disabled without a database")
	assert.Equal(t, "9090", cfg.Metrics.Port)
}

func TestConfig_ChunkSizesFromEnvironment(t *testing.T) {
	t.Setenv("QUEUE_CHUNK_SIZES", "default:10,assign_items:50,task_action_submit:25")

	var cfg Config
	require.NoError(t, envconfig.Process("", &cfg))

	assert.Equal(t, map[string]int{
		"default":            10,
		"assign_items":       50,
		"task_action_submit": 25,
	}, cfg.Queue.ChunkSizes)
}

func TestConfig_QueueOverrides(t *testing.T) {
	t.Setenv("QUEUE_DUPLICATE_POLICY", "reject")
	t.Setenv("QUEUE_MAX_WORKERS", "8")
	t.Setenv("QUEUE_BACKOFF_BASE", "250ms")

	var cfg Config
	require.NoError(t, envconfig.Process("", &cfg))

	assert.Equal(t, "reject", cfg.Queue.DuplicatePolicy)
	assert.Equal(t, uint(8), cfg.Queue.MaxWorkers)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.BackoffBase)
}

func TestDB_Address(t *testing.T) {
	db := DB{Host: "localhost", Port: 5432}

	assert.Equal(t, "localhost:5432", db.Address())
	assert.True(t, db.Configured())
}
