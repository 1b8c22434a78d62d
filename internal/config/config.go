package config

import (
	"fmt"
	"time"
)

type DB struct {
	Host string `envconfig:"DB_HOST"`
	Port uint64 `envconfig:"DB_PORT"`

	UserName string `envconfig:"DB_USER_NAME"`
	Password string `envconfig:"DB_PASSWORD"`
	DataBase string `envconfig:"DB_NAME"`
}

// Metrics ...
type Metrics struct {
	Port      string `envconfig:"METRICS_PORT" default:"9090"`
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"system"`
	Subsystem string `envconfig:"METRICS_SUBSYSTEM" default:"labqueue"`
}

type System struct {
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"300s"`
	ReadBufferSize int           `envconfig:"READ_BUFFER_SIZE" default:"16384"`
}

// Queue holds the dispatch engine settings. ChunkSizes maps a task name to
// the number of items processed per chunk and must carry a "default" entry;
// resolution is exact name match, else default.
type Queue struct {
	ChunkSizes      map[string]int `envconfig:"QUEUE_CHUNK_SIZES" default:"default:10"`
	DuplicatePolicy string         `envconfig:"QUEUE_DUPLICATE_POLICY" default:"merge" validate:"oneof=merge reject"`
	MaxWorkers      uint           `envconfig:"QUEUE_MAX_WORKERS" default:"4"`
	PollPeriod      time.Duration  `envconfig:"QUEUE_POLL_PERIOD" default:"100ms"`
	ChunkTimeout    time.Duration  `envconfig:"QUEUE_CHUNK_TIMEOUT" default:"5m"`
	MaxAttempts     uint           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`
	ShrinkAfter     uint           `envconfig:"QUEUE_SHRINK_AFTER" default:"2"`
	MaxShrinks      uint           `envconfig:"QUEUE_MAX_SHRINKS" default:"1"`
	BackoffBase     time.Duration  `envconfig:"QUEUE_BACKOFF_BASE" default:"1s"`
	BackoffMax      time.Duration  `envconfig:"QUEUE_BACKOFF_MAX" default:"1m"`
}

func (d DB) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Configured reports whether a queue backend was supplied. With no database
// the queue is disabled and producers run their work inline.
func (d DB) Configured() bool {
	return d.Host != ""
}

type Config struct {
	DB      DB
	Metrics Metrics
	System  System
	Queue   Queue
}
