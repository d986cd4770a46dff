package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DispatchSettings are the batch tuning knobs shared by every binary that runs sends.
type DispatchSettings struct {
	BatchSize        int           `envconfig:"BATCH_SIZE" default:"25"`
	BatchDelayMs     int           `envconfig:"BATCH_DELAY" default:"3000"`
	InterItemDelayMs int           `envconfig:"INTER_ITEM_DELAY" default:"200"`
	RetryAttempts    int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	LockTTL          time.Duration `envconfig:"LOCK_TTL" default:"30m"`
}

func (d DispatchSettings) BatchDelay() time.Duration {
	return time.Duration(d.BatchDelayMs) * time.Millisecond
}

func (d DispatchSettings) InterItemDelay() time.Duration {
	return time.Duration(d.InterItemDelayMs) * time.Millisecond
}

type DBSettings struct {
	StoreDriver string `envconfig:"STORE_DRIVER" default:"pg"`
	DBDSN       string `envconfig:"DB_DSN"`

	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"1h"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"30m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
}

type MailSettings struct {
	MailDriver string  `envconfig:"MAIL_DRIVER" default:"ses"`
	MailFrom   string  `envconfig:"MAIL_FROM" default:"newsletter@example.edu"`
	SiteURL    string  `envconfig:"SITE_URL" default:"http://localhost:3000"`
	MailRPS    float64 `envconfig:"MAIL_RPS" default:"5"`
	MailBurst  int     `envconfig:"MAIL_BURST" default:"1"`

	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type APIConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBSettings
	MailSettings
	DispatchSettings

	// optional: cross-host run lock
	RedisAddr string `envconfig:"REDIS_ADDR"`

	// optional: async runs go to the worker through SQS
	SQSQueueURL string `envconfig:"SQS_QUEUE_URL"`

	// how long shutdown waits for synchronous runs still mid-batch
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10m"`
}

type WorkerConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBSettings
	MailSettings
	DispatchSettings

	RedisAddr string `envconfig:"REDIS_ADDR"`

	SQSQueueURL   string `envconfig:"SQS_QUEUE_URL" required:"true"`
	SQSWaitTime   int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"900"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"4"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
