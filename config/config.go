/*
Copyright 2024 Ammofeeds Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT                 = "5004"
	DEFAULT_CHUNK_SIZE           = 1000
	DEFAULT_HEARTBEAT_HOURS      = 24
	DEFAULT_MAX_ROW_COUNT        = 500000
	DEFAULT_LOCK_TTL_SECONDS     = 600
	DEFAULT_LOCK_RENEW_SECONDS   = 120
	DEFAULT_DOWNLOAD_TIMEOUT_SEC = 300
	DEFAULT_FEED_RUN_QUEUE       = "feed_runs"
	DEFAULT_WEBHOOK_QUEUE        = "webhook_queue"
	DEFAULT_MAX_RETRY            = 3
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"INGESTOR_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"INGESTOR_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"INGESTOR_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"INGESTOR_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"INGESTOR_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"INGESTOR_REDIS_SKIP_TLS_VERIFY"`
	KeyPrefix     string `json:"key_prefix" envconfig:"INGESTOR_REDIS_KEY_PREFIX"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"INGESTOR_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"INGESTOR_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"INGESTOR_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"INGESTOR_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"INGESTOR_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type QueueConfig struct {
	FeedRunQueue     string `json:"feed_run_queue" envconfig:"INGESTOR_QUEUE_FEED_RUN"`
	WebhookQueue     string `json:"webhook_queue" envconfig:"INGESTOR_QUEUE_WEBHOOK"`
	MaxRetry         int    `json:"max_retry" envconfig:"INGESTOR_QUEUE_MAX_RETRY"`
	Concurrency      int    `json:"concurrency" envconfig:"INGESTOR_QUEUE_CONCURRENCY"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"INGESTOR_QUEUE_MONITORING_PORT"`
	JobStateTTLHours int    `json:"job_state_ttl_hours" envconfig:"INGESTOR_QUEUE_JOB_STATE_TTL_HOURS"`
}

type PipelineConfig struct {
	ChunkSize              int     `json:"chunk_size" envconfig:"INGESTOR_PIPELINE_CHUNK_SIZE"`
	PriceHeartbeatHours    int     `json:"price_heartbeat_hours" envconfig:"INGESTOR_PIPELINE_PRICE_HEARTBEAT_HOURS"`
	DefaultMaxRowCount     int     `json:"default_max_row_count" envconfig:"INGESTOR_PIPELINE_DEFAULT_MAX_ROW_COUNT"`
	DefaultCurrency        string  `json:"default_currency" envconfig:"INGESTOR_PIPELINE_DEFAULT_CURRENCY"`
	LockTTLSeconds         int     `json:"lock_ttl_seconds" envconfig:"INGESTOR_PIPELINE_LOCK_TTL_SECONDS"`
	LockRenewSeconds       int     `json:"lock_renew_seconds" envconfig:"INGESTOR_PIPELINE_LOCK_RENEW_SECONDS"`
	DownloadTimeoutSeconds int     `json:"download_timeout_seconds" envconfig:"INGESTOR_PIPELINE_DOWNLOAD_TIMEOUT_SECONDS"`
	URLHashFallbackCeiling float64 `json:"url_hash_fallback_ceiling" envconfig:"INGESTOR_PIPELINE_URL_HASH_FALLBACK_CEILING"`
	SchedulerPollSeconds   int     `json:"scheduler_poll_seconds" envconfig:"INGESTOR_PIPELINE_SCHEDULER_POLL_SECONDS"`
	StaleRunHours          int     `json:"stale_run_hours" envconfig:"INGESTOR_PIPELINE_STALE_RUN_HOURS"`
}

type OtelConfig struct {
	OtelExporterOtlpProtocol string `json:"otel_exporter_otlp_protocol" envconfig:"INGESTOR_OTEL_EXPORTER_OTLP_PROTOCOL"`
	OtelExporterOtlpEndpoint string `json:"otel_exporter_otlp_endpoint" envconfig:"INGESTOR_OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpHeaders  string `json:"otel_exporter_otlp_headers" envconfig:"INGESTOR_OTEL_EXPORTER_OTLP_HEADERS"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"INGESTOR_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"INGESTOR_ENABLE_TELEMETRY"`
	PostHogKey      string           `json:"posthog_key" envconfig:"INGESTOR_POSTHOG_KEY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
	Queue           QueueConfig      `json:"queue"`
	Pipeline        PipelineConfig   `json:"pipeline"`
	Otel            OtelConfig       `json:"otel"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("ingestor", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called ingestor.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Feed Ingestor"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Redis.KeyPrefix == "" {
		cnf.Redis.KeyPrefix = "ingestor:"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	cnf.Queue.addDefaults()
	return cnf.Pipeline.addDefaults()
}

func (q *QueueConfig) addDefaults() {
	if q.FeedRunQueue == "" {
		q.FeedRunQueue = DEFAULT_FEED_RUN_QUEUE
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if q.MaxRetry <= 0 {
		q.MaxRetry = DEFAULT_MAX_RETRY
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 4
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5005"
	}
	if q.JobStateTTLHours <= 0 {
		q.JobStateTTLHours = 72
	}
}

func (p *PipelineConfig) addDefaults() error {
	if p.ChunkSize <= 0 {
		p.ChunkSize = DEFAULT_CHUNK_SIZE
	}
	if p.PriceHeartbeatHours <= 0 {
		p.PriceHeartbeatHours = DEFAULT_HEARTBEAT_HOURS
	}
	if p.DefaultMaxRowCount <= 0 {
		p.DefaultMaxRowCount = DEFAULT_MAX_ROW_COUNT
	}
	if p.DefaultCurrency == "" {
		p.DefaultCurrency = "USD"
	}
	p.DefaultCurrency = strings.ToUpper(strings.TrimSpace(p.DefaultCurrency))
	if p.LockTTLSeconds <= 0 {
		p.LockTTLSeconds = DEFAULT_LOCK_TTL_SECONDS
	}
	if p.LockRenewSeconds <= 0 {
		p.LockRenewSeconds = DEFAULT_LOCK_RENEW_SECONDS
	}
	if p.LockRenewSeconds >= p.LockTTLSeconds {
		return errors.New("lock renew interval must be shorter than the lock ttl")
	}
	if p.DownloadTimeoutSeconds <= 0 {
		p.DownloadTimeoutSeconds = DEFAULT_DOWNLOAD_TIMEOUT_SEC
	}
	if p.SchedulerPollSeconds <= 0 {
		p.SchedulerPollSeconds = 60
	}
	if p.StaleRunHours <= 0 {
		p.StaleRunHours = 6
	}
	if p.URLHashFallbackCeiling < 0 || p.URLHashFallbackCeiling > 1 {
		return errors.New("url hash fallback ceiling must be between 0 and 1")
	}
	return nil
}

// SetOtelExporterEnvs exports the OTLP settings so the exporter picks them up from the environment.
func SetOtelExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	envs := map[string]string{
		"OTEL_EXPORTER_OTLP_PROTOCOL": cnf.Otel.OtelExporterOtlpProtocol,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cnf.Otel.OtelExporterOtlpEndpoint,
		"OTEL_EXPORTER_OTLP_HEADERS":  cnf.Otel.OtelExporterOtlpHeaders,
	}
	for k, v := range envs {
		if v == "" {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
