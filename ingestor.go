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

package ingestor

import (
	"embed"
	"net/http"
	"strings"
	"time"

	"github.com/ammofeeds/ingestor/config"
	"github.com/ammofeeds/ingestor/database"
	"github.com/ammofeeds/ingestor/internal/breaker"
	"github.com/ammofeeds/ingestor/internal/downloader"
	"github.com/ammofeeds/ingestor/internal/feedparse"
	redlock "github.com/ammofeeds/ingestor/internal/lock"
	"github.com/ammofeeds/ingestor/internal/notification"
	redis_db "github.com/ammofeeds/ingestor/internal/redis-db"
	"github.com/posthog/posthog-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("ingestor")

// Ingestor wires the feed run pipeline to its collaborators.
type Ingestor struct {
	datasource    database.IDataSource
	redis         redis.UniversalClient
	queue         *Queue
	locks         *redlock.Manager
	jobs          JobStateStore
	downloader    Downloader
	parsers       map[string]Parser
	defaultParser Parser
	breaker       CircuitBreaker
	notifier      Notifier
	processor     *Processor
	cfg           *config.Configuration
	now           func() time.Time
}

// NewIngestor builds an Ingestor from the loaded configuration with the HTTP downloader, the
// generic parsers and the store backed circuit breaker.
func NewIngestor(db database.IDataSource) (*Ingestor, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	i := newIngestor(db, redisClient.Client(), cfg)
	i.queue = NewQueue(cfg)
	notification.RegisterWebhookSender(i.queue.SendWebhook)
	return i, nil
}

func newIngestor(db database.IDataSource, client redis.UniversalClient, cfg *config.Configuration) *Ingestor {
	pipeline := cfg.Pipeline
	rss := feedparse.NewRSS()
	return &Ingestor{
		datasource: db,
		redis:      client,
		locks:      redlock.NewManager(client, cfg.Redis.KeyPrefix),
		jobs:       NewRedisJobState(client, cfg.Redis.KeyPrefix, time.Duration(cfg.Queue.JobStateTTLHours)*time.Hour),
		downloader: downloader.NewHTTP(&http.Client{}, time.Duration(pipeline.DownloadTimeoutSeconds)*time.Second),
		parsers: map[string]Parser{
			"rss":             rss,
			"google_merchant": rss,
		},
		defaultParser: feedparse.NewCSV(),
		breaker:       breaker.New(db, pipeline.URLHashFallbackCeiling),
		notifier:      notification.NewDispatcher(notification.NewSlack(cfg.Notification.Slack.WebhookUrl), nil),
		processor:     NewProcessor(db, pipeline.ChunkSize, time.Duration(pipeline.PriceHeartbeatHours)*time.Hour, pipeline.DefaultCurrency),
		cfg:           cfg,
		now:           time.Now,
	}
}

// WithPostHog adds PostHog as a sink for lifecycle notifications.
func (i *Ingestor) WithPostHog(client posthog.Client) *Ingestor {
	i.notifier = notification.NewDispatcher(notification.NewSlack(i.cfg.Notification.Slack.WebhookUrl), notification.NewPostHogCapturer(client))
	return i
}

// WithDownloader replaces the feed downloader.
func (i *Ingestor) WithDownloader(d Downloader) *Ingestor {
	i.downloader = d
	return i
}

// WithParser registers a parser for an affiliate network. An empty network replaces the default.
func (i *Ingestor) WithParser(network string, p Parser) *Ingestor {
	if network == "" {
		i.defaultParser = p
		return i
	}
	i.parsers[strings.ToLower(network)] = p
	return i
}

func (i *Ingestor) WithCircuitBreaker(b CircuitBreaker) *Ingestor {
	i.breaker = b
	return i
}

func (i *Ingestor) WithNotifier(n Notifier) *Ingestor {
	i.notifier = n
	return i
}

func (i *Ingestor) WithJobState(s JobStateStore) *Ingestor {
	i.jobs = s
	return i
}

// Datasource exposes the repository to the API layer.
func (i *Ingestor) Datasource() database.IDataSource {
	return i.datasource
}

// Redis exposes the shared client to the API layer cache.
func (i *Ingestor) Redis() redis.UniversalClient {
	return i.redis
}

func (i *Ingestor) Queue() *Queue {
	return i.queue
}

func (i *Ingestor) parserFor(feed string) Parser {
	if p, ok := i.parsers[strings.ToLower(feed)]; ok {
		return p
	}
	return i.defaultParser
}

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Error(msg, err)
	return err
}
