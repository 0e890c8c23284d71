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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/ammofeeds/ingestor"
	"github.com/ammofeeds/ingestor/config"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeQueues weights feed runs above webhook deliveries.
func initializeQueues(conf *config.Configuration) map[string]int {
	return map[string]int{
		conf.Queue.FeedRunQueue: 3,
		conf.Queue.WebhookQueue: 1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := ingestor.RedisClientOpt(conf)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(redisOption, asynq.Config{
		Concurrency:    conf.Queue.Concurrency,
		Queues:         queues,
		RetryDelayFunc: ingestor.RetryDelay,
		IsFailure: func(err error) bool {
			return err != nil
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logrus.WithFields(logrus.Fields{
				"task_type": task.Type(),
				"retry":     retried,
				"max_retry": maxRetry,
			}).WithError(err).Warn("task failed")
		}),
	}), nil
}

func initializeTaskHandlers(app *ingestorInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(ingestor.TypeFeedRun, app.ingestor.ProcessFeedRun)
	mux.HandleFunc(app.cnf.Queue.WebhookQueue, ingestor.ProcessWebhook)
}

func startMonitoring(conf *config.Configuration) {
	redisOption, err := ingestor.RedisClientOpt(conf)
	if err != nil {
		log.Printf("asynqmon disabled: %v", err)
		return
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOption,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
}

// workerCommands defines the "workers" command. Workers execute queued feed runs and deliver
// webhooks.
func workerCommands(app *ingestorInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start feed run workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			cleanup, err := initializeObservability(ctx, app, "workers")
			if err != nil {
				log.Fatal(err)
			}
			defer cleanup()

			srv, err := initializeWorkerServer(app.cnf, initializeQueues(app.cnf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(app, mux)

			startMonitoring(app.cnf)

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
