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
	"time"

	"github.com/ammofeeds/ingestor/api"
	"github.com/ammofeeds/ingestor/config"
	trace "github.com/ammofeeds/ingestor/internal/traces"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"
)

// sendHeartbeat initializes and maintains a periodic heartbeat to PostHog
func sendHeartbeat(client posthog.Client, heartbeatID, component string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      component + "_heartbeat",
				Properties: map[string]interface{}{
					"timestamp": time.Now().UTC(),
				},
			}); err != nil {
				log.Printf("Failed to send heartbeat: %v", err)
			}
		}
	}()
}

func initializeRouter(app *ingestorInstance) *gin.Engine {
	return api.NewAPI(app.ingestor).Router()
}

func initializeTracing(ctx context.Context) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, "INGESTOR")
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func initializePostHog(cfg *config.Configuration, component string) posthog.Client {
	if cfg.PostHogKey == "" {
		return nil
	}
	client, err := posthog.NewWithConfig(cfg.PostHogKey, posthog.Config{Endpoint: "https://us.i.posthog.com"})
	if err != nil {
		log.Printf("PostHog disabled: %v", err)
		return nil
	}
	sendHeartbeat(client, uuid.New().String(), component)
	return client
}

// initializeObservability starts tracing and, when a key is configured, the PostHog client.
// Lifecycle notifications of the pipeline are captured in PostHog as well.
func initializeObservability(ctx context.Context, app *ingestorInstance, component string) (func(), error) {
	if !app.cnf.EnableTelemetry {
		return func() {}, nil
	}

	shutdown, err := initializeTracing(ctx)
	if err != nil {
		return nil, err
	}

	phClient := initializePostHog(app.cnf, component)
	if phClient != nil {
		app.ingestor.WithPostHog(phClient)
	}

	return func() {
		if err := shutdown(ctx); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
		if phClient != nil {
			_ = phClient.Close()
		}
	}, nil
}

// serverCommands returns the command that serves the feed run HTTP API.
func serverCommands(app *ingestorInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the ingestor api server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			cleanup, err := initializeObservability(ctx, app, "server")
			if err != nil {
				log.Fatal(err)
			}
			defer cleanup()

			router := initializeRouter(app)
			log.Printf("Starting server on http://localhost:%s", app.cnf.Server.Port)
			if err := router.Run(":" + app.cnf.Server.Port); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
