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

package api

import (
	"net/http"

	"github.com/ammofeeds/ingestor"
	"github.com/ammofeeds/ingestor/api/middleware"
	"github.com/ammofeeds/ingestor/config"
	"github.com/ammofeeds/ingestor/database"
	"github.com/ammofeeds/ingestor/internal/cache"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Api serves run history, quarantine and price reads, and accepts run requests from operators.
type Api struct {
	datasource database.IDataSource
	enqueuer   ingestor.FeedRunEnqueuer
	cache      cache.Cache
	router     *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.GET("/feeds/:id/runs", a.GetFeedRuns)
	router.POST("/feeds/:id/runs", a.TriggerFeedRun)
	router.GET("/feeds/:id/quarantine", a.GetQuarantinedRecords)

	router.GET("/runs/:id", a.GetRun)

	router.GET("/products/:id/prices", a.GetPrices)
	return router
}

func NewAPI(i *ingestor.Ingestor) *Api {
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	return newAPI(conf, i.Datasource(), i.Queue(), cache.NewCache(i.Redis()))
}

func newAPI(conf *config.Configuration, ds database.IDataSource, enqueuer ingestor.FeedRunEnqueuer, c cache.Cache) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(conf.ProjectName), middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{datasource: ds, enqueuer: enqueuer, cache: c, router: r}
}
