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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ammofeeds/ingestor"
	apimodel "github.com/ammofeeds/ingestor/api/model"
	"github.com/ammofeeds/ingestor/internal/apierror"
	"github.com/ammofeeds/ingestor/internal/cache"
	"github.com/ammofeeds/ingestor/model"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const terminalRunCacheTTL = time.Hour

func runCacheKey(id string) string {
	return fmt.Sprintf("api:run:%s", id)
}

// GetFeedRuns lists the runs of a feed, newest first.
//
// Query parameters: status, limit (default 20, max 100) and offset.
func (a Api) GetFeedRuns(c *gin.Context) {
	page, err := apimodel.ParsePage(c.Query("limit"), c.Query("offset"), 20)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runs, err := a.datasource.GetRuns(c.Request.Context(), model.RunFilter{
		FeedID: c.Param("id"),
		Status: model.RunStatus(c.Query("status")),
		Limit:  page.Limit,
		Offset: page.Offset,
	})
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

// GetRun returns a single run. Finished runs never change and are served from the cache.
func (a Api) GetRun(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	var cached model.Run
	err := a.cache.Get(ctx, runCacheKey(id), &cached)
	if err == nil {
		c.JSON(http.StatusOK, cached)
		return
	}
	if !errors.Is(err, cache.ErrMiss) {
		logrus.WithField("run_id", id).WithError(err).Warn("run cache read failed")
	}

	run, err := a.datasource.GetRunByID(ctx, id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	if run.IsTerminal() {
		if err := a.cache.Set(ctx, runCacheKey(id), run, terminalRunCacheTTL); err != nil {
			logrus.WithField("run_id", id).WithError(err).Warn("run cache write failed")
		}
	}
	c.JSON(http.StatusOK, run)
}

// TriggerFeedRun records an operator request for a run. MANUAL requests set the feed's pending
// flag and are picked up by the scheduler; ADMIN_TEST requests are queued right away.
func (a Api) TriggerFeedRun(c *gin.Context) {
	var req apimodel.TriggerFeedRun
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateTriggerFeedRun(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	feedID := c.Param("id")
	trigger := model.RunTrigger(req.Trigger)

	if trigger == model.TriggerManual {
		if err := a.datasource.SetManualRunPending(ctx, feedID); err != nil {
			c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"feed_id": feedID, "trigger": trigger, "status": "pending"})
		return
	}

	if _, err := a.datasource.GetFeedByID(ctx, feedID); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	queued, err := a.enqueuer.EnqueueFeedRun(ctx, ingestor.FeedRunJob{
		FeedID:      feedID,
		Trigger:     trigger,
		RequestedAt: time.Now().UTC(),
	}, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"feed_id": feedID, "trigger": trigger, "queued": queued})
}
