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

	apimodel "github.com/ammofeeds/ingestor/api/model"
	"github.com/ammofeeds/ingestor/internal/apierror"
	"github.com/ammofeeds/ingestor/model"
	"github.com/gin-gonic/gin"
)

// GetQuarantinedRecords lists the quarantined rows of a feed.
func (a Api) GetQuarantinedRecords(c *gin.Context) {
	page, err := apimodel.ParsePage(c.Query("limit"), c.Query("offset"), 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := a.datasource.GetQuarantinedRecords(c.Request.Context(), c.Param("id"), page.Limit, page.Offset)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

// GetPrices returns the price history of a source product, newest first. from and to are RFC3339.
func (a Api) GetPrices(c *gin.Context) {
	window, err := apimodel.ParseWindow(c.Query("from"), c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := apimodel.ParsePage(c.Query("limit"), "", 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prices, err := a.datasource.GetPrices(c.Request.Context(), model.PriceFilter{
		SourceProductID: c.Param("id"),
		From:            window.From,
		To:              window.To,
		Limit:           page.Limit,
	})
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, prices)
}
