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

package model

import (
	"errors"
	"strconv"
	"time"

	"github.com/ammofeeds/ingestor/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const maxPageSize = 100

// TriggerFeedRun is the body of an operator run request.
type TriggerFeedRun struct {
	Trigger string `json:"trigger"`
}

func (t *TriggerFeedRun) ValidateTriggerFeedRun() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.Trigger,
			validation.Required,
			validation.In(string(model.TriggerManual), string(model.TriggerAdminTest)).
				Error("trigger must be MANUAL or ADMIN_TEST"),
		),
	)
}

type Page struct {
	Limit  int
	Offset int
}

// ParsePage reads limit and offset query values. An empty limit becomes def; limits above 100
// are capped.
func ParsePage(limit, offset string, def int) (Page, error) {
	page := Page{Limit: def}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return page, errors.New("limit must be a positive integer")
		}
		page.Limit = n
	}
	if page.Limit > maxPageSize {
		page.Limit = maxPageSize
	}
	if offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return page, errors.New("offset must be a non-negative integer")
		}
		page.Offset = n
	}
	return page, nil
}

type Window struct {
	From time.Time
	To   time.Time
}

// ParseWindow reads an optional RFC3339 time range. Zero values mean unbounded.
func ParseWindow(from, to string) (Window, error) {
	var w Window
	var err error
	if from != "" {
		if w.From, err = time.Parse(time.RFC3339, from); err != nil {
			return w, errors.New("from must be an RFC3339 timestamp, e.g. 2024-04-22T15:28:03Z")
		}
	}
	if to != "" {
		if w.To, err = time.Parse(time.RFC3339, to); err != nil {
			return w, errors.New("to must be an RFC3339 timestamp, e.g. 2024-04-22T15:28:03Z")
		}
	}
	if !w.From.IsZero() && !w.To.IsZero() && !w.To.After(w.From) {
		return w, errors.New("to must be after from")
	}
	return w, nil
}
