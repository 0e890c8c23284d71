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
	"time"

	"github.com/ammofeeds/ingestor/model"
)

// PriceCache remembers the latest price signature per product for one run. It is created by the
// run and passed into every chunk; it is never shared between runs.
type PriceCache struct {
	entries map[string]model.PriceSnapshot
}

func NewPriceCache() *PriceCache {
	return &PriceCache{entries: make(map[string]model.PriceSnapshot)}
}

func (c *PriceCache) Get(productID string) (model.PriceSnapshot, bool) {
	s, ok := c.entries[productID]
	return s, ok
}

func (c *PriceCache) Put(s model.PriceSnapshot) {
	c.entries[s.SourceProductID] = s
}

func (c *PriceCache) Len() int {
	return len(c.entries)
}

// Missing returns the ids not cached yet, preserving order.
func (c *PriceCache) Missing(productIDs []string) []string {
	var missing []string
	for _, id := range productIDs {
		if _, ok := c.entries[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// NeedsWrite decides whether a new observation with signature must be written: the product is
// new to the run, its signature changed, or the cached observation is older than heartbeat.
func (c *PriceCache) NeedsWrite(productID, signature string, now time.Time, heartbeat time.Duration) bool {
	cached, ok := c.entries[productID]
	if !ok {
		return true
	}
	if cached.Signature != signature {
		return true
	}
	return now.Sub(cached.ObservedAt) > heartbeat
}
