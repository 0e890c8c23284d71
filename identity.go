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
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/ammofeeds/ingestor/model"
)

// trackingParams are query parameters that never identify a product.
var trackingParams = map[string]struct{}{
	"gclid":     {},
	"fbclid":    {},
	"msclkid":   {},
	"dclid":     {},
	"irclickid": {},
	"clickid":   {},
	"cjevent":   {},
	"sscid":     {},
	"afftrack":  {},
	"subid":     {},
	"aff_sub":   {},
	"ranmid":    {},
	"ransiteid": {},
	"mc_cid":    {},
	"mc_eid":    {},
}

// Identity is the resolved dedup key of a parsed row.
type Identity struct {
	Type          model.IdentityType
	Value         string
	NormalizedURL string
	URLHash       string
}

// Key returns the TYPE:value form used for dedup and quarantine matching.
func (i Identity) Key() string {
	return string(i.Type) + ":" + i.Value
}

// ResolveIdentity picks the row identity by strict priority: network item id, then SKU, then the
// hash of the normalized URL.
func ResolveIdentity(row *model.ParsedRow) Identity {
	normalized := NormalizeURL(row.URL)
	id := Identity{NormalizedURL: normalized, URLHash: HashURL(normalized)}

	if v := model.StringValue(row.NetworkItemID); v != "" {
		id.Type, id.Value = model.IdentityNetworkItemID, v
		return id
	}
	if v := model.StringValue(row.SKU); v != "" {
		id.Type, id.Value = model.IdentitySKU, v
		return id
	}
	id.Type, id.Value = model.IdentityURLHash, id.URLHash
	return id
}

// HashURL returns the hex sha256 of an already normalized URL.
func HashURL(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL canonicalizes a product URL so that tracking noise does not split one product
// into several URL_HASH identities.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimRight(raw, "/"))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	query := u.Query()
	for key := range query {
		lk := strings.ToLower(key)
		if _, ok := trackingParams[lk]; ok || strings.HasPrefix(lk, "utm_") {
			query.Del(key)
		}
	}
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		values := query[key]
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	u.RawQuery = strings.Join(parts, "&")
	u.ForceQuery = false

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// IdentityIndex is the whole-file view of row identities, built once before any chunk is written.
type IdentityIndex struct {
	// Identities holds the resolved identity of every row, by row position.
	Identities []Identity
	// Occurrences lists the row positions of every identity key in file order.
	Occurrences map[string][]int
	// LastIndex is the position of the last row producing each key.
	LastIndex map[string]int
	// Keys lists identity keys in order of first appearance.
	Keys []string

	DuplicateCount       int
	URLHashFallbackCount int
}

// BuildIdentityIndex resolves every row in a single forward pass.
func BuildIdentityIndex(rows []model.ParsedRow) *IdentityIndex {
	idx := &IdentityIndex{
		Identities:  make([]Identity, len(rows)),
		Occurrences: make(map[string][]int, len(rows)),
		LastIndex:   make(map[string]int, len(rows)),
	}

	for i := range rows {
		id := ResolveIdentity(&rows[i])
		idx.Identities[i] = id
		if id.Type == model.IdentityURLHash {
			idx.URLHashFallbackCount++
		}

		key := id.Key()
		if _, seen := idx.Occurrences[key]; !seen {
			idx.Keys = append(idx.Keys, key)
		}
		idx.Occurrences[key] = append(idx.Occurrences[key], i)
		idx.LastIndex[key] = i
	}

	idx.DuplicateCount = len(rows) - len(idx.Keys)
	return idx
}
