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
	"encoding/json"
	"sort"
	"time"

	"github.com/ammofeeds/ingestor/internal/ammo"
	"github.com/ammofeeds/ingestor/model"
)

// WinningRow is the row chosen to represent one identity in this run.
type WinningRow struct {
	Index    int
	Row      *model.ParsedRow
	Identity Identity
}

// QuarantineCandidate is an identity none of whose occurrences passed the gate.
type QuarantineCandidate struct {
	MatchKey       string
	Row            *model.ParsedRow
	BlockingErrors []string
}

// GateResult splits the file into rows to ingest and identities to quarantine.
type GateResult struct {
	Ingestible            []WinningRow
	Quarantined           []QuarantineCandidate
	DedupeFallbackToValid int
}

// ResolveWinners picks one row per identity. The last occurrence wins; when it fails the gate the
// most recent valid earlier occurrence is used instead. Identities with no valid occurrence are
// quarantined with the last row's errors and payload. Ingestible rows come back in file order.
func ResolveWinners(idx *IdentityIndex, rows []model.ParsedRow) GateResult {
	var result GateResult
	verdicts := make(map[int]ammo.Verdict)
	classify := func(i int) ammo.Verdict {
		if v, ok := verdicts[i]; ok {
			return v
		}
		v := ammo.Classify(&rows[i])
		verdicts[i] = v
		return v
	}

	for _, key := range idx.Keys {
		occurrences := idx.Occurrences[key]
		last := idx.LastIndex[key]

		winner := -1
		for j := len(occurrences) - 1; j >= 0; j-- {
			if classify(occurrences[j]).Ingestible {
				winner = occurrences[j]
				break
			}
		}

		switch {
		case winner == last:
		case winner >= 0:
			result.DedupeFallbackToValid++
		default:
			result.Quarantined = append(result.Quarantined, QuarantineCandidate{
				MatchKey:       key,
				Row:            &rows[last],
				BlockingErrors: classify(last).BlockingErrors,
			})
			continue
		}

		result.Ingestible = append(result.Ingestible, WinningRow{
			Index:    winner,
			Row:      &rows[winner],
			Identity: idx.Identities[winner],
		})
	}

	sort.Slice(result.Ingestible, func(a, b int) bool {
		return result.Ingestible[a].Index < result.Ingestible[b].Index
	})
	return result
}

// QuarantineRecords turns candidates into records ready for the (feed, match key) upsert.
func QuarantineRecords(feed *model.Feed, run *model.Run, candidates []QuarantineCandidate, now time.Time) ([]model.QuarantinedRecord, error) {
	records := make([]model.QuarantinedRecord, 0, len(candidates))
	for _, c := range candidates {
		payload, err := json.Marshal(c.Row)
		if err != nil {
			return nil, err
		}
		records = append(records, model.QuarantinedRecord{
			ID:             model.GenerateUUIDWithSuffix("qr"),
			FeedID:         feed.FeedID,
			RunID:          run.RunID,
			SourceID:       feed.SourceID,
			MatchKey:       c.MatchKey,
			RawPayload:     payload,
			BlockingErrors: c.BlockingErrors,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return records, nil
}
