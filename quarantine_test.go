package ingestor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ammofeeds/ingestor/internal/ammo"
	"github.com/ammofeeds/ingestor/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
)

func gateRows(rows ...model.ParsedRow) GateResult {
	return ResolveWinners(BuildIdentityIndex(rows), rows)
}

func TestResolveWinners_LastValidOccurrenceWins(t *testing.T) {
	result := gateRows(
		model.ParsedRow{RowNumber: 2, Name: "Federal 9mm 50 Rounds", SKU: ptr.String("A"), Caliber: ptr.String("9mm"), Price: decimal.NewFromInt(20)},
		model.ParsedRow{RowNumber: 3, Name: "Federal 9mm 50 Rounds", SKU: ptr.String("A"), Caliber: ptr.String("9mm"), Price: decimal.NewFromInt(18)},
	)

	require.Len(t, result.Ingestible, 1)
	assert.Equal(t, 3, result.Ingestible[0].Row.RowNumber)
	assert.Equal(t, 0, result.DedupeFallbackToValid)
	assert.Empty(t, result.Quarantined)
}

func TestResolveWinners_FallsBackToEarlierValidRow(t *testing.T) {
	result := gateRows(
		model.ParsedRow{RowNumber: 2, Name: "Blazer Brass", SKU: ptr.String("A"), Caliber: ptr.String("9mm")},
		model.ParsedRow{RowNumber: 3, Name: "generic ammo", SKU: ptr.String("A")},
	)

	require.Len(t, result.Ingestible, 1)
	winner := result.Ingestible[0]
	assert.Equal(t, 2, winner.Row.RowNumber)
	assert.Equal(t, "SKU:A", winner.Identity.Key())
	assert.Equal(t, 1, result.DedupeFallbackToValid)
	assert.Empty(t, result.Quarantined)
}

func TestResolveWinners_QuarantinesWhenNoOccurrenceIsValid(t *testing.T) {
	result := gateRows(
		model.ParsedRow{RowNumber: 2, Name: "generic ammo", SKU: ptr.String("B")},
		model.ParsedRow{RowNumber: 3, Name: "Hornady 9mm XTP Projectiles", SKU: ptr.String("B"), Caliber: ptr.String("9mm")},
		model.ParsedRow{RowNumber: 4, Name: "Winchester 5.56 Ammo", SKU: ptr.String("C"), Caliber: ptr.String("5.56")},
	)

	require.Len(t, result.Ingestible, 1)
	assert.Equal(t, "SKU:C", result.Ingestible[0].Identity.Key())

	require.Len(t, result.Quarantined, 1)
	q := result.Quarantined[0]
	assert.Equal(t, "SKU:B", q.MatchKey)
	assert.Equal(t, 3, q.Row.RowNumber)
	assert.Equal(t, []string{ammo.ErrNonAmmoComponent}, q.BlockingErrors)
}

func TestResolveWinners_KeepsFileOrder(t *testing.T) {
	result := gateRows(
		model.ParsedRow{RowNumber: 2, Name: "9mm Ammo", SKU: ptr.String("A"), Caliber: ptr.String("9mm")},
		model.ParsedRow{RowNumber: 3, Name: "9mm Ammo", SKU: ptr.String("B"), Caliber: ptr.String("9mm")},
		model.ParsedRow{RowNumber: 4, Name: "9mm Ammo", SKU: ptr.String("A"), Caliber: ptr.String("9mm")},
	)

	require.Len(t, result.Ingestible, 2)
	assert.Equal(t, 3, result.Ingestible[0].Row.RowNumber)
	assert.Equal(t, 4, result.Ingestible[1].Row.RowNumber)
}

func TestQuarantineRecords(t *testing.T) {
	feed := &model.Feed{FeedID: "feed_1", SourceID: "src_1"}
	run := &model.Run{RunID: "run_1"}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	row := &model.ParsedRow{RowNumber: 7, Name: "generic ammo", SKU: ptr.String("B"), Price: decimal.RequireFromString("12.5")}

	records, err := QuarantineRecords(feed, run, []QuarantineCandidate{
		{MatchKey: "SKU:B", Row: row, BlockingErrors: []string{ammo.ErrMissingCaliber}},
	}, now)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Contains(t, rec.ID, "qr_")
	assert.Equal(t, "feed_1", rec.FeedID)
	assert.Equal(t, "run_1", rec.RunID)
	assert.Equal(t, "src_1", rec.SourceID)
	assert.Equal(t, "SKU:B", rec.MatchKey)
	assert.Equal(t, []string{ammo.ErrMissingCaliber}, rec.BlockingErrors)
	assert.Equal(t, now, rec.UpdatedAt)

	var payload model.ParsedRow
	require.NoError(t, json.Unmarshal(rec.RawPayload, &payload))
	assert.Equal(t, 7, payload.RowNumber)
	assert.Equal(t, "B", *payload.SKU)
}
