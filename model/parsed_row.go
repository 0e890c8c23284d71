package model

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// ParsedRow is the network-independent product shape produced by a feed parser.
type ParsedRow struct {
	RowNumber     int              `json:"row_number"`
	Name          string           `json:"name"`
	URL           string           `json:"url"`
	Price         decimal.Decimal  `json:"price"`
	InStock       bool             `json:"in_stock"`
	SKU           *string          `json:"sku,omitempty"`
	UPC           *string          `json:"upc,omitempty"`
	NetworkItemID *string          `json:"network_item_id,omitempty"`
	Caliber       *string          `json:"caliber,omitempty"`
	GrainWeight   *int             `json:"grain_weight,omitempty"`
	RoundCount    *int             `json:"round_count,omitempty"`
	Brand         *string          `json:"brand,omitempty"`
	Currency      *string          `json:"currency,omitempty"`
	OriginalPrice *decimal.Decimal `json:"original_price,omitempty"`
	ImageURL      *string          `json:"image_url,omitempty"`
}

// ToJSON returns the raw payload stored with quarantined rows.
func (r *ParsedRow) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// CurrencyOr returns the row currency or def when the row carries none.
func (r *ParsedRow) CurrencyOr(def string) string {
	if c := StringValue(r.Currency); c != "" {
		return strings.ToUpper(c)
	}
	return def
}

// StringValue returns the trimmed value of s, or "" for nil.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// IntValue returns the value of i, or 0 for nil.
func IntValue(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
