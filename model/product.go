package model

import "time"

type IdentityType string

const (
	IdentityNetworkItemID IdentityType = "NETWORK_ITEM_ID"
	IdentitySKU           IdentityType = "SKU"
	IdentityURLHash       IdentityType = "URL_HASH"
)

// SourceProduct is unique per (SourceID, IdentityType, IdentityValue).
type SourceProduct struct {
	ID                 string       `json:"id"`
	SourceID           string       `json:"source_id"`
	IdentityType       IdentityType `json:"identity_type"`
	IdentityValue      string       `json:"identity_value"`
	Title              string       `json:"title"`
	URL                string       `json:"url"`
	ImageURL           string       `json:"image_url,omitempty"`
	SKU                string       `json:"sku,omitempty"`
	UPC                string       `json:"upc,omitempty"`
	URLHash            string       `json:"url_hash"`
	NormalizedURL      string       `json:"normalized_url"`
	Caliber            string       `json:"caliber,omitempty"`
	Brand              string       `json:"brand,omitempty"`
	GrainWeight        int          `json:"grain_weight,omitempty"`
	RoundCount         int          `json:"round_count,omitempty"`
	CreatedByRunID     string       `json:"created_by_run_id"`
	LastUpdatedByRunID string       `json:"last_updated_by_run_id"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// IdentityKey returns the TYPE:value key of the product.
func (p *SourceProduct) IdentityKey() string {
	return string(p.IdentityType) + ":" + p.IdentityValue
}

type Presence struct {
	SourceProductID   string     `json:"source_product_id"`
	LastSeenAt        time.Time  `json:"last_seen_at"`
	LastSeenSuccessAt *time.Time `json:"last_seen_success_at,omitempty"`
}

type Seen struct {
	RunID           string    `json:"run_id"`
	SourceProductID string    `json:"source_product_id"`
	CreatedAt       time.Time `json:"created_at"`
}
