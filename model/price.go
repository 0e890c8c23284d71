package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Price struct {
	ID                 string           `json:"id"`
	SourceProductID    string           `json:"source_product_id"`
	RetailerID         string           `json:"retailer_id"`
	RunID              string           `json:"run_id"`
	Price              decimal.Decimal  `json:"price"`
	OriginalPrice      *decimal.Decimal `json:"original_price,omitempty"`
	Currency           string           `json:"currency"`
	InStock            bool             `json:"in_stock"`
	PriceSignatureHash string           `json:"price_signature_hash"`
	IdempotencyKey     string           `json:"-"`
	ObservedAt         time.Time        `json:"observed_at"`
	CreatedAt          time.Time        `json:"created_at"`
}

// PriceSnapshot is the latest known signature for one product.
type PriceSnapshot struct {
	SourceProductID string    `json:"source_product_id"`
	Signature       string    `json:"signature"`
	ObservedAt      time.Time `json:"observed_at"`
}

// PriceSignature hashes the fields whose change makes a new price observation worth writing.
func PriceSignature(price decimal.Decimal, currency string, original *decimal.Decimal) string {
	orig := ""
	if original != nil {
		orig = original.String()
	}
	data := fmt.Sprintf("%s|%s|%s", price.String(), currency, orig)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// PriceIdempotencyKey derives the key absorbed by the price idempotency index. A redelivered run
// produces the same key for the same decision, a later run never does.
func PriceIdempotencyKey(runID, productID, signature string) string {
	hash := sha256.Sum256([]byte(runID + ":" + productID + ":" + signature))
	return hex.EncodeToString(hash[:])
}

type PriceFilter struct {
	SourceProductID string    `json:"source_product_id"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	Limit           int       `json:"limit"`
}
