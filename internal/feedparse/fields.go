// Package feedparse holds generic parsers for affiliate product feeds: header mapped CSV and
// RSS 2.0 feeds carrying Google Merchant attributes.
package feedparse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ammofeeds/ingestor/model"
	"github.com/shopspring/decimal"
	"github.com/wacul/ptr"
)

const (
	fieldName          = "name"
	fieldURL           = "url"
	fieldPrice         = "price"
	fieldInStock       = "in_stock"
	fieldSKU           = "sku"
	fieldUPC           = "upc"
	fieldNetworkItemID = "network_item_id"
	fieldCaliber       = "caliber"
	fieldGrainWeight   = "grain_weight"
	fieldRoundCount    = "round_count"
	fieldBrand         = "brand"
	fieldCurrency      = "currency"
	fieldOriginalPrice = "original_price"
	fieldImageURL      = "image_url"
)

// Row error codes.
const (
	ErrCodeMissingField = "MISSING_FIELD"
	ErrCodeInvalidPrice = "INVALID_PRICE"
	ErrCodeInvalidValue = "INVALID_VALUE"
)

// aliases maps normalized column names found in the wild to canonical fields.
var aliases = map[string]string{
	"name":          fieldName,
	"title":         fieldName,
	"productname":   fieldName,
	"url":           fieldURL,
	"link":          fieldURL,
	"producturl":    fieldURL,
	"buyurl":        fieldURL,
	"price":         fieldPrice,
	"saleprice":     fieldPrice,
	"currentprice":  fieldPrice,
	"instock":       fieldInStock,
	"availability":  fieldInStock,
	"stock":         fieldInStock,
	"sku":           fieldSKU,
	"mpn":           fieldSKU,
	"upc":           fieldUPC,
	"gtin":          fieldUPC,
	"networkitemid": fieldNetworkItemID,
	"itemid":        fieldNetworkItemID,
	"catalogitemid": fieldNetworkItemID,
	"id":            fieldNetworkItemID,
	"caliber":       fieldCaliber,
	"calibre":       fieldCaliber,
	"grainweight":   fieldGrainWeight,
	"grain":         fieldGrainWeight,
	"roundcount":    fieldRoundCount,
	"rounds":        fieldRoundCount,
	"brand":         fieldBrand,
	"manufacturer":  fieldBrand,
	"currency":      fieldCurrency,
	"originalprice": fieldOriginalPrice,
	"retailprice":   fieldOriginalPrice,
	"msrp":          fieldOriginalPrice,
	"imageurl":      fieldImageURL,
	"image":         fieldImageURL,
	"imagelink":     fieldImageURL,
}

// canonical returns the field a column or attribute name maps to, or "" when unknown.
func canonical(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("_", "", "-", "", " ", "").Replace(n)
	return aliases[n]
}

// buildRow validates the required fields and converts the optional ones.
func buildRow(rowNumber int, fields map[string]string) (model.ParsedRow, *model.RowError) {
	row := model.ParsedRow{RowNumber: rowNumber}

	for _, required := range []string{fieldName, fieldURL, fieldPrice} {
		if strings.TrimSpace(fields[required]) == "" {
			return row, &model.RowError{RowNumber: rowNumber, Code: ErrCodeMissingField, Message: fmt.Sprintf("%s is required", required)}
		}
	}
	row.Name = strings.TrimSpace(fields[fieldName])
	row.URL = strings.TrimSpace(fields[fieldURL])

	price, currency, err := parsePrice(fields[fieldPrice])
	if err != nil {
		return row, &model.RowError{RowNumber: rowNumber, Code: ErrCodeInvalidPrice, Message: err.Error()}
	}
	row.Price = price
	if currency == "" {
		currency = strings.TrimSpace(fields[fieldCurrency])
	}
	row.Currency = optional(currency)

	if raw := strings.TrimSpace(fields[fieldOriginalPrice]); raw != "" {
		original, _, err := parsePrice(raw)
		if err != nil {
			return row, &model.RowError{RowNumber: rowNumber, Code: ErrCodeInvalidPrice, Message: "original price: " + err.Error()}
		}
		row.OriginalPrice = &original
	}

	row.InStock = parseAvailability(fields[fieldInStock])
	row.SKU = optional(fields[fieldSKU])
	row.UPC = optional(fields[fieldUPC])
	row.NetworkItemID = optional(fields[fieldNetworkItemID])
	row.Caliber = optional(fields[fieldCaliber])
	row.Brand = optional(fields[fieldBrand])
	row.ImageURL = optional(fields[fieldImageURL])

	for field, dst := range map[string]**int{fieldGrainWeight: &row.GrainWeight, fieldRoundCount: &row.RoundCount} {
		raw := strings.TrimSpace(fields[field])
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(raw), "gr"))
		if err != nil || n < 0 {
			return row, &model.RowError{RowNumber: rowNumber, Code: ErrCodeInvalidValue, Message: fmt.Sprintf("%s %q is not a whole number", field, raw)}
		}
		*dst = ptr.Int(n)
	}
	return row, nil
}

// parsePrice accepts "18.49", "$18.49", "1,018.49" and the Merchant style "18.49 USD".
func parsePrice(raw string) (decimal.Decimal, string, error) {
	raw = strings.TrimSpace(raw)
	currency := ""
	if parts := strings.Fields(raw); len(parts) == 2 {
		raw, currency = parts[0], strings.ToUpper(parts[1])
	}
	raw = strings.TrimPrefix(raw, "$")
	raw = strings.ReplaceAll(raw, ",", "")
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("price %q is not a number", raw)
	}
	if price.IsNegative() {
		return decimal.Zero, "", fmt.Errorf("price %q is negative", raw)
	}
	return price, currency, nil
}

func parseAvailability(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "1", "true", "yes", "y", "in stock", "in_stock", "instock", "available":
		return true
	}
	return false
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return ptr.String(s)
}
