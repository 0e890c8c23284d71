package feedparse

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ammofeeds/ingestor/model"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// merchantPrefix is the namespace prefix Google Merchant feeds declare for product attributes.
const merchantPrefix = "g"

// RSS parses RSS 2.0 and Atom product feeds. Product attributes come from the Google Merchant
// extension (g:price, g:id, g:availability, ...) and fall back to the item's own link and title.
type RSS struct {
	parser *gofeed.Parser
}

func NewRSS() *RSS {
	return &RSS{parser: gofeed.NewParser()}
}

func (p *RSS) Parse(ctx context.Context, feed *model.Feed, content []byte) (*model.ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := p.parser.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	result := &model.ParseResult{}
	for i, item := range parsed.Items {
		rowNumber := i + 1
		result.RowsRead++

		fields := map[string]string{
			fieldName: item.Title,
			fieldURL:  item.Link,
		}
		if item.Image != nil {
			fields[fieldImageURL] = item.Image.URL
		}
		attrs := item.Extensions[merchantPrefix]
		for name, values := range attrs {
			if name == "sale_price" {
				continue
			}
			if field := canonical(name); field != "" {
				if v := firstValue(values); v != "" {
					fields[field] = v
				}
			}
		}

		if sale := firstValue(attrs["sale_price"]); sale != "" {
			fields[fieldOriginalPrice] = fields[fieldPrice]
			fields[fieldPrice] = sale
		}

		row, rowErr := buildRow(rowNumber, fields)
		if rowErr != nil {
			result.Errors = append(result.Errors, *rowErr)
			continue
		}
		result.Products = append(result.Products, row)
		result.RowsParsed++
	}
	return result, nil
}

func firstValue(values []ext.Extension) string {
	for _, v := range values {
		if v.Value != "" {
			return v.Value
		}
	}
	return ""
}
