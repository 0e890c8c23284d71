package feedparse

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ammofeeds/ingestor/model"
)

// ErrMissingColumns is returned when the header lacks a required column.
var ErrMissingColumns = errors.New("feed header is missing required columns")

// CSV parses delimited feeds whose first line is a header. The delimiter is sniffed from the
// header line.
type CSV struct{}

func NewCSV() *CSV {
	return &CSV{}
}

func (p *CSV) Parse(ctx context.Context, feed *model.Feed, content []byte) (*model.ParseResult, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(content))
	reader.Comma = sniffDelimiter(content)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return &model.ParseResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := make(map[int]string, len(header))
	present := make(map[string]bool)
	for i, name := range header {
		if field := canonical(name); field != "" && !present[field] {
			columns[i] = field
			present[field] = true
		}
	}
	var missing []string
	for _, required := range []string{fieldName, fieldURL, fieldPrice} {
		if !present[required] {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	result := &model.ParseResult{}
	for {
		if result.RowsRead%1000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line, _ := reader.FieldPos(0)
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, err
			}
			result.RowsRead++
			result.Errors = append(result.Errors, model.RowError{RowNumber: parseErr.Line, Code: ErrCodeInvalidValue, Message: parseErr.Err.Error()})
			continue
		}
		if isBlank(record) {
			continue
		}
		result.RowsRead++

		fields := make(map[string]string, len(columns))
		for i, value := range record {
			if field, ok := columns[i]; ok {
				fields[field] = value
			}
		}
		row, rowErr := buildRow(line, fields)
		if rowErr != nil {
			result.Errors = append(result.Errors, *rowErr)
			continue
		}
		result.Products = append(result.Products, row)
		result.RowsParsed++
	}
	return result, nil
}

func sniffDelimiter(content []byte) rune {
	firstLine := content
	if i := bytes.IndexByte(content, '\n'); i >= 0 {
		firstLine = content[:i]
	}
	best, bestCount := ',', bytes.Count(firstLine, []byte{','})
	for _, candidate := range []rune{'\t', '|', ';'} {
		if n := bytes.Count(firstLine, []byte(string(candidate))); n > bestCount {
			best, bestCount = candidate, n
		}
	}
	return best
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
