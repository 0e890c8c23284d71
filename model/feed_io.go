package model

import "time"

// DownloadResult is what a downloader hands back for one feed.
type DownloadResult struct {
	Content       []byte
	ContentHash   string
	ModifiedAt    *time.Time
	Size          int64
	Skipped       bool
	SkippedReason SkipReason
}

// ParseResult is the output of a feed parser.
type ParseResult struct {
	Products   []ParsedRow
	RowsRead   int
	RowsParsed int
	Errors     []RowError
}
