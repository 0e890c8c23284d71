package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ammofeeds/ingestor/internal/request"
	"github.com/ammofeeds/ingestor/model"
	"github.com/sirupsen/logrus"
)

// DefaultMaxBytes bounds the size of a downloaded feed file.
const DefaultMaxBytes int64 = 512 << 20

// ErrFeedTooLarge is returned when the file is larger than the configured maximum.
var ErrFeedTooLarge = errors.New("feed file too large")

// HTTP downloads feeds over HTTP(S).
type HTTP struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// NewHTTP returns a downloader that gives up on a feed after timeout.
func NewHTTP(client *http.Client, timeout time.Duration) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{client: client, timeout: timeout, maxBytes: DefaultMaxBytes}
}

// Download fetches the feed file. A missing file and content unchanged since the last successful
// run are reported as skipped results, not errors. Other non 2xx answers come back as
// *request.StatusError.
func (h *HTTP) Download(ctx context.Context, feed *model.Feed) (*model.DownloadResult, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.TransportURL, nil)
	if err != nil {
		return nil, err
	}
	if feed.Username != "" {
		req.Header.Set("Authorization", "Basic "+request.BasicAuth(feed.Username, feed.Password))
	}
	if feed.LastModifiedAt != nil {
		req.Header.Set("If-Modified-Since", feed.LastModifiedAt.UTC().Format(http.TimeFormat))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	logger := logrus.WithFields(logrus.Fields{"feed_id": feed.FeedID, "status": resp.StatusCode})
	switch {
	case resp.StatusCode == http.StatusNotModified:
		logger.Info("feed not modified")
		return &model.DownloadResult{Skipped: true, SkippedReason: model.SkipUnchangedMtime, ModifiedAt: feed.LastModifiedAt}, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		logger.Warn("feed file not found")
		return &model.DownloadResult{Skipped: true, SkippedReason: model.SkipFileNotFound}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &request.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	modifiedAt := lastModified(resp)
	if modifiedAt != nil && feed.LastModifiedAt != nil && modifiedAt.Equal(*feed.LastModifiedAt) {
		logger.Info("feed modification time unchanged")
		return &model.DownloadResult{Skipped: true, SkippedReason: model.SkipUnchangedMtime, ModifiedAt: modifiedAt}, nil
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > h.maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrFeedTooLarge, h.maxBytes)
	}

	sum := sha256.Sum256(content)
	result := &model.DownloadResult{
		ContentHash: hex.EncodeToString(sum[:]),
		ModifiedAt:  modifiedAt,
		Size:        int64(len(content)),
	}
	if feed.LastContentHash != "" && result.ContentHash == feed.LastContentHash {
		logger.Info("feed content unchanged")
		result.Skipped = true
		result.SkippedReason = model.SkipUnchangedHash
		return result, nil
	}
	result.Content = content
	return result, nil
}

func lastModified(resp *http.Response) *time.Time {
	header := resp.Header.Get("Last-Modified")
	if header == "" {
		return nil
	}
	t, err := http.ParseTime(header)
	if err != nil {
		return nil
	}
	return &t
}
