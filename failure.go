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
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ammofeeds/ingestor/internal/downloader"
	redlock "github.com/ammofeeds/ingestor/internal/lock"
	"github.com/ammofeeds/ingestor/internal/request"
)

// FailureKind drives the retry policy of a failed run.
type FailureKind string

const (
	FailureTransient   FailureKind = "TRANSIENT"
	FailurePermanent   FailureKind = "PERMANENT"
	FailureConfig      FailureKind = "CONFIG"
	FailureMemoryGuard FailureKind = "MEMORY_GUARD"
)

// Retryable reports whether a run failing with this kind may be attempted again by the queue.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient
}

// FeedError is a classified pipeline failure.
type FeedError struct {
	Kind    FailureKind
	Code    string
	Message string
	Err     error
}

func NewFeedError(kind FailureKind, code, message string, err error) *FeedError {
	return &FeedError{Kind: kind, Code: code, Message: message, Err: err}
}

func (e *FeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Code, e.Message)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// MemoryGuardError aborts a run whose unique product count outgrew the feed ceiling. It is never
// retried: the ceiling has to be raised first.
type MemoryGuardError struct {
	Limit    int
	Observed int
}

func (e *MemoryGuardError) Error() string {
	return fmt.Sprintf("memory guard: %d unique products exceeds the limit of %d", e.Observed, e.Limit)
}

// ErrRunNotResumable is returned when a redelivered job points at a run that already finished.
var ErrRunNotResumable = errors.New("run is no longer running")

// ClassifyHTTPStatus maps a download response status to a failure kind.
func ClassifyHTTPStatus(status int) FailureKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusProxyAuthRequired:
		return FailureConfig
	case status == http.StatusNotFound, status == http.StatusGone:
		return FailurePermanent
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return FailureTransient
	case status >= 500:
		return FailureTransient
	case status >= 400:
		return FailurePermanent
	}
	return FailureTransient
}

// ClassifyNetworkCode maps a transport error code (ECONNRESET, FTP 530, ...) to a failure kind.
func ClassifyNetworkCode(code string) FailureKind {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "ECONNRESET", "ECONNREFUSED", "ETIMEDOUT", "EPIPE", "EAI_AGAIN", "EHOSTUNREACH",
		"ENETUNREACH", "ENETDOWN", "ECONNABORTED", "ESOCKETTIMEDOUT", "421", "425", "426", "450":
		return FailureTransient
	case "EAUTH", "ERR_AUTH", "EACCES", "530", "532":
		return FailureConfig
	case "ENOENT", "ENOTFOUND", "550", "553":
		return FailurePermanent
	}
	return FailureTransient
}

// ClassifyError tags any error coming out of a run. Unknown errors are treated as transient.
func ClassifyError(err error) FailureKind {
	if err == nil {
		return ""
	}

	var guard *MemoryGuardError
	if errors.As(err, &guard) {
		return FailureMemoryGuard
	}
	var feedErr *FeedError
	if errors.As(err, &feedErr) {
		return feedErr.Kind
	}
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		return ClassifyHTTPStatus(statusErr.StatusCode)
	}
	if errors.Is(err, ErrRunNotResumable) || errors.Is(err, downloader.ErrFeedTooLarge) {
		return FailurePermanent
	}
	if errors.Is(err, redlock.ErrLockLost) || errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ETIMEDOUT, syscall.EPIPE,
			syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNABORTED:
			return FailureTransient
		case syscall.EACCES:
			return FailureConfig
		case syscall.ENOENT:
			return FailurePermanent
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return FailurePermanent
	}
	return FailureTransient
}

// failureCode is the short code persisted on a failed run.
func failureCode(err error) string {
	var feedErr *FeedError
	if errors.As(err, &feedErr) && feedErr.Code != "" {
		return feedErr.Code
	}
	var guard *MemoryGuardError
	if errors.As(err, &guard) {
		return "MEMORY_GUARD_EXCEEDED"
	}
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("HTTP_%d", statusErr.StatusCode)
	}
	if errors.Is(err, downloader.ErrFeedTooLarge) {
		return "FEED_TOO_LARGE"
	}
	if errors.Is(err, redlock.ErrLockLost) {
		return "LOCK_LOST"
	}
	return "UNCLASSIFIED"
}
