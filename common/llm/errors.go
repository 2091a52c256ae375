package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrorClass buckets provider failures for degradation decisions.
type ErrorClass string

const (
	ErrorClassNone        ErrorClass = ""
	ErrorClassRateLimited ErrorClass = "rate_limited"
	ErrorClassQuota       ErrorClass = "quota"
	ErrorClassTransient   ErrorClass = "transient"
	ErrorClassFatal       ErrorClass = "fatal"
)

// Backoff reports whether callers should stop calling the provider for a while.
func (c ErrorClass) Backoff() bool {
	return c == ErrorClassRateLimited || c == ErrorClassQuota
}

// Classify maps an error returned by a Client into an ErrorClass. Provider API errors are
// inspected by status code and error code; anything else is treated as a network failure.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		if oaErr.Code == "insufficient_quota" || oaErr.Type == "insufficient_quota" {
			return ErrorClassQuota
		}
		return classifyStatus(oaErr.StatusCode)
	}

	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		if strings.Contains(strings.ToLower(anErr.RawJSON()), "credit balance") {
			return ErrorClassQuota
		}
		return classifyStatus(anErr.StatusCode)
	}

	return ErrorClassTransient
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassRateLimited
	case status == 402:
		return ErrorClassQuota
	case status == 408 || status == 409 || status >= 500:
		return ErrorClassTransient
	default:
		return ErrorClassFatal
	}
}
