package harness

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CallWithRetry runs fn up to attempts+1 times. Rate-limit and server errors
// back off exponentially from backoff; any other error is returned at once.
func CallWithRetry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero T
		err  error
	)
	for attempt := 0; attempt <= attempts; attempt++ {
		var out T
		out, err = fn(ctx)
		if err == nil {
			return out, nil
		}
		if !IsRetryable(err) || attempt == attempts {
			break
		}

		wait := backoff << attempt
		if IsRateLimitError(err) {
			wait *= 4
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
	return zero, err
}

// IsRetryable reports whether err looks transient.
func IsRetryable(err error) bool {
	return IsRateLimitError(err) || IsServerError(err)
}

func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func IsServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error") ||
		strings.Contains(errStr, "timeout")
}

// TerseError shortens a provider error to something fit for the transcript.
func TerseError(err error) string {
	switch {
	case err == nil:
		return ""
	case IsRateLimitError(err):
		return "the model is rate limited, please retry shortly"
	case IsServerError(err):
		return "the model service is unavailable, please retry"
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 160 {
		msg = msg[:160] + "..."
	}
	return fmt.Sprintf("request failed: %s", msg)
}
