package model

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
)

const retryBaseDelay = 250 * time.Millisecond

type temporary interface{ Temporary() bool }

// doWithRetry runs fn up to retries+1 times while the error is transient.
func doWithRetry(ctx context.Context, retries int, fn func(context.Context) error) error {
	if retries < 0 {
		retries = 0
	}
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if err == nil || !isRetryable(err) || attempt == retries {
			return err
		}
		timer := time.NewTimer(retryBaseDelay << attempt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var tmp temporary
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	return false
}
