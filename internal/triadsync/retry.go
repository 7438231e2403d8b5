package triadsync

import (
	"context"
	"strconv"
	"strings"
	"time"
)

type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func (p retryPolicy) withDefaults() retryPolicy {
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 100 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 2 * time.Second
	}
	return p
}

func (p retryPolicy) delay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > p.maxDelay {
			return p.maxDelay
		}
		return retryAfter
	}
	delay := p.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	if delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	// Some upstreams send fractional seconds.
	seconds, err := strconv.ParseFloat(header, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
