package control

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/radical-cybertools/rp-agent/pkg/metrics"
)

// BackoffConfig bounds the Transport error category's retry behavior
// (spec.md §7): "each component retries with exponential backoff up to
// an administratively bounded cap then escalates to fatal."
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultBackoffConfig is used wherever a caller passes a zero-value
// BackoffConfig.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        5 * time.Second,
		MaxRetries: 8,
	}
}

func (c BackoffConfig) orDefault() BackoffConfig {
	if c.Initial <= 0 && c.Max <= 0 && c.MaxRetries <= 0 {
		return DefaultBackoffConfig()
	}
	if c.Initial <= 0 {
		c.Initial = 100 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	return c
}

// retryWithBackoff runs op, retrying with exponential backoff on error,
// up to cfg.MaxRetries attempts. Each wait is drawn at random between
// half the current delay and the full delay. After the last
// attempt fails it calls onFatal, if set, with an error wrapping
// errRetryExhausted.
func retryWithBackoff(cfg BackoffConfig, category string, op func() error, onFatal func(error), logger zerolog.Logger) {
	delay := cfg.Initial
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return
		}

		metrics.TransportRetriesTotal.WithLabelValues(category).Inc()

		if attempt == cfg.MaxRetries {
			logger.Error().Err(err).Int("attempts", attempt).Str("category", category).
				Msg("transport retry budget exhausted, escalating to fatal")
			if onFatal != nil {
				onFatal(fmt.Errorf("%w: %s: %v", errRetryExhausted, category, err))
			}
			return
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Str("category", category).
			Msg("transport operation failed, retrying")

		sleepWithJitter(delay)
		delay *= 2
		if delay > cfg.Max {
			delay = cfg.Max
		}
	}
}

func sleepWithJitter(base time.Duration) {
	if base <= 0 {
		return
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	time.Sleep(base/2 + jitter/2)
}
