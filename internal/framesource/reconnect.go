package framesource

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff on connect
type ReconnectConfig struct {
	MaxRetries    int           // Maximum number of retries after the first attempt (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ConnectWithRetry opens src, retrying with exponential backoff
//
// Backoff schedule with defaults: 1s, 2s, 4s, 8s, 16s, then give up.
// attempts (may be nil) is incremented atomically on every failed attempt.
//
// Returns the last device error wrapped once retries are exhausted, or
// ctx.Err() if cancelled.
func ConnectWithRetry(ctx context.Context, src Source, cfg ReconnectConfig, attempts *uint32) error {
	retries := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := src.Connect(ctx)
		if err == nil {
			if retries > 0 {
				slog.Info("framesource: connected after retries", "retries", retries)
			}
			return nil
		}

		retries++
		if attempts != nil {
			atomic.AddUint32(attempts, 1)
		}

		if retries > cfg.MaxRetries {
			return fmt.Errorf("framesource: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(retries, cfg)
		slog.Warn("framesource: connect failed, retrying",
			"error", err,
			"attempt", retries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at MaxRetryDelay
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
