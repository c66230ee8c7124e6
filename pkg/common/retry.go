package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/harvester/pkg/common/logger"
)

// ConnectRetryConfig bounds ConnectWithRetry. The delay doubles after every
// failed attempt.
type ConnectRetryConfig struct {
	Attempts     int
	InitialDelay time.Duration
}

// DefaultConnectRetry mirrors the store bootstrap policy: three attempts,
// starting at one second.
var DefaultConnectRetry = ConnectRetryConfig{Attempts: 3, InitialDelay: time.Second}

// ConnectWithRetry runs connect until it succeeds, the attempts are used up,
// or ctx is done. It is meant for startup dependencies such as the document
// store or the kafka producer that may come up after the harvester.
func ConnectWithRetry[T any](
	ctx context.Context,
	log *logger.Logger,
	name string,
	cfg ConnectRetryConfig,
	connect func(ctx context.Context) (T, error),
) (T, error) {
	var conn T

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialDelay
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = 0
	expBackoff.MaxElapsedTime = 0

	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(attempts-1)), ctx)

	operation := func() error {
		var err error
		conn, err = connect(ctx)
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn(ctx, "connection attempt failed, will retry", "target", name, "retry_in", next.String(), "error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to connect to %s after %d attempts: %w", name, attempts, err)
	}

	return conn, nil
}
