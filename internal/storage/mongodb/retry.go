package mongodb

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/agentmesh/agentmesh/internal/storage"
)

const (
	maxRetries     = 3
	retryBase      = 100 * time.Millisecond
	retryJitterCap = 100 * time.Millisecond
)

// retryPolicy implements backoff.BackOff with exponential delays of
// base*2^attempt plus uniform jitter, stopping after maxRetries retries
// (four attempts total).
type retryPolicy struct {
	attempt int
}

func (p *retryPolicy) NextBackOff() time.Duration {
	if p.attempt >= maxRetries {
		return backoff.Stop
	}
	delay := retryBase * (1 << p.attempt)
	p.attempt++
	return delay + time.Duration(rand.Int63n(int64(retryJitterCap)))
}

func (p *retryPolicy) Reset() { p.attempt = 0 }

// isTransient reports whether an operation is worth retrying: network
// failures, timeouts, and server selection timeouts. Everything else fails
// immediately.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	return strings.Contains(err.Error(), "server selection timeout")
}

// withRetry runs fn, retrying transient failures per retryPolicy. The final
// error is wrapped as a service error; non-transient errors pass through
// untouched for the caller to translate.
func withRetry(ctx context.Context, op string, fn func() error) error {
	policy := &retryPolicy{}
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return storage.ServiceWrap(err, op+" retries exhausted")
	}
	return err
}
