package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another processing attempt holds the
// document's lease.
var ErrLeaseHeld = errors.New("document processing lease already held")

// ErrLeaseLost is returned when a refresh or release finds the lease no
// longer owned by this attempt.
var ErrLeaseLost = errors.New("document processing lease lost")

// LeaseManager enforces at most one active processing attempt per document
// using a Redis key with a TTL. The token identifies the owning attempt.
type LeaseManager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLeaseManager builds a LeaseManager with the given lease TTL.
func NewLeaseManager(client *redis.Client, ttl time.Duration) *LeaseManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LeaseManager{client: client, ttl: ttl}
}

func leaseKey(documentID string) string {
	return "ingest:lease:" + documentID
}

// Acquire takes the lease for one processing attempt and returns its token.
func (m *LeaseManager) Acquire(ctx context.Context, documentID string) (string, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, leaseKey(documentID), token, m.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return "", ErrLeaseHeld
	}
	return token, nil
}

// Refresh extends the lease if the token still owns it. Called at the start
// of every step so long pipelines outlive the initial TTL.
func (m *LeaseManager) Refresh(ctx context.Context, documentID, token string) error {
	const script = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`
	res, err := m.client.Eval(ctx, script, []string{leaseKey(documentID)}, token, m.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release drops the lease if the token still owns it. Releasing a lease
// another attempt took over is a no-op.
func (m *LeaseManager) Release(ctx context.Context, documentID, token string) error {
	const script = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`
	if _, err := m.client.Eval(ctx, script, []string{leaseKey(documentID)}, token).Result(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
