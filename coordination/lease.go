// Package coordination keeps concurrent commanders honest: a Redis
// lease guarantees at most one active run per group, and presence keys
// expose which workers are alive. When Redis is not configured both
// degrade to no-ops so a single-host deployment needs no extra
// infrastructure.
package coordination

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld means another commander already runs this group.
var ErrLeaseHeld = errors.New("coordination: run lease held by another commander")

const (
	leaseTTL      = 30 * time.Second
	renewInterval = 10 * time.Second
)

// Lua: release/renew only when we still own the lease.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RunLease is an exclusive per-group lease identified by the run ID.
type RunLease struct {
	client  *redis.Client
	key     string
	ownerID string
}

// AcquireRunLease takes the group lease for runID. A nil client yields
// a standalone lease that always succeeds.
func AcquireRunLease(ctx context.Context, client *redis.Client, groupID, runID string) (*RunLease, error) {
	lease := &RunLease{client: client, key: "drover:lease:" + groupID, ownerID: runID}
	if client == nil {
		return lease, nil
	}
	ok, err := client.SetNX(ctx, lease.key, runID, leaseTTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return lease, nil
}

// Keep renews the lease until ctx is canceled. Lost ownership is
// reported on the returned channel so the commander can stop rather
// than run split-brain.
func (l *RunLease) Keep(ctx context.Context) <-chan struct{} {
	lost := make(chan struct{})
	if l.client == nil {
		return lost
	}
	go func() {
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := l.client.Eval(ctx, renewScript, []string{l.key},
					l.ownerID, int64(leaseTTL/time.Millisecond)).Result()
				if err != nil {
					log.Printf("coordination: lease renew failed: %v", err)
					continue
				}
				if n, ok := res.(int64); ok && n == 0 {
					log.Printf("coordination: lost run lease %s", l.key)
					close(lost)
					return
				}
			}
		}
	}()
	return lost
}

// Release drops the lease if still owned.
func (l *RunLease) Release(ctx context.Context) {
	if l.client == nil {
		return
	}
	if _, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.ownerID).Result(); err != nil {
		log.Printf("coordination: lease release failed: %v", err)
	}
}
