package coordination

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceTTL      = 30 * time.Second
	presenceInterval = 10 * time.Second
)

func presenceKey(runID, profileID string) string {
	return "drover:presence:" + runID + ":" + profileID
}

// Presence advertises a live worker via an expiring Redis key. With a
// nil client it is a no-op.
type Presence struct {
	client    *redis.Client
	runID     string
	profileID string
}

func NewPresence(client *redis.Client, runID, profileID string) *Presence {
	return &Presence{client: client, runID: runID, profileID: profileID}
}

// Start refreshes the presence key until ctx is canceled, then removes
// it.
func (p *Presence) Start(ctx context.Context) {
	if p.client == nil {
		return
	}
	go func() {
		key := presenceKey(p.runID, p.profileID)
		if err := p.client.Set(ctx, key, "1", presenceTTL).Err(); err != nil {
			log.Printf("coordination: presence set failed: %v", err)
		}
		ticker := time.NewTicker(presenceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				p.client.Del(cleanup, key)
				cancel()
				return
			case <-ticker.C:
				if err := p.client.Set(ctx, key, "1", presenceTTL).Err(); err != nil && ctx.Err() == nil {
					log.Printf("coordination: presence refresh failed: %v", err)
				}
			}
		}
	}()
}

// LiveWorkers lists profile IDs with a live presence key for the run.
func LiveWorkers(ctx context.Context, client *redis.Client, runID string) ([]string, error) {
	if client == nil {
		return nil, nil
	}
	prefix := presenceKey(runID, "")
	var profiles []string
	iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		profiles = append(profiles, iter.Val()[len(prefix):])
	}
	return profiles, iter.Err()
}
