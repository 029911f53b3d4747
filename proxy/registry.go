// Package proxy assigns pool proxies to profiles and rotates them when
// a proxy starts eating chats: a high chat_not_found rate on one proxy
// usually means the proxy, not the chats, is broken.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/droverhq/drover/classify"
	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/driver"
	"github.com/droverhq/drover/observability"
	"github.com/droverhq/drover/pacing"
	"github.com/droverhq/drover/store"
)

// ErrPoolExhausted is returned when no healthy unassigned proxy exists.
var ErrPoolExhausted = store.ErrNoProxy

type Registry struct {
	store store.Store
	cfg   config.ProxyConfig
	clock pacing.Clock
}

func NewRegistry(st store.Store, cfg config.ProxyConfig, clock pacing.Clock) *Registry {
	return &Registry{store: st, cfg: cfg, clock: clock}
}

// Resolve returns the profile's working proxy, assigning one from the
// pool when the profile has none. Empty URL with nil error never
// happens: a profile without a proxy does not send.
func (r *Registry) Resolve(ctx context.Context, profileID string) (string, error) {
	current, err := r.store.AssignedProxy(ctx, profileID)
	if err != nil {
		return "", err
	}
	if current != nil && current.Healthy {
		return current.URL, nil
	}
	return r.Assign(ctx, profileID)
}

// Assign gives the profile a fresh proxy from the pool.
func (r *Registry) Assign(ctx context.Context, profileID string) (string, error) {
	p, err := r.store.AcquireProxy(ctx, profileID, r.clock.Now())
	if err != nil {
		return "", err
	}
	log.Printf("proxy: assigned %s to profile %s", p.URL, profileID)
	return p.URL, nil
}

// Rotate retires the profile's current proxy and assigns a new one.
// Tasks blocked as chat_not_found are optionally returned to pending,
// since the retired proxy may have been lying about them.
func (r *Registry) Rotate(ctx context.Context, groupID, profileID, currentURL string) (string, error) {
	now := r.clock.Now()
	if currentURL != "" {
		if err := r.store.MarkProxyUnhealthy(ctx, currentURL, now); err != nil {
			return "", err
		}
		if err := r.store.ResetProxyStats(ctx, currentURL, profileID); err != nil {
			return "", err
		}
	}

	next, err := r.store.AcquireProxy(ctx, profileID, now)
	if err != nil {
		return "", fmt.Errorf("rotate profile %s: %w", profileID, err)
	}
	observability.ProxyRotationsTotal.Inc()
	log.Printf("proxy: rotated profile %s from %s to %s", profileID, currentURL, next.URL)

	if r.cfg.UnblockTasksOnRotate {
		n, err := r.store.UnblockTasks(ctx, groupID, string(driver.KindChatNotFound), now)
		if err != nil {
			return "", err
		}
		if n > 0 {
			log.Printf("proxy: unblocked %d chat_not_found tasks after rotation", n)
		}
	}
	return next.URL, nil
}

// Release returns the profile's proxy to the pool, for profiles that
// leave the fleet.
func (r *Registry) Release(ctx context.Context, profileID string) error {
	return r.store.ReleaseProxy(ctx, profileID, r.clock.Now())
}

// MarkUnhealthy retires a proxy that failed at the connection level.
func (r *Registry) MarkUnhealthy(ctx context.Context, url string) error {
	return r.store.MarkProxyUnhealthy(ctx, url, r.clock.Now())
}

// ObserveOutcome folds one send outcome into the proxy's stats and
// rotates when the chat_not_found rate crosses the threshold. Returns
// the proxy URL the profile should use for its next send.
func (r *Registry) ObserveOutcome(ctx context.Context, groupID, profileID, proxyURL string, action classify.ProxyAction) (string, error) {
	if proxyURL == "" || action == classify.ProxySkip {
		return proxyURL, nil
	}

	var obs store.ProxyObservation
	switch action {
	case classify.ProxySuccess:
		obs = store.ProxyObservedSuccess
	case classify.ProxyChatNotFound:
		obs = store.ProxyObservedChatNotFound
	default:
		obs = store.ProxyObservedError
	}

	stats, err := r.store.RecordProxyOutcome(ctx, proxyURL, profileID, obs, r.clock.Now())
	if err != nil {
		return proxyURL, err
	}

	if stats.Attempts >= r.cfg.MinAttemptsForCheck && stats.ChatNotFoundRate() > r.cfg.ChatNotFoundThreshold {
		log.Printf("proxy: %s chat_not_found rate %.1f%% over %d attempts, rotating",
			proxyURL, stats.ChatNotFoundRate(), stats.Attempts)
		return r.Rotate(ctx, groupID, profileID, proxyURL)
	}
	return proxyURL, nil
}

// ReviveStale re-admits proxies that have served their unhealthy
// quarantine. Zero reset window disables revival.
func (r *Registry) ReviveStale(ctx context.Context) (int64, error) {
	if r.cfg.HealthResetHours <= 0 {
		return 0, nil
	}
	return r.store.ReviveProxies(ctx, r.cfg.HealthReset(), r.clock.Now())
}

// SyncFromFile loads the pool file (one proxy URL per line, # comments)
// into the store.
func (r *Registry) SyncFromFile(ctx context.Context, path string) (int64, error) {
	urls, err := ReadPoolFile(path)
	if err != nil {
		return 0, err
	}
	return r.store.SyncProxies(ctx, urls, r.clock.Now())
}

// ReadPoolFile parses a proxy pool file: one host:port:user:pass entry
// per line, blank lines and # comments ignored.
func ReadPoolFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("proxy pool: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
