package hitl

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"devscreen/internal/services"
)

// Presence counts the clinicians online per clinic
type Presence interface {
	Join(ctx context.Context, clinicID string) (int, error)
	Leave(ctx context.Context, clinicID string) (int, error)
	Count(ctx context.Context, clinicID string) (int, error)
}

// MemoryPresence counts sessions of this process only
type MemoryPresence struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{counts: make(map[string]int)}
}

func (p *MemoryPresence) Join(ctx context.Context, clinicID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[clinicID]++
	return p.counts[clinicID], nil
}

func (p *MemoryPresence) Leave(ctx context.Context, clinicID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts[clinicID] > 0 {
		p.counts[clinicID]--
	}
	n := p.counts[clinicID]
	if n == 0 {
		delete(p.counts, clinicID)
	}
	return n, nil
}

func (p *MemoryPresence) Count(ctx context.Context, clinicID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[clinicID], nil
}

// PresenceTTL is how long an instance's presence outlives its last heartbeat
const PresenceTTL = 30 * time.Second

// RedisPresence keeps one hash per clinic with a field per server instance, so
// the online count is the sum across instances. Each instance also refreshes a
// liveness key; fields of instances whose key has expired are ignored and
// pruned, so a crashed instance stops counting after PresenceTTL.
type RedisPresence struct {
	redis      *services.RedisService
	instanceID string
}

func NewRedisPresence(redisService *services.RedisService, instanceID string) *RedisPresence {
	return &RedisPresence{redis: redisService, instanceID: instanceID}
}

func presenceKey(clinicID string) string {
	return fmt.Sprintf("hitl:presence:{%s}", clinicID)
}

func instanceAliveKey(instanceID string) string {
	return "hitl:instance:" + instanceID + ":alive"
}

// Heartbeat marks this instance alive for another PresenceTTL
func (p *RedisPresence) Heartbeat(ctx context.Context) error {
	if err := p.redis.SetEX(ctx, instanceAliveKey(p.instanceID), 1, PresenceTTL); err != nil {
		return fmt.Errorf("presence heartbeat failed: %w", err)
	}
	return nil
}

// KeepAlive refreshes the heartbeat until ctx is cancelled
func (p *RedisPresence) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(PresenceTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				log.Printf("⚠️  [HITL] %v", err)
			}
		}
	}
}

func (p *RedisPresence) Join(ctx context.Context, clinicID string) (int, error) {
	if err := p.Heartbeat(ctx); err != nil {
		return 0, err
	}
	if _, err := p.redis.HIncrBy(ctx, presenceKey(clinicID), p.instanceID, 1); err != nil {
		return 0, fmt.Errorf("presence join failed: %w", err)
	}
	return p.Count(ctx, clinicID)
}

func (p *RedisPresence) Leave(ctx context.Context, clinicID string) (int, error) {
	key := presenceKey(clinicID)
	n, err := p.redis.HIncrBy(ctx, key, p.instanceID, -1)
	if err != nil {
		return 0, fmt.Errorf("presence leave failed: %w", err)
	}
	if n <= 0 {
		if err := p.redis.HDel(ctx, key, p.instanceID); err != nil {
			return 0, fmt.Errorf("presence leave failed: %w", err)
		}
	}
	return p.Count(ctx, clinicID)
}

func (p *RedisPresence) Count(ctx context.Context, clinicID string) (int, error) {
	key := presenceKey(clinicID)
	fields, err := p.redis.HGetAll(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("presence count failed: %w", err)
	}

	total := 0
	for instanceID, v := range fields {
		if instanceID != p.instanceID {
			alive, err := p.redis.Exists(ctx, instanceAliveKey(instanceID))
			if err != nil {
				return 0, fmt.Errorf("presence count failed: %w", err)
			}
			if !alive {
				if err := p.redis.HDel(ctx, key, instanceID); err != nil {
					log.Printf("⚠️  [HITL] Failed to prune presence of instance %s: %v", instanceID, err)
				}
				continue
			}
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			continue
		}
		total += n
	}
	return total, nil
}

// Reset drops this instance's field from every clinic along with its liveness
// key. Called on startup and by Coordinator.Stop on shutdown.
func (p *RedisPresence) Reset(ctx context.Context) error {
	keys, err := p.redis.Keys(ctx, "hitl:presence:*")
	if err != nil {
		return fmt.Errorf("presence reset failed: %w", err)
	}
	for _, key := range keys {
		if err := p.redis.HDel(ctx, key, p.instanceID); err != nil {
			return fmt.Errorf("presence reset failed: %w", err)
		}
	}
	if err := p.redis.Del(ctx, instanceAliveKey(p.instanceID)); err != nil {
		return fmt.Errorf("presence reset failed: %w", err)
	}
	if len(keys) > 0 {
		log.Printf("🧹 [HITL] Cleared presence of instance %s in %d clinics", p.instanceID, len(keys))
	}
	return nil
}
