package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"devscreen/internal/models"
	"devscreen/internal/services"

	"github.com/redis/go-redis/v9"
)

// Keys of one clinic share the {clinicID} hash tag so every script touches a
// single cluster slot.
func queueKeys(clinicID string) []string {
	return []string{
		fmt.Sprintf("hitl:{%s}:queue", clinicID),
		fmt.Sprintf("hitl:{%s}:enqueued", clinicID),
		fmt.Sprintf("hitl:{%s}:assigned", clinicID),
	}
}

// snapshotLua flattens the queue into id, enqueuedAt, assignee triplets
const snapshotLua = `
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	out[#out + 1] = id
	out[#out + 1] = redis.call('HGET', KEYS[2], id) or ''
	out[#out + 1] = redis.call('HGET', KEYS[3], id) or ''
end
return out
`

var (
	pushScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2])
if ARGV[3] ~= '' then
	redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
end
local out = {}
` + snapshotLua)

	appendScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 0 then
	redis.call('RPUSH', KEYS[1], ARGV[1])
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
end
local out = {}
` + snapshotLua)

	removeScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
local out = {tostring(removed)}
` + snapshotLua)

	listScript = redis.NewScript(`
local out = {}
` + snapshotLua)
)

// RedisQueueStore keeps clinic queues in Redis so every server instance sees
// the same order. Each operation is one Lua script, so a mutation and the
// snapshot it returns are atomic.
type RedisQueueStore struct {
	redis *services.RedisService
	now   func() time.Time
}

// NewRedisQueueStore creates a Redis-backed store
func NewRedisQueueStore(redisService *services.RedisService) *RedisQueueStore {
	return &RedisQueueStore{redis: redisService, now: time.Now}
}

func (s *RedisQueueStore) stamp() string {
	return strconv.FormatInt(s.now().UTC().UnixMilli(), 10)
}

func (s *RedisQueueStore) Push(ctx context.Context, clinicID, caseID, clinicianID string) ([]models.QueueEntry, error) {
	raw, err := s.redis.RunScript(ctx, pushScript, queueKeys(clinicID), caseID, s.stamp(), clinicianID).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue push failed: %w", err)
	}
	return decodeSnapshot(raw)
}

func (s *RedisQueueStore) Append(ctx context.Context, clinicID, caseID string) ([]models.QueueEntry, error) {
	raw, err := s.redis.RunScript(ctx, appendScript, queueKeys(clinicID), caseID, s.stamp()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue append failed: %w", err)
	}
	return decodeSnapshot(raw)
}

func (s *RedisQueueStore) Remove(ctx context.Context, clinicID, caseID string) ([]models.QueueEntry, bool, error) {
	raw, err := s.redis.RunScript(ctx, removeScript, queueKeys(clinicID), caseID).StringSlice()
	if err != nil {
		return nil, false, fmt.Errorf("queue remove failed: %w", err)
	}
	if len(raw) == 0 {
		return nil, false, fmt.Errorf("queue remove returned no result")
	}
	entries, err := decodeSnapshot(raw[1:])
	return entries, raw[0] != "0", err
}

func (s *RedisQueueStore) List(ctx context.Context, clinicID string) ([]models.QueueEntry, error) {
	raw, err := s.redis.RunScript(ctx, listScript, queueKeys(clinicID)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue list failed: %w", err)
	}
	return decodeSnapshot(raw)
}

func (s *RedisQueueStore) PositionOf(ctx context.Context, clinicID, caseID string) (int, error) {
	entries, err := s.List(ctx, clinicID)
	if err != nil {
		return -1, err
	}
	return positionIn(entries, caseID), nil
}

func decodeSnapshot(raw []string) ([]models.QueueEntry, error) {
	if len(raw)%3 != 0 {
		return nil, fmt.Errorf("malformed queue snapshot of %d fields", len(raw))
	}

	entries := make([]models.QueueEntry, 0, len(raw)/3)
	for i := 0; i < len(raw); i += 3 {
		entry := models.QueueEntry{
			CaseID:            raw[i],
			ClinicianAssigned: raw[i+2],
			Position:          i / 3,
		}
		if ms, err := strconv.ParseInt(raw[i+1], 10, 64); err == nil {
			entry.EnqueuedAt = time.UnixMilli(ms).UTC()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// RedisAuditStore appends audit events to one Redis list per case
type RedisAuditStore struct {
	redis *services.RedisService
}

// NewRedisAuditStore creates a Redis-backed audit log
func NewRedisAuditStore(redisService *services.RedisService) *RedisAuditStore {
	return &RedisAuditStore{redis: redisService}
}

func auditKey(clinicID, caseID string) string {
	return fmt.Sprintf("hitl:{%s}:audit:%s", clinicID, caseID)
}

func (s *RedisAuditStore) Append(ctx context.Context, clinicID string, event models.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.redis.RPush(ctx, auditKey(clinicID, event.CaseID), data); err != nil {
		return fmt.Errorf("audit append failed: %w", err)
	}
	return nil
}

func (s *RedisAuditStore) List(ctx context.Context, clinicID, caseID string) ([]models.AuditEvent, error) {
	raw, err := s.redis.LRange(ctx, auditKey(clinicID, caseID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("audit list failed: %w", err)
	}

	events := make([]models.AuditEvent, 0, len(raw))
	for _, item := range raw {
		var ev models.AuditEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("corrupt audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}
