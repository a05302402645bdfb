package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
)

// RedisStore implements Store and CheckpointStore on Redis. Every mutation
// runs as a Lua script so the check-and-set is atomic server-side, which
// keeps the reservation race-safe when several relay replicas share one
// Redis.
//
// Layout: records live at <prefix>:op:<id> as JSON; <prefix>:status:<S> is
// the index set for state S; checkpoints live at <prefix>:ckpt:<name>.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// reserveScript inserts a PENDING record only if the operation is unseen.
// KEYS[1] = record key, KEYS[2] = pending index set
// ARGV[1] = record JSON
// Returns the pre-existing JSON, or "" when the reservation was won.
var reserveScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
    return existing
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], KEYS[1])
return ""
`)

// transitionScript applies one state-machine edge atomically.
// KEYS[1] = record key, KEYS[2] = status index prefix
// ARGV[1] = comma-separated allowed source states
// ARGV[2] = target state
// ARGV[3] = tx hash ("" keeps current)
// ARGV[4] = last error (applied verbatim)
// ARGV[5] = attempt mode: "always", "pending" (count only from PENDING), "never"
// ARGV[6] = max attempts ("" to skip the bound check)
// ARGV[7] = updated_at
var transitionScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
    return redis.error_reply("ledger: not found")
end
local rec = cjson.decode(raw)
local allowed = false
for s in string.gmatch(ARGV[1], "[^,]+") do
    if rec.status == s then allowed = true end
end
if not allowed then
    return redis.error_reply("ledger: invalid transition from " .. rec.status)
end
if ARGV[6] ~= "" and (rec.attempts or 0) >= tonumber(ARGV[6]) then
    return redis.error_reply("ledger: attempts exhausted")
end
redis.call("SREM", KEYS[2] .. rec.status, KEYS[1])
if ARGV[5] == "always" or (ARGV[5] == "pending" and rec.status == "PENDING") then
    rec.attempts = (rec.attempts or 0) + 1
end
rec.status = ARGV[2]
if ARGV[3] ~= "" then rec.sidechain_tx_hash = ARGV[3] end
rec.last_error = ARGV[4]
rec.updated_at = ARGV[7]
redis.call("SET", KEYS[1], cjson.encode(rec))
redis.call("SADD", KEYS[2] .. ARGV[2], KEYS[1])
return ""
`)

// casCheckpointScript compares and swaps a checkpoint height.
// KEYS[1] = checkpoint key; ARGV[1] = expected old, ARGV[2] = new.
var casCheckpointScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then cur = "0" end
if cur ~= ARGV[1] then
    return redis.error_reply("ledger: stale checkpoint")
end
redis.call("SET", KEYS[1], ARGV[2])
return ""
`)

// NewRedisStore creates a Redis-backed ledger under the given key prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "relay"
	}
	return &RedisStore{client: client, prefix: prefix, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (r *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	r.clock = clock
	return r
}

func (r *RedisStore) recordKey(operationID string) string {
	return r.prefix + ":op:" + operationID
}

func (r *RedisStore) statusPrefix() string {
	return r.prefix + ":status:"
}

func (r *RedisStore) CheckAndReserve(ctx context.Context, operationID string, kind contracts.OperationKind) (bool, *contracts.IdempotencyRecord, error) {
	now := r.clock().UTC()
	rec := contracts.IdempotencyRecord{
		OperationID: operationID,
		Kind:        kind,
		Status:      contracts.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, nil, err
	}
	res, err := reserveScript.Run(ctx, r.client,
		[]string{r.recordKey(operationID), r.statusPrefix() + string(contracts.StatusPending)},
		string(raw),
	).Text()
	if err != nil {
		return false, nil, fmt.Errorf("redis reserve %s: %w", operationID, err)
	}
	if res == "" {
		return true, nil, nil
	}
	var existing contracts.IdempotencyRecord
	if err := json.Unmarshal([]byte(res), &existing); err != nil {
		return false, nil, fmt.Errorf("corrupt ledger record %s: %w", operationID, err)
	}
	return false, &existing, nil
}

func (r *RedisStore) Get(ctx context.Context, operationID string) (*contracts.IdempotencyRecord, error) {
	raw, err := r.client.Get(ctx, r.recordKey(operationID)).Result()
	if err == redis.Nil {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec contracts.IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("corrupt ledger record %s: %w", operationID, err)
	}
	return &rec, nil
}

func (r *RedisStore) MarkSubmitted(ctx context.Context, operationID, txHash string) error {
	return r.transition(ctx, operationID,
		[]contracts.Status{contracts.StatusPending},
		contracts.StatusSubmitted, txHash, "", "always", 0)
}

func (r *RedisStore) RecordResult(ctx context.Context, operationID string, status contracts.Status, txHash, lastError string) error {
	if status != contracts.StatusConfirmed && status != contracts.StatusFailed {
		return fmt.Errorf("operation %s: %s is not a result state", operationID, status)
	}
	// "pending" counts the attempt MarkSubmitted never saw.
	return r.transition(ctx, operationID,
		[]contracts.Status{contracts.StatusPending, contracts.StatusSubmitted},
		status, txHash, lastError, "pending", 0)
}

func (r *RedisStore) Redrive(ctx context.Context, operationID string, maxAttempts int) error {
	return r.transition(ctx, operationID,
		[]contracts.Status{contracts.StatusFailed},
		contracts.StatusPending, "", "", "never", maxAttempts)
}

func (r *RedisStore) transition(ctx context.Context, operationID string, from []contracts.Status, to contracts.Status, txHash, lastError, attemptMode string, maxAttempts int) error {
	froms := make([]string, len(from))
	for i, s := range from {
		froms[i] = string(s)
	}
	bound := ""
	if maxAttempts > 0 {
		bound = fmt.Sprintf("%d", maxAttempts)
	}
	_, err := transitionScript.Run(ctx, r.client,
		[]string{r.recordKey(operationID), r.statusPrefix()},
		strings.Join(froms, ","), string(to), txHash, lastError, attemptMode, bound,
		r.clock().UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "not found"):
			return contracts.ErrNotFound
		case strings.Contains(err.Error(), "attempts exhausted"):
			return contracts.ErrAttemptsExhausted
		default:
			return fmt.Errorf("transition %s -> %s: %w", operationID, to, err)
		}
	}
	return nil
}

func (r *RedisStore) ListByStatus(ctx context.Context, status contracts.Status) ([]*contracts.IdempotencyRecord, error) {
	keys, err := r.client.SMembers(ctx, r.statusPrefix()+string(status)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.IdempotencyRecord, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	raws, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var rec contracts.IdempotencyRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("corrupt ledger record: %w", err)
		}
		// The index and the record are updated in one script, but a record
		// read through MGET may have moved on since SMEMBERS.
		if rec.Status == status {
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (r *RedisStore) StatusCounts(ctx context.Context) (map[contracts.Status]int, error) {
	counts := make(map[contracts.Status]int)
	for _, status := range []contracts.Status{
		contracts.StatusPending, contracts.StatusSubmitted,
		contracts.StatusConfirmed, contracts.StatusFailed,
	} {
		n, err := r.client.SCard(ctx, r.statusPrefix()+string(status)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			counts[status] = int(n)
		}
	}
	return counts, nil
}

func (r *RedisStore) checkpointKey(name string) string {
	return r.prefix + ":ckpt:" + name
}

func (r *RedisStore) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	h, err := r.client.Get(ctx, r.checkpointKey(name)).Uint64()
	if err == redis.Nil {
		return 0, contracts.ErrNotFound
	}
	return h, err
}

func (r *RedisStore) PutCheckpoint(ctx context.Context, name string, height uint64) error {
	return r.client.Set(ctx, r.checkpointKey(name), height, 0).Err()
}

func (r *RedisStore) CASCheckpoint(ctx context.Context, name string, oldHeight, newHeight uint64) error {
	_, err := casCheckpointScript.Run(ctx, r.client,
		[]string{r.checkpointKey(name)},
		fmt.Sprintf("%d", oldHeight), fmt.Sprintf("%d", newHeight),
	).Text()
	if err != nil {
		if strings.Contains(err.Error(), "stale checkpoint") {
			return contracts.ErrStaleCheckpoint
		}
		return err
	}
	return nil
}
