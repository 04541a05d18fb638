package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/packlab-io/packlab-go/internal/domain"
)

// Key layout:
//   budget:{tenant_id}:balance_micros    string int
//   budget:{tenant_id}:soft_limit_micros string int (zero or negative)
//   reserve:{run_id}                     hash {tenant_id, reserved_micros, created_at_ms}, TTL = reservation TTL
const (
	balanceKeyFmt   = "budget:%s:balance_micros"
	softLimitKeyFmt = "budget:%s:soft_limit_micros"
	reserveKeyFmt   = "reserve:%s"
)

var reserveScript = redis.NewScript(`
local balance_key = KEYS[1]
local reserve_key = KEYS[2]
local soft_key = KEYS[3]
local tenant_id = ARGV[1]
local amount = tonumber(ARGV[2])
local created_at_ms = ARGV[3]
local ttl_sec = tonumber(ARGV[4])

if redis.call("EXISTS", reserve_key) == 1 then
  local held = tonumber(redis.call("HGET", reserve_key, "reserved_micros") or "0")
  if held == amount then
    return {"OK", redis.call("GET", balance_key) or "0"}
  end
  return {"ERR_DUPLICATE", tostring(held)}
end

local bal = tonumber(redis.call("GET", balance_key) or "0")
local soft = tonumber(redis.call("GET", soft_key) or "0")
if bal - amount < soft then
  return {"ERR_INSUFFICIENT", tostring(bal)}
end

bal = bal - amount
redis.call("SET", balance_key, tostring(bal))
redis.call("HSET", reserve_key,
  "tenant_id", tenant_id,
  "reserved_micros", tostring(amount),
  "created_at_ms", created_at_ms)
redis.call("EXPIRE", reserve_key, ttl_sec)
return {"OK", tostring(bal)}
`)

var settleScript = redis.NewScript(`
local balance_key = KEYS[1]
local reserve_key = KEYS[2]
local charge = tonumber(ARGV[1])

if redis.call("EXISTS", reserve_key) ~= 1 then
  return {"ERR_NO_RESERVE"}
end

local reserved = tonumber(redis.call("HGET", reserve_key, "reserved_micros") or "0")

if charge < 0 then
  charge = 0
end
if charge > reserved then
  charge = reserved
end

local refund = reserved - charge
local bal = tonumber(redis.call("GET", balance_key) or "0")
bal = bal + refund

redis.call("SET", balance_key, tostring(bal))
redis.call("DEL", reserve_key)
return {"OK", tostring(charge), tostring(refund), tostring(bal)}
`)

// RedisLedger runs every money operation as a single Lua script, giving the
// atomic multi-key property the engine contract requires.
type RedisLedger struct {
	client         *redis.Client
	reservationTTL time.Duration
	now            func() time.Time
}

func NewRedisLedger(client *redis.Client, reservationTTL time.Duration) (*RedisLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if reservationTTL <= 0 {
		return nil, fmt.Errorf("reservation ttl must be positive")
	}
	return &RedisLedger{client: client, reservationTTL: reservationTTL, now: time.Now}, nil
}

func balanceKey(tenantID string) string   { return fmt.Sprintf(balanceKeyFmt, tenantID) }
func softLimitKey(tenantID string) string { return fmt.Sprintf(softLimitKeyFmt, tenantID) }
func reserveKey(runID string) string      { return fmt.Sprintf(reserveKeyFmt, runID) }

func (l *RedisLedger) Reserve(ctx context.Context, tenantID, runID string, amount domain.Micros) (domain.Micros, error) {
	if l == nil || l.client == nil {
		return 0, fmt.Errorf("ledger not initialized")
	}
	if amount <= 0 {
		return 0, fmt.Errorf("reserve amount must be positive")
	}
	raw, err := reserveScript.Run(ctx, l.client,
		[]string{balanceKey(tenantID), reserveKey(runID), softLimitKey(tenantID)},
		tenantID,
		strconv.FormatInt(int64(amount), 10),
		strconv.FormatInt(l.now().UnixMilli(), 10),
		int(l.reservationTTL.Seconds()),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("reserve script: %w", err)
	}
	reply, err := scriptReply(raw)
	if err != nil {
		return 0, fmt.Errorf("reserve script: %w", err)
	}
	switch reply[0] {
	case "OK":
		bal, err := parseMicros(reply[1])
		if err != nil {
			return 0, fmt.Errorf("reserve script balance: %w", err)
		}
		return bal, nil
	case "ERR_INSUFFICIENT":
		return 0, ErrInsufficient
	case "ERR_DUPLICATE":
		return 0, ErrDuplicateReserve
	default:
		return 0, fmt.Errorf("reserve script: unexpected status %q", reply[0])
	}
}

func (l *RedisLedger) Settle(ctx context.Context, tenantID, runID string, actual domain.Micros) (Result, error) {
	if l == nil || l.client == nil {
		return Result{}, fmt.Errorf("ledger not initialized")
	}
	raw, err := settleScript.Run(ctx, l.client,
		[]string{balanceKey(tenantID), reserveKey(runID)},
		strconv.FormatInt(int64(actual), 10),
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("settle script: %w", err)
	}
	reply, err := scriptReply(raw)
	if err != nil {
		return Result{}, fmt.Errorf("settle script: %w", err)
	}
	if reply[0] == "ERR_NO_RESERVE" {
		return Result{}, ErrNoReserve
	}
	if reply[0] != "OK" || len(reply) < 4 {
		return Result{}, fmt.Errorf("settle script: unexpected reply %v", reply)
	}
	charge, err := parseMicros(reply[1])
	if err != nil {
		return Result{}, fmt.Errorf("settle script charge: %w", err)
	}
	refund, err := parseMicros(reply[2])
	if err != nil {
		return Result{}, fmt.Errorf("settle script refund: %w", err)
	}
	balance, err := parseMicros(reply[3])
	if err != nil {
		return Result{}, fmt.Errorf("settle script balance: %w", err)
	}
	return Result{Charge: charge, Refund: refund, NewBalance: balance}, nil
}

func (l *RedisLedger) Refund(ctx context.Context, tenantID, runID string, minimumFee domain.Micros) (Result, error) {
	return l.Settle(ctx, tenantID, runID, minimumFee)
}

func (l *RedisLedger) GetReservation(ctx context.Context, runID string) (Reservation, error) {
	if l == nil || l.client == nil {
		return Reservation{}, fmt.Errorf("ledger not initialized")
	}
	data, err := l.client.HGetAll(ctx, reserveKey(runID)).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	if len(data) == 0 {
		return Reservation{}, ErrNoReserve
	}
	reserved, err := parseMicros(data["reserved_micros"])
	if err != nil {
		return Reservation{}, fmt.Errorf("get reservation amount: %w", err)
	}
	createdMs, err := strconv.ParseInt(data["created_at_ms"], 10, 64)
	if err != nil {
		return Reservation{}, fmt.Errorf("get reservation created_at: %w", err)
	}
	return Reservation{
		TenantID:  data["tenant_id"],
		RunID:     runID,
		Reserved:  reserved,
		CreatedAt: time.UnixMilli(createdMs).UTC(),
	}, nil
}

func (l *RedisLedger) Balance(ctx context.Context, tenantID string) (domain.Micros, error) {
	if l == nil || l.client == nil {
		return 0, fmt.Errorf("ledger not initialized")
	}
	raw, err := l.client.Get(ctx, balanceKey(tenantID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return parseMicros(raw)
}

func (l *RedisLedger) SetBalance(ctx context.Context, tenantID string, balance domain.Micros) error {
	if l == nil || l.client == nil {
		return fmt.Errorf("ledger not initialized")
	}
	return l.client.Set(ctx, balanceKey(tenantID), strconv.FormatInt(int64(balance), 10), 0).Err()
}

func (l *RedisLedger) SetSoftLimit(ctx context.Context, tenantID string, limit domain.Micros) error {
	if l == nil || l.client == nil {
		return fmt.Errorf("ledger not initialized")
	}
	if limit > 0 {
		return fmt.Errorf("soft limit must be zero or negative")
	}
	return l.client.Set(ctx, softLimitKey(tenantID), strconv.FormatInt(int64(limit), 10), 0).Err()
}

func scriptReply(raw any) ([]string, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("unexpected reply shape %T", raw)
	}
	reply := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected reply element %T", item)
		}
		reply = append(reply, s)
	}
	return reply, nil
}

func parseMicros(s string) (domain.Micros, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return domain.Micros(v), nil
}
