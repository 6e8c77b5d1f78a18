package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/envutil"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

type RedisConfig struct {
	Stream     string
	Group      string
	Consumer   string
	DelayedKey string
	DeadStream string
	// ReclaimIdle is how long a delivery may sit unacknowledged before another
	// consumer takes it over. It must exceed the longest ledger lease.
	ReclaimIdle time.Duration
	MaxLen      int64
}

// reclaimMargin is how far ReclaimIdle stays above the longest lease.
const reclaimMargin = time.Minute

// ReclaimIdleFloor is the smallest ReclaimIdle that outlasts a lease of maxLease.
func ReclaimIdleFloor(maxLease time.Duration) time.Duration {
	return maxLease + reclaimMargin
}

// RedisConfigFromEnv reads the broker settings. maxLease is the longest lease a
// worker holds; QUEUE_RECLAIM_IDLE defaults to ReclaimIdleFloor(maxLease) and is
// raised to it when set lower.
func RedisConfigFromEnv(consumer string, maxLease time.Duration) RedisConfig {
	stream := envutil.String("QUEUE_STREAM", "contentgen:requests")
	floor := ReclaimIdleFloor(maxLease)
	reclaim := envutil.Duration("QUEUE_RECLAIM_IDLE", floor)
	if reclaim < floor {
		reclaim = floor
	}
	return RedisConfig{
		Stream:      stream,
		Group:       envutil.String("QUEUE_GROUP", "contentgen-workers"),
		Consumer:    consumer,
		DelayedKey:  envutil.String("QUEUE_DELAYED_KEY", stream+":delayed"),
		DeadStream:  envutil.String("QUEUE_DEAD_STREAM", stream+":dead"),
		ReclaimIdle: reclaim,
		MaxLen:      int64(envutil.Int("QUEUE_MAX_LEN", 100000)),
	}
}

// RedisBroker implements Broker on a Redis Stream consumer group. Delayed retries
// wait in a sorted set scored by due time and are moved back onto the stream by
// the next Fetch; dead letters go to a separate stream.
type RedisBroker struct {
	rdb *goredis.Client
	cfg RedisConfig
	log *logger.Logger
}

// promoteScript atomically moves due entries from the delay set onto the stream.
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  local env = cjson.decode(member)
  redis.call('XADD', KEYS[2], '*', 'body', env.body, 'attempt', env.attempt)
end
return #due
`)

type delayedEnvelope struct {
	Key     string `json:"key"`
	Body    string `json:"body"`
	Attempt string `json:"attempt"`
}

func NewRedisBroker(ctx context.Context, rdb *goredis.Client, cfg RedisConfig, baseLog *logger.Logger) (*RedisBroker, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, fmt.Errorf("stream and group required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	if cfg.DelayedKey == "" {
		cfg.DelayedKey = cfg.Stream + ":delayed"
	}
	if cfg.DeadStream == "" {
		cfg.DeadStream = cfg.Stream + ":dead"
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 10 * time.Minute
	}
	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &RedisBroker{
		rdb: rdb,
		cfg: cfg,
		log: baseLog.With("service", "RedisBroker", "stream", cfg.Stream, "consumer", cfg.Consumer),
	}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, body []byte) error {
	return b.xadd(ctx, b.rdb, string(body), 1)
}

func (b *RedisBroker) xadd(ctx context.Context, c goredis.Cmdable, body string, attempt int) error {
	args := &goredis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]interface{}{"body": body, "attempt": strconv.Itoa(attempt)},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	return c.XAdd(ctx, args).Err()
}

func (b *RedisBroker) Fetch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if err := b.promoteDue(ctx, max); err != nil {
		b.log.Warn("promote delayed messages failed", "error", err)
	}

	out := make([]Delivery, 0, max)
	claimed, _, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ReclaimIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	for _, m := range claimed {
		out = append(out, b.delivery(m))
	}
	if len(out) >= max {
		return out, nil
	}

	block := wait
	if len(out) > 0 || wait <= 0 {
		block = -1
	}
	streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    int64(max - len(out)),
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, b.delivery(m))
		}
	}
	return out, nil
}

func (b *RedisBroker) promoteDue(ctx context.Context, limit int) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return promoteScript.Run(ctx, b.rdb, []string{b.cfg.DelayedKey, b.cfg.Stream}, now, limit).Err()
}

func (b *RedisBroker) Close() error { return nil }

// DeadLetters lists up to count dead-lettered messages, oldest first.
func (b *RedisBroker) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	msgs, err := b.rdb.XRangeN(ctx, b.cfg.DeadStream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, DeadLetter{
			ID:      fieldString(m.Values, "source_id"),
			Body:    []byte(fieldString(m.Values, "body")),
			Reason:  fieldString(m.Values, "reason"),
			Attempt: fieldInt(m.Values, "attempt"),
		})
	}
	return out, nil
}

func (b *RedisBroker) delivery(m goredis.XMessage) *redisDelivery {
	attempt := fieldInt(m.Values, "attempt")
	if attempt <= 0 {
		attempt = 1
	}
	return &redisDelivery{broker: b, id: m.ID, body: fieldString(m.Values, "body"), attempt: attempt}
}

type redisDelivery struct {
	broker  *RedisBroker
	id      string
	body    string
	attempt int
	settled bool
}

func (d *redisDelivery) ID() string   { return d.id }
func (d *redisDelivery) Body() []byte { return []byte(d.body) }
func (d *redisDelivery) Attempt() int { return d.attempt }

func (d *redisDelivery) Ack(ctx context.Context) error {
	return d.settle(ctx, nil)
}

func (d *redisDelivery) Retry(ctx context.Context, delay time.Duration) error {
	b := d.broker
	next := d.attempt + 1
	return d.settle(ctx, func(pipe goredis.Pipeliner) error {
		if delay <= 0 {
			return b.xadd(ctx, pipe, d.body, next)
		}
		env, err := json.Marshal(delayedEnvelope{Key: uuid.NewString(), Body: d.body, Attempt: strconv.Itoa(next)})
		if err != nil {
			return err
		}
		due := float64(time.Now().Add(delay).UnixMilli())
		return pipe.ZAdd(ctx, b.cfg.DelayedKey, goredis.Z{Score: due, Member: string(env)}).Err()
	})
}

func (d *redisDelivery) DeadLetter(ctx context.Context, reason string) error {
	b := d.broker
	return d.settle(ctx, func(pipe goredis.Pipeliner) error {
		return pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: b.cfg.DeadStream,
			Values: map[string]interface{}{
				"body":      d.body,
				"reason":    reason,
				"source_id": d.id,
				"attempt":   strconv.Itoa(d.attempt),
			},
		}).Err()
	})
}

// settle runs extra (if any), then acknowledges and deletes the stream entry in one MULTI.
func (d *redisDelivery) settle(ctx context.Context, extra func(goredis.Pipeliner) error) error {
	if d.settled {
		return nil
	}
	b := d.broker
	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if extra != nil {
			if err := extra(pipe); err != nil {
				return err
			}
		}
		pipe.XAck(ctx, b.cfg.Stream, b.cfg.Group, d.id)
		pipe.XDel(ctx, b.cfg.Stream, d.id)
		return nil
	})
	if err != nil {
		return err
	}
	d.settled = true
	return nil
}

func fieldString(values map[string]interface{}, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func fieldInt(values map[string]interface{}, key string) int {
	n, err := strconv.Atoi(fieldString(values, key))
	if err != nil {
		return 0
	}
	return n
}
