package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

// Notification announces a completed request to downstream consumers.
type Notification struct {
	StudentID     string            `json:"student_id"`
	RequestID     string            `json:"request_id"`
	CorrelationID string            `json:"correlation_id"`
	Artifacts     map[string]string `json:"artifact_refs"`
	Degraded      bool              `json:"degraded"`
	CompletedAt   time.Time         `json:"completed_at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type redisNotifier struct {
	log     *logger.Logger
	rdb     goredis.UniversalClient
	channel string
}

// NewRedisNotifier publishes notifications as JSON on a pub/sub channel.
func NewRedisNotifier(rdb goredis.UniversalClient, channel string, baseLog *logger.Logger) (Notifier, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if strings.TrimSpace(channel) == "" {
		channel = "contentgen:completed"
	}
	return &redisNotifier{
		log:     baseLog.With("service", "RedisNotifier"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (n *redisNotifier) Notify(ctx context.Context, msg Notification) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	receivers, err := n.rdb.Publish(ctx, n.channel, raw).Result()
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	n.log.Debug("notification published", "correlation_id", msg.CorrelationID, "receivers", receivers)
	return nil
}

// Subscribe forwards notifications published on channel to onMsg until ctx ends.
func Subscribe(ctx context.Context, rdb goredis.UniversalClient, channel string, log *logger.Logger, onMsg func(Notification)) error {
	sub := rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg Notification
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					log.Warn("bad notification payload", "error", err)
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}

type logNotifier struct{ log *logger.Logger }

// NewLogNotifier only logs; used when no Redis is configured.
func NewLogNotifier(baseLog *logger.Logger) Notifier {
	return &logNotifier{log: baseLog.With("service", "LogNotifier")}
}

func (n *logNotifier) Notify(ctx context.Context, msg Notification) error {
	n.log.Info("content ready",
		"student_id", msg.StudentID,
		"request_id", msg.RequestID,
		"correlation_id", msg.CorrelationID,
		"artifacts", len(msg.Artifacts),
		"degraded", msg.Degraded,
	)
	return nil
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

func (r *Recorder) Notify(ctx context.Context, msg Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}
