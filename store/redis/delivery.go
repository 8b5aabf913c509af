package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nevindra/afk"
)

// Delivery implements afk.DeliveryStore on Redis: an idempotency success
// cache written with SET NX so the first response for a key wins, plus an
// append-only dead-letter list.
type Delivery struct {
	client      *goredis.Client
	prefix      string
	logger      *slog.Logger
	responseTTL time.Duration
}

var _ afk.DeliveryStore = (*Delivery)(nil)

// NewDelivery builds a Delivery on an existing client. The caller owns the
// client.
func NewDelivery(client *goredis.Client, opts ...Option) *Delivery {
	cfg := newConfig(opts)
	return &Delivery{
		client:      client,
		prefix:      cfg.prefix,
		logger:      cfg.logger,
		responseTTL: cfg.responseTTL,
	}
}

func (d *Delivery) responseKey(key string) string { return d.prefix + ":a2a:resp:" + key }
func (d *Delivery) deadKey() string               { return d.prefix + ":a2a:dead" }

func (d *Delivery) CachedResponse(ctx context.Context, key string) (afk.Envelope, bool, error) {
	raw, err := d.client.Get(ctx, d.responseKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return afk.Envelope{}, false, nil
	}
	if err != nil {
		return afk.Envelope{}, false, fmt.Errorf("redis: cached response: %w", err)
	}
	var env afk.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return afk.Envelope{}, false, fmt.Errorf("redis: cached response: %w", err)
	}
	return env, true, nil
}

func (d *Delivery) StoreResponse(ctx context.Context, key string, resp afk.Envelope) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("redis: store response: %w", err)
	}
	// SET NX keeps the first response; replays never overwrite it.
	if err := d.client.SetNX(ctx, d.responseKey(key), raw, d.responseTTL).Err(); err != nil {
		return fmt.Errorf("redis: store response: %w", err)
	}
	d.logger.Debug("a2a response cached", "idempotency_key", key)
	return nil
}

func (d *Delivery) AppendDeadLetter(ctx context.Context, dl afk.DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("redis: append dead letter: %w", err)
	}
	if err := d.client.RPush(ctx, d.deadKey(), raw).Err(); err != nil {
		return fmt.Errorf("redis: append dead letter: %w", err)
	}
	d.logger.Debug("a2a dead letter appended",
		"correlation_id", dl.CorrelationID, "target", dl.TargetAgent, "reason", dl.Reason)
	return nil
}

func (d *Delivery) DeadLetters(ctx context.Context, limit int) ([]afk.DeadLetter, error) {
	first := int64(0)
	if limit > 0 {
		first = int64(-limit)
	}
	raws, err := d.client.LRange(ctx, d.deadKey(), first, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: dead letters: %w", err)
	}
	out := make([]afk.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl afk.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("redis: dead letters: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}
