package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRealtimeChannel = "repertoire:events"
	relayPublishTimeout    = 2 * time.Second
)

// AttachRedisRelay routes published messages through a redis channel so every API
// instance delivers them to its own subscribers. It returns once the subscription
// is confirmed; forwarding stops when ctx ends.
func (d *RealtimeDispatcher) AttachRedisRelay(ctx context.Context, client *redis.Client, channel string, logger *zap.Logger) error {
	if client == nil {
		return fmt.Errorf("realtime relay: redis client required")
	}
	if channel == "" {
		channel = defaultRealtimeChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	subscription := client.Subscribe(ctx, channel)
	if _, err := subscription.Receive(ctx); err != nil {
		_ = subscription.Close()
		return fmt.Errorf("realtime relay: subscribe: %w", err)
	}

	go func() {
		defer subscription.Close()
		messages := subscription.Channel()
		for {
			select {
			case <-ctx.Done():
				d.setRelay(nil)
				return
			case received, ok := <-messages:
				if !ok || received == nil {
					d.setRelay(nil)
					return
				}
				var message RealtimeMessage
				if err := json.Unmarshal([]byte(received.Payload), &message); err != nil {
					logger.Warn("bad realtime relay payload", zap.Error(err))
					continue
				}
				d.deliver(message)
			}
		}
	}()

	d.setRelay(func(message RealtimeMessage) error {
		raw, err := json.Marshal(message)
		if err != nil {
			return err
		}
		publishCtx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		defer cancel()
		if err := client.Publish(publishCtx, channel, raw).Err(); err != nil {
			logger.Warn("realtime relay publish failed", zap.Error(err))
			return err
		}
		return nil
	})
	return nil
}
