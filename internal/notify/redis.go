package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const channelPrefix = "jobqueue:enqueued:"

var ErrRedisNotReady = errors.New("redis did not become ready")

// ConnectRedis parses url and pings the server, retrying attempts times.
func ConnectRedis(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	for range max(attempts, 1) {
		client := redis.NewClient(opt)
		if err = client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		log.Warn().Err(err).Dur("retry_in", interval).Msg("redis not ready")
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, errors.Join(ErrRedisNotReady, err)
}

// Redis publishes enqueue notifications on a redis channel per topic so that
// worker processes on other hosts wake up as well. Received messages are
// delivered to local subscribers.
type Redis struct {
	*Local
	client *redis.Client
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedis subscribes to the channels of topics and starts relaying messages.
func NewRedis(ctx context.Context, client *redis.Client, topics []string) (*Redis, error) {
	channels := make([]string, 0, len(topics))
	for _, t := range topics {
		channels = append(channels, channelPrefix+t)
	}

	ps := client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to enqueue channels: %w", err)
	}

	r := &Redis{Local: NewLocal(), client: client, pubsub: ps}
	r.wg.Add(1)
	go r.relay()
	return r, nil
}

func (r *Redis) relay() {
	defer r.wg.Done()
	for msg := range r.pubsub.Channel() {
		r.signal(strings.TrimPrefix(msg.Channel, channelPrefix))
	}
}

func (r *Redis) Notify(ctx context.Context, topic string) error {
	if err := r.client.Publish(ctx, channelPrefix+topic, "1").Err(); err != nil {
		return fmt.Errorf("publish enqueue notification: %w", err)
	}
	return nil
}

// Close stops the relay and closes local subscriptions. The client is owned by
// the caller.
func (r *Redis) Close() error {
	err := r.pubsub.Close()
	r.wg.Wait()
	return errors.Join(err, r.Local.Close())
}
