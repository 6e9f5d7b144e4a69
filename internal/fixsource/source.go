// Package fixsource delivers GPS fixes to the ride pipeline, either from an
// in-process channel or from a Redis pub/sub channel fed by the device.
package fixsource

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vlebourl/redlights/internal/ride"
)

// Source produces fixes in the order the device took them. The fix channel
// closes when the source is exhausted. A *ride.ServiceError on the error
// channel means delivery stopped for a reason other than a signal gap.
type Source interface {
	Fixes(ctx context.Context) (<-chan ride.Fix, <-chan error)
}

// ChannelSource is a Source fed by the caller.
type ChannelSource struct {
	fixes chan ride.Fix
	errs  chan error
	once  sync.Once
}

func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{
		fixes: make(chan ride.Fix, buffer),
		errs:  make(chan error, 1),
	}
}

func (s *ChannelSource) Fixes(context.Context) (<-chan ride.Fix, <-chan error) {
	return s.fixes, s.errs
}

// Push blocks until the fix is queued or ctx ends.
func (s *ChannelSource) Push(ctx context.Context, f ride.Fix) error {
	select {
	case s.fixes <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail reports a service failure to the consumer.
func (s *ChannelSource) Fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Close ends the stream. Further pushes panic.
func (s *ChannelSource) Close() {
	s.once.Do(func() { close(s.fixes) })
}

// RedisSource reads JSON fixes published on fixes:<device>.
type RedisSource struct {
	client *redis.Client
	device string
}

func NewRedisSource(client *redis.Client, device string) *RedisSource {
	return &RedisSource{client: client, device: device}
}

func Channel(device string) string {
	return "fixes:" + device
}

// Fixes subscribes and decodes until ctx is cancelled. Undecodable payloads
// are skipped; losing the subscription is reported as a service error.
func (s *RedisSource) Fixes(ctx context.Context) (<-chan ride.Fix, <-chan error) {
	out := make(chan ride.Fix)
	errs := make(chan error, 1)

	pubsub := s.client.Subscribe(ctx, Channel(s.device))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		errs <- &ride.ServiceError{Reason: "subscribe " + Channel(s.device), Err: err}
		close(out)
		return out, errs
	}

	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					errs <- &ride.ServiceError{Reason: "subscription closed"}
					return
				}
				var f ride.Fix
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					log.Warn().Err(err).Str("device", s.device).Msg("skipping undecodable fix")
					continue
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

// Publish sends f to the device channel. Used by simulators and tests.
func Publish(ctx context.Context, client *redis.Client, device string, f ride.Fix) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return client.Publish(ctx, Channel(device), payload).Err()
}
