package distributed

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries frames over Redis pub/sub. Frames are binary; Redis
// channels are byte-safe.
type RedisBus struct {
	rdb redis.UniversalClient
}

func NewRedisBus(rdb redis.UniversalClient) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no frame published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	var once sync.Once
	unsub := func() { once.Do(func() { _ = ps.Close() }) }

	ch := ps.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				unsub()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h([]byte(msg.Payload))
			}
		}
	}()
	return unsub, nil
}
