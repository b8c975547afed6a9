package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// Redis implements Broker over redis pub/sub so every replica sees every event.
type Redis struct {
	rdb    *redis.Client
	prefix string

	mu   sync.Mutex
	subs map[chan Event]*redisSub
}

type redisSub struct {
	ps   *redis.PubSub
	sink *sink
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, prefix: "reliefdispatch:events:", subs: map[chan Event]*redisSub{}}
}

func (b *Redis) Subscribe(topic string) chan Event {
	s := newSink()
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.prefix+topic)
	// wait for the subscription confirmation so events published right after are not missed
	if _, err := ps.Receive(ctx); err != nil {
		slog.Warn("redis subscribe failed", "topic", topic, "err", err)
	}
	b.mu.Lock()
	b.subs[s.ch] = &redisSub{ps: ps, sink: s}
	b.mu.Unlock()
	go func() {
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				s.send(evt)
			}
		}
		s.close()
	}()
	return s.ch
}

func (b *Redis) Unsubscribe(_ string, ch chan Event) {
	b.mu.Lock()
	sub := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if sub == nil {
		return
	}
	_ = sub.ps.Close()
	sub.sink.close()
}

func (b *Redis) Publish(ctx context.Context, topic string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.prefix+topic, data).Err()
}
