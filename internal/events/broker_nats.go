package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATS implements Broker on core NATS subjects.
type NATS struct {
	nc     *nats.Conn
	prefix string

	mu   sync.Mutex
	subs map[chan Event]*natsSub
}

type natsSub struct {
	sub  *nats.Subscription
	sink *sink
}

func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{nc: nc, prefix: "reliefdispatch.events.", subs: map[chan Event]*natsSub{}}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("reliefdispatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
}

func (b *NATS) Subscribe(topic string) chan Event {
	s := newSink()
	sub, err := b.nc.Subscribe(b.prefix+topic, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err == nil {
			s.send(evt)
		}
	})
	if err != nil {
		slog.Warn("nats subscribe failed", "topic", topic, "err", err)
		s.close()
		return s.ch
	}
	// make sure the server registered interest before returning
	_ = b.nc.Flush()
	b.mu.Lock()
	b.subs[s.ch] = &natsSub{sub: sub, sink: s}
	b.mu.Unlock()
	return s.ch
}

func (b *NATS) Unsubscribe(_ string, ch chan Event) {
	b.mu.Lock()
	sub := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if sub == nil {
		return
	}
	_ = sub.sub.Unsubscribe()
	sub.sink.close()
}

func (b *NATS) Publish(_ context.Context, topic string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.prefix+topic, data)
}
