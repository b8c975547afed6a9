package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reliefdispatch/internal/store"
)

type Publisher struct {
	Store store.Webhooks
}

func NewPublisher(s store.Webhooks) *Publisher {
	return &Publisher{Store: s}
}

// Envelope is the JSON body posted to subscribers.
type Envelope struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data"`
}

// Emit queues one delivery per subscription interested in eventType and returns how many were
// queued. The actual POST happens in the Worker.
func (p *Publisher) Emit(ctx context.Context, eventID, eventType string, data any) (int, error) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil || len(subs) == 0 {
		return 0, err
	}
	if eventID == "" {
		eventID = uuid.New().String()
	}
	body, err := json.Marshal(Envelope{ID: eventID, Type: eventType, TS: time.Now().UTC(), Data: data})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range subs {
		id, err := p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body)
		if err != nil {
			slog.WarnContext(ctx, "enqueue webhook", "subscription", s.ID, "event", eventType, "err", err)
			continue
		}
		if id != "" {
			n++
		}
	}
	return n, nil
}
