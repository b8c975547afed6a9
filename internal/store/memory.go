package store

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"reliefdispatch/internal/model"
)

// Memory is a simple in-memory store used when no database or redis is configured.
// It implements Inventory, ResultCache and Webhooks.
type Memory struct {
	mu         sync.Mutex
	areas      map[string]model.Area  // id -> area
	areaOrder  []string               // first-registration order
	trucks     map[string]model.Truck // id -> truck
	truckOrder []string

	cached    []byte // encoded batch
	expiresAt time.Time

	subs       []model.Subscription
	deliveries map[string]*memDelivery // id -> delivery state
	order      []string                // delivery ids in enqueue order

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		areas:      map[string]model.Area{},
		trucks:     map[string]model.Truck{},
		deliveries: map[string]*memDelivery{},
		now:        time.Now,
	}
}

// WithClock overrides the time source used for cache expiry and delivery scheduling.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

type memDelivery struct {
	model.WebhookDelivery
	NextAttemptAt time.Time
	DeliveredAt   *time.Time
}

func (m *Memory) UpsertAreas(ctx context.Context, areas []model.Area) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range areas {
		if _, ok := m.areas[a.AreaID]; !ok {
			m.areaOrder = append(m.areaOrder, a.AreaID)
		}
		m.areas[a.AreaID] = a
	}
	return nil
}

func (m *Memory) UpsertTrucks(ctx context.Context, trucks []model.Truck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putTrucksLocked(trucks)
	return nil
}

func (m *Memory) putTrucksLocked(trucks []model.Truck) {
	for _, t := range trucks {
		if _, ok := m.trucks[t.TruckID]; !ok {
			m.truckOrder = append(m.truckOrder, t.TruckID)
		}
		m.trucks[t.TruckID] = t.Clone()
	}
}

func (m *Memory) ListAreas(ctx context.Context) ([]model.Area, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.areasLocked(), nil
}

func (m *Memory) ListTrucks(ctx context.Context) ([]model.Truck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trucksLocked(), nil
}

func (m *Memory) areasLocked() []model.Area {
	out := make([]model.Area, 0, len(m.areaOrder))
	for _, id := range m.areaOrder {
		out = append(out, m.areas[id])
	}
	return out
}

func (m *Memory) trucksLocked() []model.Truck {
	out := make([]model.Truck, 0, len(m.truckOrder))
	for _, id := range m.truckOrder {
		out = append(out, m.trucks[id].Clone())
	}
	return out
}

// ApplyRun holds the store lock for the whole read-compute-write cycle.
func (m *Memory) ApplyRun(ctx context.Context, fn RunFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, err := fn(m.areasLocked(), m.trucksLocked())
	if err != nil {
		return err
	}
	m.putTrucksLocked(updated)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Result cache

func (m *Memory) SetAssignments(ctx context.Context, batch model.Batch, ttl time.Duration) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = b
	m.expiresAt = m.now().Add(ttl)
	return nil
}

func (m *Memory) GetAssignments(ctx context.Context) (model.Batch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return model.Batch{}, false, nil
	}
	if !m.now().Before(m.expiresAt) {
		m.cached = nil
		return model.Batch{}, false, nil
	}
	var b model.Batch
	if err := json.Unmarshal(m.cached, &b); err != nil {
		return model.Batch{}, false, err
	}
	return b, true, nil
}

func (m *Memory) ClearAssignments(ctx context.Context) error {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
	return nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: slices.Clone(req.Events), Secret: req.Secret, CreatedAt: m.now().UTC()}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Subscription{}, m.subs...), nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.subs, func(s model.Subscription) bool { return s.ID == id })
	if i < 0 {
		return ErrNotFound
	}
	m.subs = slices.Delete(m.subs, i, i+1)
	return nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		if slices.Contains(s.Events, eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: model.WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: model.DeliveryPending},
		NextAttemptAt:   m.now(),
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := []model.WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if (d.Status == model.DeliveryPending || d.Status == model.DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = model.DeliveryDelivered
		now := m.now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = model.DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = m.now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = model.DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []model.WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if status != "" && d.Status != status {
			continue
		}
		item := d.WebhookDelivery
		if d.Status == model.DeliveryRetry || d.Status == model.DeliveryPending {
			next := d.NextAttemptAt
			item.NextAttemptAt = &next
		}
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
