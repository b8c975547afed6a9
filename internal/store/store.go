package store

import (
	"context"
	"errors"
	"time"

	"reliefdispatch/internal/model"
)

// RunFunc computes a run over a consistent inventory snapshot and returns the trucks to persist.
type RunFunc func(areas []model.Area, trucks []model.Truck) ([]model.Truck, error)

// Inventory is durable keyed storage for areas and trucks.
// List methods return records in first-registration order.
type Inventory interface {
	UpsertAreas(ctx context.Context, areas []model.Area) error
	UpsertTrucks(ctx context.Context, trucks []model.Truck) error
	ListAreas(ctx context.Context) ([]model.Area, error)
	ListTrucks(ctx context.Context) ([]model.Truck, error)

	// ApplyRun reads a snapshot, calls fn, and writes back the trucks fn returns. Concurrent
	// ApplyRun calls on the same backend never lose each other's truck updates.
	ApplyRun(ctx context.Context, fn RunFunc) error

	Ping(ctx context.Context) error
}

// ResultCache holds the most recent assignment batch with a fixed lifetime.
type ResultCache interface {
	SetAssignments(ctx context.Context, batch model.Batch, ttl time.Duration) error
	// GetAssignments reports ok=false when nothing is cached or the entry expired.
	GetAssignments(ctx context.Context) (batch model.Batch, ok bool, err error)
	ClearAssignments(ctx context.Context) error
}

// Webhooks persists subscriptions and the outbound delivery queue.
type Webhooks interface {
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)

	// EnqueueWebhook returns the new delivery id, or "" when the store dropped a duplicate.
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]model.WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]model.WebhookDelivery, error)
}

// AssignmentsKey is the cache key (and redis key) holding the last batch.
const AssignmentsKey = "assignments"

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("store unavailable")
)

// UnavailableError marks a backend connectivity failure. errors.Is(err, ErrUnavailable) holds.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string { return e.Backend + " unavailable: " + e.Err.Error() }
func (e *UnavailableError) Unwrap() error { return e.Err }
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(backend string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Backend: backend, Err: err}
}
