// Package service runs assignment batches against the configured stores and announces results.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reliefdispatch/internal/events"
	"reliefdispatch/internal/metrics"
	"reliefdispatch/internal/model"
	"reliefdispatch/internal/opt"
	"reliefdispatch/internal/store"
)

// DefaultTTL is how long a computed batch stays readable.
const DefaultTTL = 30 * time.Minute

// Notifier queues outbound webhook deliveries for an event.
type Notifier interface {
	Emit(ctx context.Context, eventID, eventType string, data any) (int, error)
}

type Assignments struct {
	Inventory store.Inventory
	Cache     store.ResultCache
	Events    events.Broker // optional
	Notifier  Notifier      // optional
	TTL       time.Duration
	Mode      opt.Mode
	Log       *slog.Logger

	now func() time.Time
}

func NewAssignments(inv store.Inventory, cache store.ResultCache) *Assignments {
	return &Assignments{Inventory: inv, Cache: cache, TTL: DefaultTTL, Mode: opt.ModeGreedy, Log: slog.Default(), now: time.Now}
}

func (s *Assignments) RegisterAreas(ctx context.Context, areas []model.Area) error {
	return s.Inventory.UpsertAreas(ctx, areas)
}

func (s *Assignments) RegisterTrucks(ctx context.Context, trucks []model.Truck) error {
	return s.Inventory.UpsertTrucks(ctx, trucks)
}

func (s *Assignments) ListAreas(ctx context.Context) ([]model.Area, error) {
	return s.Inventory.ListAreas(ctx)
}

func (s *Assignments) ListTrucks(ctx context.Context) ([]model.Truck, error) {
	return s.Inventory.ListTrucks(ctx)
}

// Run computes a batch over the current inventory, persists the consumed truck inventory, caches
// the batch and announces it. An empty mode uses the service default.
func (s *Assignments) Run(ctx context.Context, mode opt.Mode) (model.Batch, error) {
	if mode == "" {
		mode = s.Mode
	}
	if mode == "" {
		mode = opt.ModeGreedy
	}

	var res opt.Result
	err := s.Inventory.ApplyRun(ctx, func(areas []model.Area, trucks []model.Truck) ([]model.Truck, error) {
		res = opt.Assign(areas, trucks, opt.Options{Mode: mode})
		return res.UpdatedTrucks(), nil
	})
	if err != nil {
		metrics.AssignmentRuns.WithLabelValues(string(mode), "error").Inc()
		return model.Batch{}, err
	}

	batch := model.Batch{
		RunID:     uuid.New().String(),
		Mode:      string(mode),
		CreatedAt: s.clock().UTC(),
		Outcomes:  res.Outcomes,
	}
	if batch.Outcomes == nil {
		batch.Outcomes = []model.Outcome{}
	}
	if err := s.Cache.SetAssignments(ctx, batch, s.ttl()); err != nil {
		metrics.AssignmentRuns.WithLabelValues(string(mode), "error").Inc()
		return model.Batch{}, err
	}

	opt.RecordMetrics(res.Metrics)
	metrics.AssignmentRuns.WithLabelValues(string(mode), "ok").Inc()
	metrics.AssignmentDuration.WithLabelValues(string(mode)).Observe(res.Metrics.DurationMs / 1000)
	for _, o := range batch.Outcomes {
		metrics.AssignmentOutcomes.WithLabelValues(string(o.Status), string(o.Reason)).Inc()
	}
	s.logger().InfoContext(ctx, "assignments processed",
		"run", batch.RunID, "mode", batch.Mode, "areas", res.Metrics.Areas, "trucks", res.Metrics.Trucks,
		"delivered", res.Metrics.Delivered, "updated_trucks", len(res.Updated))

	s.announce(ctx, model.EventAssignmentsProcessed, map[string]any{
		"runId":       batch.RunID,
		"mode":        batch.Mode,
		"createdAt":   batch.CreatedAt,
		"delivered":   res.Metrics.Delivered,
		"unfulfilled": res.Metrics.UnfulfilledTime + res.Metrics.UnfulfilledResources,
		"assignments": batch.Outcomes,
	})
	return batch, nil
}

// Last returns the cached batch; ok is false when nothing is cached or it expired.
func (s *Assignments) Last(ctx context.Context) (model.Batch, bool, error) {
	return s.Cache.GetAssignments(ctx)
}

// Clear drops the cached batch. Clearing an empty cache succeeds.
func (s *Assignments) Clear(ctx context.Context) error {
	if err := s.Cache.ClearAssignments(ctx); err != nil {
		return err
	}
	s.announce(ctx, model.EventAssignmentsCleared, map[string]any{"clearedAt": s.clock().UTC()})
	return nil
}

// RunMetrics returns the latest engine metrics per mode.
func (s *Assignments) RunMetrics() map[string]opt.Metrics {
	return opt.GetMetrics()
}

// announce publishes to stream subscribers and queues webhooks. Failures are logged, never
// returned: the batch is already committed.
func (s *Assignments) announce(ctx context.Context, eventType string, data map[string]any) {
	evt := events.Event{ID: uuid.New().String(), Type: eventType, Time: s.clock().UTC(), Data: data}
	if s.Events != nil {
		if err := s.Events.Publish(ctx, events.Topic, evt); err != nil {
			s.logger().WarnContext(ctx, "publish event", "type", eventType, "err", err)
		}
	}
	if s.Notifier != nil {
		if _, err := s.Notifier.Emit(ctx, evt.ID, eventType, data); err != nil {
			s.logger().WarnContext(ctx, "queue webhooks", "type", eventType, "err", err)
		}
	}
}

func (s *Assignments) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return DefaultTTL
}

func (s *Assignments) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Assignments) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
