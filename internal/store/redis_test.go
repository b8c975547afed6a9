package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliefdispatch/internal/model"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb), mr
}

func TestRedis_UpsertKeepsRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	require.NoError(t, r.UpsertAreas(ctx, []model.Area{
		{AreaID: "Z", UrgencyLevel: 1, RequiredResources: map[string]float64{"food": 1}, TimeConstraint: 5},
		{AreaID: "A", UrgencyLevel: 2},
	}))
	require.NoError(t, r.UpsertAreas(ctx, []model.Area{{AreaID: "Z", UrgencyLevel: 4}, {AreaID: "M", UrgencyLevel: 3}}))

	areas, err := r.ListAreas(ctx)
	require.NoError(t, err)
	require.Len(t, areas, 3)
	assert.Equal(t, []string{"Z", "A", "M"}, []string{areas[0].AreaID, areas[1].AreaID, areas[2].AreaID})
	assert.Equal(t, 4, areas[0].UrgencyLevel)
}

func TestRedis_ListEmpty(t *testing.T) {
	r, _ := newTestRedis(t)
	trucks, err := r.ListTrucks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trucks)
}

func TestRedis_ForeignHashFieldsAreListed(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)
	require.NoError(t, r.UpsertTrucks(ctx, []model.Truck{{TruckID: "T1"}}))
	mr.HSet(trucksKey, "T0", `{"TruckID":"T0","AvailableResources":{"water":1},"TravelTimeToArea":{}}`)

	trucks, err := r.ListTrucks(ctx)
	require.NoError(t, err)
	require.Len(t, trucks, 2)
	assert.Equal(t, "T1", trucks[0].TruckID)
	assert.Equal(t, "T0", trucks[1].TruckID)
}

func TestRedis_ApplyRunWritesTrucks(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	require.NoError(t, r.UpsertAreas(ctx, []model.Area{{AreaID: "A1"}}))
	require.NoError(t, r.UpsertTrucks(ctx, []model.Truck{{TruckID: "T1", AvailableResources: map[string]float64{"water": 10}}}))

	err := r.ApplyRun(ctx, func(areas []model.Area, trucks []model.Truck) ([]model.Truck, error) {
		require.Len(t, areas, 1)
		trucks[0].AvailableResources["water"] = 4
		return trucks, nil
	})
	require.NoError(t, err)

	trucks, err := r.ListTrucks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.0, trucks[0].AvailableResources["water"])
}

func TestRedis_ConcurrentRunsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	require.NoError(t, r.UpsertTrucks(ctx, []model.Truck{{TruckID: "T1", AvailableResources: map[string]float64{"water": 10}}}))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.ApplyRun(ctx, func(_ []model.Area, trucks []model.Truck) ([]model.Truck, error) {
				trucks[0].AvailableResources["water"]--
				return trucks, nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	trucks, _ := r.ListTrucks(ctx)
	assert.Equal(t, 6.0, trucks[0].AvailableResources["water"])
}

func TestRedis_AssignmentsTTL(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	batch := model.Batch{RunID: "r1", Mode: "greedy", Outcomes: []model.Outcome{{AreaID: "A1", Status: model.StatusDelivered, TruckID: "T1"}}}
	require.NoError(t, r.SetAssignments(ctx, batch, 30*time.Minute))
	assert.Equal(t, 30*time.Minute, mr.TTL(AssignmentsKey))

	got, ok, err := r.GetAssignments(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "T1", got.Outcomes[0].TruckID)

	mr.FastForward(31 * time.Minute)
	_, ok, err = r.GetAssignments(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_LegacyArrayPayload(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)
	require.NoError(t, mr.Set(AssignmentsKey, `[{"AreaID":"A1","TruckID":"T1","ResourcesDelivered":{"water":1}}]`))

	got, ok, err := r.GetAssignments(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Outcomes, 1)
	assert.Equal(t, "A1", got.Outcomes[0].AreaID)
}

func TestRedis_ClearAssignments(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)
	require.NoError(t, r.SetAssignments(ctx, model.Batch{RunID: "r1"}, time.Minute))
	require.NoError(t, r.ClearAssignments(ctx))
	require.NoError(t, r.ClearAssignments(ctx))
	assert.False(t, mr.Exists(AssignmentsKey))
}

func TestRedis_UnavailableWhenServerDown(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)
	mr.Close()

	_, err := r.ListAreas(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, r.Ping(ctx), ErrUnavailable)
	err = r.ApplyRun(ctx, func(_ []model.Area, trucks []model.Truck) ([]model.Truck, error) { return trucks, nil })
	assert.ErrorIs(t, err, ErrUnavailable)
}
