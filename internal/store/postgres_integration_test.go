//go:build postgres_integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reliefdispatch/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.Migrate(ctx))
	require.NoError(t, p.Migrate(ctx), "migrations are idempotent")

	id := "it-" + time.Now().Format("150405.000000")
	require.NoError(t, p.UpsertTrucks(ctx, []model.Truck{{TruckID: id, AvailableResources: map[string]float64{"water": 2}}}))
	err = p.ApplyRun(ctx, func(_ []model.Area, trucks []model.Truck) ([]model.Truck, error) {
		for i := range trucks {
			if trucks[i].TruckID == id {
				trucks[i].AvailableResources["water"] = 1
				return trucks[i : i+1], nil
			}
		}
		return nil, nil
	})
	require.NoError(t, err)

	trucks, err := p.ListTrucks(ctx)
	require.NoError(t, err)
	found := false
	for _, tr := range trucks {
		if tr.TruckID == id {
			found = true
			assert.Equal(t, 1.0, tr.AvailableResources["water"])
		}
	}
	assert.True(t, found)
}
