package handlers

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline/scheduler/backend/chassis/storage"
)

// fakeDeps records submitted children instead of touching the database.
type fakeDeps struct {
	batches [][]ChildSpec
	nextID  int64
}

func (d *fakeDeps) SubmitChildren(ctx context.Context, tx pgx.Tx, svc *storage.Service, children []ChildSpec) ([]int64, error) {
	d.batches = append(d.batches, children)
	ids := make([]int64, len(children))
	for i := range ids {
		d.nextID++
		ids[i] = d.nextID
	}
	return ids, nil
}

func sweepFixture(points, batch int) (*storage.Record, *storage.Service) {
	record := &storage.Record{
		ID:          1,
		RecordType:  SweepType,
		IsService:   true,
		ContentHash: "sweep-abc",
		Extras: map[string]interface{}{
			// jsonb round-trips numbers as float64
			"points": float64(points),
			"batch":  float64(batch),
		},
	}
	svc := &storage.Service{
		RecordID: 1,
		Tag:      "gpu",
		Priority: storage.PriorityNormal,
	}
	return record, svc
}

func TestSweepInitializeSubmitsFirstBatch(t *testing.T) {
	handler := &Sweep{}
	deps := &fakeDeps{}
	record, svc := sweepFixture(5, 2)

	err := handler.InitializeService(context.Background(), nil, deps, record, svc)
	require.NoError(t, err)

	require.Len(t, deps.batches, 1)
	batch := deps.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, SinglepointType, batch[0].RecordType)
	assert.Equal(t, "sweep-abc/0", batch[0].ContentHash)
	assert.Equal(t, "sweep-abc/1", batch[1].ContentHash)
	assert.Equal(t, "gpu", batch[0].Tag)
	assert.Equal(t, storage.PriorityNormal, batch[0].Priority)
	assert.Equal(t, 2, stateInt(svc.ServiceState, "submitted"))
}

func TestSweepIterateRunsToCompletion(t *testing.T) {
	handler := &Sweep{}
	deps := &fakeDeps{}
	record, svc := sweepFixture(5, 2)
	ctx := context.Background()

	require.NoError(t, handler.InitializeService(ctx, nil, deps, record, svc))

	// 5 points in batches of 2: two more submissions, then done.
	done, err := handler.IterateService(ctx, nil, deps, record, svc, nil)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = handler.IterateService(ctx, nil, deps, record, svc, nil)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = handler.IterateService(ctx, nil, deps, record, svc, nil)
	require.NoError(t, err)
	assert.True(t, done)

	require.Len(t, deps.batches, 3)
	assert.Len(t, deps.batches[1], 2)
	assert.Len(t, deps.batches[2], 1)
	assert.Equal(t, "sweep-abc/4", deps.batches[2][0].ContentHash)
	assert.Equal(t, 5, stateInt(svc.ServiceState, "submitted"))
}

func TestSweepExtrasFallbacks(t *testing.T) {
	assert.Equal(t, defaultSweepBatch, extrasInt(nil, "points", defaultSweepBatch))
	assert.Equal(t, defaultSweepBatch, extrasInt(map[string]interface{}{"points": "ten"}, "points", defaultSweepBatch))
	assert.Equal(t, defaultSweepBatch, extrasInt(map[string]interface{}{"points": float64(0)}, "points", defaultSweepBatch))
	assert.Equal(t, 7, extrasInt(map[string]interface{}{"points": 7}, "points", defaultSweepBatch))
}

func TestSweepCarriesNoTask(t *testing.T) {
	handler := &Sweep{}
	_, err := handler.GenerateTaskSpec(context.Background(), nil, &storage.Record{})
	assert.Error(t, err)
}

func TestDefaultRegistry(t *testing.T) {
	registry := Default()
	for _, recordType := range []string{SinglepointType, SweepType} {
		handler, err := registry.Get(recordType)
		require.NoError(t, err)
		assert.Equal(t, recordType, handler.Type())
	}
	_, err := registry.Get("unknown")
	assert.Error(t, err)
}
