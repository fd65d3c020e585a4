package handlers

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/gridline/scheduler/backend/chassis/protocol"
	"github.com/gridline/scheduler/backend/chassis/storage"
)

// SweepType ...
const SweepType = "sweep"

const defaultSweepBatch = 10

// Sweep - a composite record evaluating a fixed number of points in
// batches of singlepoint children. Iteration progress lives in
// service_state so it survives process restarts.
type Sweep struct{}

// Type ...
func (h *Sweep) Type() string {
	return SweepType
}

// RequiredPrograms ...
func (h *Sweep) RequiredPrograms(record *storage.Record) []string {
	return []string{"compute"}
}

// GenerateTaskSpec ...
func (h *Sweep) GenerateTaskSpec(ctx context.Context, tx pgx.Tx, record *storage.Record) (*storage.TaskSpec, error) {
	return nil, fmt.Errorf("sweep records are services and carry no task")
}

// UpdateCompleted ...
func (h *Sweep) UpdateCompleted(ctx context.Context, tx pgx.Tx, record *storage.Record, result *protocol.Result, managerName string) error {
	query := `update record set properties = $2 where id = $1`
	_, err := tx.Exec(ctx, query, record.ID, result.Outputs)
	return err
}

// UpdateFailed ...
func (h *Sweep) UpdateFailed(ctx context.Context, tx pgx.Tx, record *storage.Record, result *protocol.Result, managerName string) error {
	return nil
}

// InitializeService reads the sweep shape from the record's extras and
// submits the first batch.
func (h *Sweep) InitializeService(ctx context.Context, tx pgx.Tx, deps Deps, record *storage.Record, svc *storage.Service) error {
	total := extrasInt(record.Extras, "points", defaultSweepBatch)
	batch := extrasInt(record.Extras, "batch", defaultSweepBatch)
	svc.ServiceState = map[string]interface{}{
		"total":     total,
		"batch":     batch,
		"submitted": 0,
	}
	return h.submitNext(ctx, tx, deps, record, svc)
}

// IterateService submits the next batch, or finalizes when every point
// has been evaluated.
func (h *Sweep) IterateService(ctx context.Context, tx pgx.Tx, deps Deps, record *storage.Record, svc *storage.Service, completed []storage.ServiceDependency) (bool, error) {
	total := stateInt(svc.ServiceState, "total")
	submitted := stateInt(svc.ServiceState, "submitted")
	if submitted >= total {
		return true, nil
	}
	if err := h.submitNext(ctx, tx, deps, record, svc); err != nil {
		return false, err
	}
	return false, nil
}

func (h *Sweep) submitNext(ctx context.Context, tx pgx.Tx, deps Deps, record *storage.Record, svc *storage.Service) error {
	total := stateInt(svc.ServiceState, "total")
	batch := stateInt(svc.ServiceState, "batch")
	submitted := stateInt(svc.ServiceState, "submitted")
	end := submitted + batch
	if end > total {
		end = total
	}
	children := make([]ChildSpec, 0, end-submitted)
	for i := submitted; i < end; i++ {
		children = append(children, ChildSpec{
			RecordType:       SinglepointType,
			ContentHash:      fmt.Sprintf("%s/%d", record.ContentHash, i),
			Tag:              svc.Tag,
			Priority:         svc.Priority,
			RequiredPrograms: h.RequiredPrograms(record),
			Extras:           map[string]interface{}{"index": i},
		})
	}
	if _, err := deps.SubmitChildren(ctx, tx, svc, children); err != nil {
		return err
	}
	svc.ServiceState["submitted"] = end
	return nil
}

// ChildrenQuery ...
func (h *Sweep) ChildrenQuery() string {
	return ServiceChildrenQuery
}

// jsonb numbers decode as float64; extras may also carry Go ints when
// built in-process.
func toInt(val interface{}) (int, bool) {
	switch v := val.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func extrasInt(extras map[string]interface{}, key string, fallback int) int {
	if extras == nil {
		return fallback
	}
	if n, ok := toInt(extras[key]); ok && n > 0 {
		return n
	}
	return fallback
}

func stateInt(state map[string]interface{}, key string) int {
	n, _ := toInt(state[key])
	return n
}
