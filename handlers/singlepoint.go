package handlers

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	"github.com/gridline/scheduler/backend/chassis/protocol"
	"github.com/gridline/scheduler/backend/chassis/storage"
)

// SinglepointType ...
const SinglepointType = "singlepoint"

// Singlepoint - a plain one-shot computation record.
type Singlepoint struct{}

// Type ...
func (h *Singlepoint) Type() string {
	return SinglepointType
}

// RequiredPrograms ...
func (h *Singlepoint) RequiredPrograms(record *storage.Record) []string {
	return []string{"compute"}
}

// GenerateTaskSpec ...
func (h *Singlepoint) GenerateTaskSpec(ctx context.Context, tx pgx.Tx, record *storage.Record) (*storage.TaskSpec, error) {
	return &storage.TaskSpec{
		Function: "compute.singlepoint",
		Kwargs: map[string]interface{}{
			"record_id": record.ID,
			"hash":      record.ContentHash,
			"extras":    record.Extras,
		},
	}, nil
}

// UpdateCompleted stores the manager's outputs as the record's
// properties.
func (h *Singlepoint) UpdateCompleted(ctx context.Context, tx pgx.Tx, record *storage.Record, result *protocol.Result, managerName string) error {
	query := `update record set properties = $2 where id = $1`
	_, err := tx.Exec(ctx, query, record.ID, result.Outputs)
	return err
}

// UpdateFailed ...
func (h *Singlepoint) UpdateFailed(ctx context.Context, tx pgx.Tx, record *storage.Record, result *protocol.Result, managerName string) error {
	return nil
}

// InitializeService ...
func (h *Singlepoint) InitializeService(ctx context.Context, tx pgx.Tx, deps Deps, record *storage.Record, svc *storage.Service) error {
	return errors.New("singlepoint records are not services")
}

// IterateService ...
func (h *Singlepoint) IterateService(ctx context.Context, tx pgx.Tx, deps Deps, record *storage.Record, svc *storage.Service, completed []storage.ServiceDependency) (bool, error) {
	return false, errors.New("singlepoint records are not services")
}

// ChildrenQuery ...
func (h *Singlepoint) ChildrenQuery() string {
	return ""
}
