package records

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"

	"github.com/gridline/scheduler/backend/chassis/storage"
	"github.com/gridline/scheduler/backend/handlers"
)

// SubmitInput - one candidate record. FindExisting false forces a new
// row even when an identical record already exists.
type SubmitInput struct {
	RecordType       string
	IsService        bool
	ContentHash      string
	Tag              string
	Priority         storage.Priority
	RequiredPrograms []string
	OwnerUser        string
	OwnerGroup       string
	Extras           map[string]interface{}
	FindExisting     bool
}

// SubmitMeta - per-index outcome of one submission batch, in original
// input order.
type SubmitMeta struct {
	IDs         []int64
	InsertedIdx []int
	ExistingIdx []int
}

var recordInsertSpec = storage.InsertSpec{
	Table: "record",
	Lock:  storage.LockRecords,
	Columns: []string{
		"ext_id", "record_type", "is_service", "status",
		"content_hash", "owner_user", "owner_group", "extras",
	},
	Identity:  []string{"record_type", "content_hash"},
	Returning: []string{"id"},
}

// Submit ...
func (s *Store) Submit(ctx context.Context, batch []SubmitInput) (*SubmitMeta, error) {
	var meta *SubmitMeta
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		meta, err = s.SubmitTx(ctx, tx, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// SubmitTx deduplicates the batch by (record_type, content_hash) via
// the advisory-locked insert primitive and creates the task or service
// row for every newly created record.
func (s *Store) SubmitTx(ctx context.Context, tx pgx.Tx, batch []SubmitInput) (*SubmitMeta, error) {
	rows := make([][]interface{}, 0, len(batch))
	for _, input := range batch {
		hash := input.ContentHash
		if !input.FindExisting {
			// A unique suffix bypasses dedup for this row only.
			hash = hash + "|" + uuid.New().String()
		}
		rows = append(rows, []interface{}{
			uuid.New().String(),
			input.RecordType,
			input.IsService,
			storage.StatusWaiting,
			hash,
			nullable(input.OwnerUser),
			nullable(input.OwnerGroup),
			input.Extras,
		})
	}
	outcomes, err := s.DB.InsertGeneral(ctx, tx, recordInsertSpec, rows)
	if err != nil {
		return nil, err
	}
	meta := &SubmitMeta{IDs: make([]int64, 0, len(batch))}
	for i, outcome := range outcomes {
		id := outcome.Returned[0].(int64)
		meta.IDs = append(meta.IDs, id)
		if outcome.Existing {
			meta.ExistingIdx = append(meta.ExistingIdx, i)
			continue
		}
		meta.InsertedIdx = append(meta.InsertedIdx, i)
		if err := s.createClaimable(ctx, tx, id, &batch[i]); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

func (s *Store) createClaimable(ctx context.Context, tx pgx.Tx, recordID int64, input *SubmitInput) error {
	if input.IsService {
		query := `insert into service (record_id, tag, priority, find_existing) values ($1, $2, $3, $4)`
		_, err := tx.Exec(ctx, query, recordID, input.Tag, input.Priority, input.FindExisting)
		return err
	}
	programs := input.RequiredPrograms
	if len(programs) == 0 {
		handler, err := s.Handlers.Get(input.RecordType)
		if err != nil {
			return err
		}
		programs = handler.RequiredPrograms(&storage.Record{ID: recordID, RecordType: input.RecordType})
	}
	query := `insert into task (record_id, tag, priority, required_programs) values ($1, $2, $3, $4)`
	_, err := tx.Exec(ctx, query, recordID, input.Tag, input.Priority, programs)
	return err
}

// SubmitChildren implements handlers.Deps: submits the next batch of
// sub-records through the ordinary submission path and replaces the
// service's dependency set with them.
func (s *Store) SubmitChildren(ctx context.Context, tx pgx.Tx, svc *storage.Service, children []handlers.ChildSpec) ([]int64, error) {
	batch := make([]SubmitInput, 0, len(children))
	for _, child := range children {
		batch = append(batch, SubmitInput{
			RecordType:       child.RecordType,
			ContentHash:      child.ContentHash,
			Tag:              child.Tag,
			Priority:         child.Priority,
			RequiredPrograms: child.RequiredPrograms,
			Extras:           child.Extras,
			FindExisting:     svc.FindExisting,
		})
	}
	meta, err := s.SubmitTx(ctx, tx, batch)
	if err != nil {
		return nil, err
	}
	query := `delete from service_dependency where service_record_id = $1`
	if _, err := tx.Exec(ctx, query, svc.RecordID); err != nil {
		return nil, err
	}
	for i, childID := range meta.IDs {
		query := `
		insert into service_dependency (service_record_id, child_record_id, extras)
		values ($1, $2, $3)
		on conflict (service_record_id, child_record_id) do nothing`
		if _, err := tx.Exec(ctx, query, svc.RecordID, childID, children[i].Extras); err != nil {
			return nil, err
		}
	}
	return meta.IDs, nil
}

func nullable(val string) interface{} {
	if val == "" {
		return nil
	}
	return val
}
