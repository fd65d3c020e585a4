package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	log "github.com/gridline/scheduler/backend/chassis/logging"
	"github.com/gridline/scheduler/backend/chassis/storage"
	"github.com/gridline/scheduler/backend/handlers"
	"github.com/gridline/scheduler/backend/records"
)

const foreignKeyViolation = "23503"

// ItemError - per-id failure inside a batch operation.
type ItemError struct {
	ID     int64
	Reason string
}

// UpdateMeta - structured per-item outcome of a status operation. Ids
// that were missing or not in an eligible state are skipped, never
// silently dropped.
type UpdateMeta struct {
	UpdatedIDs []int64
	SkippedIDs []int64
	Errors     []ItemError
}

// DeleteMeta ...
type DeleteMeta struct {
	DeletedIDs []int64
	SkippedIDs []int64
	Errors     []ItemError
}

// Engine - administrative status transitions with backup/restore.
type Engine struct {
	DB       *storage.DB
	Store    *records.Store
	Handlers *handlers.Registry
	Policy   Policy
}

// NewEngine ...
func NewEngine(db *storage.DB, store *records.Store, registry *handlers.Registry, policy Policy) *Engine {
	return &Engine{
		DB:       db,
		Store:    store,
		Handlers: registry,
		Policy:   policy,
	}
}

var (
	cancelEligible = []storage.Status{storage.StatusWaiting, storage.StatusRunning, storage.StatusError}
	deleteEligible = []storage.Status{
		storage.StatusWaiting, storage.StatusRunning, storage.StatusError,
		storage.StatusComplete, storage.StatusCancelled, storage.StatusInvalid,
	}
	invalidateEligible = []storage.Status{storage.StatusComplete}
	revertEligible     = []storage.Status{storage.StatusCancelled, storage.StatusDeleted, storage.StatusInvalid}
)

// Cancel ...
func (e *Engine) Cancel(ctx context.Context, ids []int64, propagate bool) (*UpdateMeta, error) {
	return e.setTerminal(ctx, ids, storage.StatusCancelled, cancelEligible, true, propagate)
}

// Delete marks records deleted without removing rows (soft delete).
func (e *Engine) Delete(ctx context.Context, ids []int64, propagate bool) (*UpdateMeta, error) {
	return e.setTerminal(ctx, ids, storage.StatusDeleted, deleteEligible, true, propagate)
}

// Invalidate overrides a completed record post hoc. Never propagates.
func (e *Engine) Invalidate(ctx context.Context, ids []int64) (*UpdateMeta, error) {
	return e.setTerminal(ctx, ids, storage.StatusInvalid, invalidateEligible, false, false)
}

// setTerminal is the shared cancel/delete/invalidate mechanism:
// ancestors are always included so a parent's aggregate view reflects
// child changes; descendants only when propagate is set.
func (e *Engine) setTerminal(ctx context.Context, ids []int64, newStatus storage.Status, eligible []storage.Status, withClosure, propagate bool) (*UpdateMeta, error) {
	meta := &UpdateMeta{}
	err := e.DB.WithTx(ctx, func(tx pgx.Tx) error {
		targets := ids
		if withClosure {
			var err error
			targets, err = e.expandRelatives(ctx, tx, ids, propagate)
			if err != nil {
				return err
			}
		}
		locked, err := e.lockEligible(ctx, tx, targets, eligible)
		if err != nil {
			return err
		}
		for _, record := range locked {
			if err := e.moveToTerminal(ctx, tx, record, newStatus); err != nil {
				return err
			}
			meta.UpdatedIDs = append(meta.UpdatedIDs, record.ID)
		}
		meta.SkippedIDs = skipped(ids, meta.UpdatedIDs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (e *Engine) moveToTerminal(ctx context.Context, tx pgx.Tx, record *storage.Record, newStatus storage.Status) error {
	oldStatus := record.Status
	if oldStatus == storage.StatusRunning {
		// Abandon the claim first; the manager's eventual result will
		// be rejected at the protocol level.
		oldStatus = storage.StatusWaiting
	}
	backup := &storage.RecordInfoBackup{
		RecordID:  record.ID,
		OldStatus: oldStatus,
	}
	task, err := e.Store.TaskTx(ctx, tx, record.ID)
	if err != nil {
		return err
	}
	if task != nil {
		backup.OldTag = &task.Tag
		backup.OldPriority = &task.Priority
		query := `delete from task where record_id = $1`
		if _, err := tx.Exec(ctx, query, record.ID); err != nil {
			return err
		}
	}
	if err := e.Store.PushBackupTx(ctx, tx, backup); err != nil {
		return err
	}
	query := `
	update record
	set status = $2,
		manager_name = case when status = $3 then null else manager_name end,
		modified_on = now()
	where id = $1`
	_, err = tx.Exec(ctx, query, record.ID, newStatus, storage.StatusRunning)
	return err
}

// Revert pops exactly one backup entry per record and restores status,
// tag and priority, recreating the task when the restored state
// expects one.
func (e *Engine) Revert(ctx context.Context, ids []int64) (*UpdateMeta, error) {
	meta := &UpdateMeta{}
	err := e.DB.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := e.lockEligible(ctx, tx, ids, revertEligible)
		if err != nil {
			return err
		}
		for _, record := range locked {
			backup, err := e.Store.PeekBackupTx(ctx, tx, record.ID)
			if err != nil {
				return err
			}
			if backup == nil {
				meta.Errors = append(meta.Errors, ItemError{
					ID:     record.ID,
					Reason: "no backup information to restore",
				})
				continue
			}
			// An inconsistent backup row stays on the stack; restoring
			// it would corrupt the state machine.
			if !storage.CanTransition(record.Status, backup.OldStatus) {
				meta.Errors = append(meta.Errors, ItemError{
					ID:     record.ID,
					Reason: fmt.Sprintf("illegal transition %s -> %s", record.Status, backup.OldStatus),
				})
				continue
			}
			if _, err := e.Store.PopBackupTx(ctx, tx, record.ID); err != nil {
				return err
			}
			if err := e.restore(ctx, tx, record, backup); err != nil {
				return err
			}
			meta.UpdatedIDs = append(meta.UpdatedIDs, record.ID)
		}
		meta.SkippedIDs = skipped(ids, append(meta.UpdatedIDs, errorIDs(meta.Errors)...))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (e *Engine) restore(ctx context.Context, tx pgx.Tx, record *storage.Record, backup *storage.RecordInfoBackup) error {
	query := `update record set status = $2, modified_on = now() where id = $1`
	if _, err := tx.Exec(ctx, query, record.ID, backup.OldStatus); err != nil {
		return err
	}
	if record.IsService || !backup.OldStatus.Live() {
		return nil
	}
	task, err := e.Store.TaskTx(ctx, tx, record.ID)
	if err != nil {
		return err
	}
	if task != nil {
		return nil
	}
	handler, err := e.Handlers.Get(record.RecordType)
	if err != nil {
		return err
	}
	tag := ""
	if backup.OldTag != nil {
		tag = *backup.OldTag
	}
	priority := storage.PriorityNormal
	if backup.OldPriority != nil {
		priority = *backup.OldPriority
	}
	// Spec payload stays null and is regenerated on first claim.
	query = `insert into task (record_id, tag, priority, required_programs) values ($1, $2, $3, $4)`
	_, err = tx.Exec(ctx, query, record.ID, tag, priority, handler.RequiredPrograms(record))
	return err
}

// Reset requeues errored records. Manual counterpart of the automatic
// reset pass; no backups are involved.
func (e *Engine) Reset(ctx context.Context, ids []int64) (*UpdateMeta, error) {
	return e.requeue(ctx, ids, storage.StatusError, false)
}

// ResetRunning abandons in-flight work and requeues it.
func (e *Engine) ResetRunning(ctx context.Context, ids []int64) (*UpdateMeta, error) {
	return e.requeue(ctx, ids, storage.StatusRunning, true)
}

func (e *Engine) requeue(ctx context.Context, ids []int64, fromStatus storage.Status, clearManager bool) (*UpdateMeta, error) {
	meta := &UpdateMeta{}
	err := e.DB.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := e.lockEligible(ctx, tx, ids, []storage.Status{fromStatus})
		if err != nil {
			return err
		}
		for _, record := range locked {
			if !record.IsService {
				task, err := e.Store.TaskTx(ctx, tx, record.ID)
				if err != nil {
					return err
				}
				if task == nil {
					meta.Errors = append(meta.Errors, ItemError{
						ID:     record.ID,
						Reason: "record has no task to requeue",
					})
					continue
				}
			}
			query := `update record set status = $2, modified_on = now() where id = $1`
			if clearManager {
				query = `update record set status = $2, manager_name = null, modified_on = now() where id = $1`
			}
			if _, err := tx.Exec(ctx, query, record.ID, storage.StatusWaiting); err != nil {
				return err
			}
			meta.UpdatedIDs = append(meta.UpdatedIDs, record.ID)
		}
		meta.SkippedIDs = skipped(ids, append(meta.UpdatedIDs, errorIDs(meta.Errors)...))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// ResetTx flips errored records back to waiting inside a caller-owned
// transaction. Used by the completion engine's automatic reset pass.
func (e *Engine) ResetTx(ctx context.Context, tx pgx.Tx, ids []int64) (int, error) {
	query := `
	update record
	set status = $2, modified_on = now()
	where id = any($1) and status = $3`
	tag, err := tx.Exec(ctx, query, ids, storage.StatusWaiting, storage.StatusError)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// HardDelete removes rows outright. Records still referenced as a
// service dependency fail individually with an integrity error; the
// rest of the batch proceeds.
func (e *Engine) HardDelete(ctx context.Context, ids []int64, propagate bool) (*DeleteMeta, error) {
	meta := &DeleteMeta{}
	err := e.DB.WithTx(ctx, func(tx pgx.Tx) error {
		targets := ids
		if propagate {
			var err error
			// Parents first, so their dependency rows are gone before
			// the children are attempted.
			targets, err = e.expandDescendants(ctx, tx, ids)
			if err != nil {
				return err
			}
		}
		for _, id := range targets {
			nested, err := tx.Begin(ctx)
			if err != nil {
				return err
			}
			tag, err := nested.Exec(ctx, `delete from record where id = $1`, id)
			if err != nil {
				nested.Rollback(ctx)
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
					meta.Errors = append(meta.Errors, ItemError{
						ID:     id,
						Reason: "record is still referenced by a service dependency",
					})
					continue
				}
				return err
			}
			if err := nested.Commit(ctx); err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				meta.SkippedIDs = append(meta.SkippedIDs, id)
				continue
			}
			meta.DeletedIDs = append(meta.DeletedIDs, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"event":   "hard_delete",
		"deleted": len(meta.DeletedIDs),
		"errors":  len(meta.Errors),
	}).Info("hard delete finished")
	return meta, nil
}

// expandRelatives walks the parent/child relation declared by the
// record-type handlers to a fixpoint. Ancestors are always added;
// descendants only when requested.
func (e *Engine) expandRelatives(ctx context.Context, tx pgx.Tx, ids []int64, descendants bool) ([]int64, error) {
	known := map[int64]bool{}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !known[id] {
			known[id] = true
			out = append(out, id)
		}
	}
	frontier := append([]int64{}, out...)
	for len(frontier) > 0 {
		next := []int64{}
		for _, query := range e.Handlers.ChildrenQueries() {
			rows, err := tx.Query(ctx, query, frontier)
			if err != nil {
				return nil, err
			}
			for rows.Next() {
				var parent, child int64
				if err := rows.Scan(&parent, &child); err != nil {
					rows.Close()
					return nil, err
				}
				if known[child] && !known[parent] {
					known[parent] = true
					out = append(out, parent)
					next = append(next, parent)
				}
				if descendants && known[parent] && !known[child] {
					known[child] = true
					out = append(out, child)
					next = append(next, child)
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}
		}
		frontier = next
	}
	return out, nil
}

// expandDescendants adds children only, parents ordered before their
// children.
func (e *Engine) expandDescendants(ctx context.Context, tx pgx.Tx, ids []int64) ([]int64, error) {
	known := map[int64]bool{}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !known[id] {
			known[id] = true
			out = append(out, id)
		}
	}
	frontier := append([]int64{}, out...)
	for len(frontier) > 0 {
		next := []int64{}
		for _, query := range e.Handlers.ChildrenQueries() {
			rows, err := tx.Query(ctx, query, frontier)
			if err != nil {
				return nil, err
			}
			for rows.Next() {
				var parent, child int64
				if err := rows.Scan(&parent, &child); err != nil {
					rows.Close()
					return nil, err
				}
				if known[parent] && !known[child] {
					known[child] = true
					out = append(out, child)
					next = append(next, child)
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}
		}
		frontier = next
	}
	return out, nil
}

func (e *Engine) lockEligible(ctx context.Context, tx pgx.Tx, ids []int64, eligible []storage.Status) ([]*storage.Record, error) {
	statuses := make([]string, 0, len(eligible))
	for _, status := range eligible {
		statuses = append(statuses, string(status))
	}
	query := `
	select id, ext_id, record_type, is_service, status, manager_name,
		owner_user, owner_group, content_hash, created_on, modified_on, extras, properties
	from record
	where id = any($1) and status = any($2)
	order by id
	for update`
	rows, err := tx.Query(ctx, query, ids, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Record
	for rows.Next() {
		var record storage.Record
		err := rows.Scan(
			&record.ID, &record.ExtID, &record.RecordType, &record.IsService, &record.Status,
			&record.ManagerName, &record.OwnerUser, &record.OwnerGroup, &record.ContentHash,
			&record.CreatedOn, &record.ModifiedOn, &record.Extras, &record.Properties,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

func skipped(requested, handled []int64) []int64 {
	seen := map[int64]bool{}
	for _, id := range handled {
		seen[id] = true
	}
	var out []int64
	for _, id := range requested {
		if !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

func errorIDs(items []ItemError) []int64 {
	out := make([]int64, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}
