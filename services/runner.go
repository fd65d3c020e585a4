package services

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"

	log "github.com/gridline/scheduler/backend/chassis/logging"
	"github.com/gridline/scheduler/backend/chassis/metrics"
	"github.com/gridline/scheduler/backend/chassis/notify"
	"github.com/gridline/scheduler/backend/chassis/protocol"
	"github.com/gridline/scheduler/backend/chassis/storage"
	"github.com/gridline/scheduler/backend/handlers"
	"github.com/gridline/scheduler/backend/records"
)

// Runner - drives service-backed records: initializes waiting ones,
// iterates running ones whose dependencies have all finished. Each
// record is processed under its own row lock, so iterate is never
// invoked concurrently for the same service and never before
// initialize completed.
type Runner struct {
	DB       *storage.DB
	Store    *records.Store
	Handlers *handlers.Registry
	Notify   notify.Publisher
}

// NewRunner ...
func NewRunner(db *storage.DB, store *records.Store, registry *handlers.Registry, publisher notify.Publisher) *Runner {
	return &Runner{
		DB:       db,
		Store:    store,
		Handlers: registry,
		Notify:   publisher,
	}
}

// dependencyState - one dependency joined with its child's status.
type dependencyState struct {
	storage.ServiceDependency
	ChildStatus storage.Status
}

// InitializeWaiting invokes the record-type handler's initialize hook
// for waiting service records and moves them to running. Returns the
// number of services started.
func (r *Runner) InitializeWaiting(ctx context.Context, limit int) (int, error) {
	ids, err := r.candidates(ctx, `
	select record.id
	from record
	join service on service.record_id = record.id
	where record.status = $1
	order by service.priority desc, record.created_on
	limit $2`, storage.StatusWaiting, limit)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, id := range ids {
		err := r.DB.WithTx(ctx, func(tx pgx.Tx) error {
			return r.initializeOne(ctx, tx, id)
		})
		if err != nil {
			log.WithFields(log.Fields{
				"event":    "service_initialize_failed",
				"recordID": id,
			}).Error(err)
			r.markError(ctx, id, protocol.InternalError(err.Error()))
			continue
		}
		started++
	}
	return started, nil
}

func (r *Runner) initializeOne(ctx context.Context, tx pgx.Tx, id int64) error {
	record, err := r.lockService(ctx, tx, id, storage.StatusWaiting)
	if err != nil || record == nil {
		return err
	}
	svc, err := r.Store.ServiceTx(ctx, tx, id)
	if err != nil {
		return err
	}
	// A populated state means the service was initialized before and
	// later requeued (revert after cancel, manual reset). Its iteration
	// progress is non-recoverable; resume instead of starting over.
	if len(svc.ServiceState) == 0 {
		handler, err := r.Handlers.Get(record.RecordType)
		if err != nil {
			return err
		}
		if err := handler.InitializeService(ctx, tx, r.Store, record, svc); err != nil {
			return err
		}
		if err := r.Store.SaveServiceStateTx(ctx, tx, svc); err != nil {
			return err
		}
	}
	query := `update record set status = $2, modified_on = now() where id = $1`
	_, err = tx.Exec(ctx, query, id, storage.StatusRunning)
	return err
}

// IterateReady processes running services with no live dependencies
// left. A dependency that ended anywhere other than complete
// short-circuits: the service goes to error with the aggregated
// failure and the handler is bypassed.
func (r *Runner) IterateReady(ctx context.Context, limit int) (int, error) {
	ids, err := r.candidates(ctx, `
	select record.id
	from record
	join service on service.record_id = record.id
	where record.status = $1
		and not exists (
			select 1
			from service_dependency sd
			join record child on child.id = sd.child_record_id
			where sd.service_record_id = record.id
				and child.status in ('waiting', 'running')
		)
	order by record.modified_on
	limit $2`, storage.StatusRunning, limit)
	if err != nil {
		return 0, err
	}
	iterated := 0
	for _, id := range ids {
		var pending *notify.Notification
		err := r.DB.WithTx(ctx, func(tx pgx.Tx) error {
			var err error
			pending, err = r.iterateOne(ctx, tx, id)
			return err
		})
		if err != nil {
			log.WithFields(log.Fields{
				"event":    "service_iterate_failed",
				"recordID": id,
			}).Error(err)
			r.markError(ctx, id, protocol.InternalError(err.Error()))
			continue
		}
		// Only after the commit: observers never see a finished
		// service whose state is not yet durable.
		if pending != nil {
			r.publish(pending)
		}
		iterated++
	}
	return iterated, nil
}

// iterateOne runs one iteration pass inside the caller's transaction.
// A non-nil notification is returned instead of published here; the
// caller sends it once the transaction has committed.
func (r *Runner) iterateOne(ctx context.Context, tx pgx.Tx, id int64) (*notify.Notification, error) {
	record, err := r.lockService(ctx, tx, id, storage.StatusRunning)
	if err != nil || record == nil {
		return nil, err
	}
	deps, err := r.dependencyStates(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	completed := make([]storage.ServiceDependency, 0, len(deps))
	failed := []dependencyState{}
	for _, dep := range deps {
		switch dep.ChildStatus {
		case storage.StatusWaiting, storage.StatusRunning:
			// Raced with a requeue; not ready after all.
			return nil, nil
		case storage.StatusComplete:
			completed = append(completed, dep.ServiceDependency)
		default:
			failed = append(failed, dep)
		}
	}
	if len(failed) > 0 {
		return r.failService(ctx, tx, record, failed)
	}
	svc, err := r.Store.ServiceTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	handler, err := r.Handlers.Get(record.RecordType)
	if err != nil {
		return nil, err
	}
	done, err := handler.IterateService(ctx, tx, r.Store, record, svc, completed)
	if err != nil {
		return nil, err
	}
	// The iteration state must survive restarts regardless of outcome.
	if err := r.Store.SaveServiceStateTx(ctx, tx, svc); err != nil {
		return nil, err
	}
	metrics.ServicesIterated.Inc()
	if !done {
		query := `update record set modified_on = now() where id = $1`
		_, err = tx.Exec(ctx, query, id)
		return nil, err
	}
	err = r.Store.AppendHistoryTx(ctx, tx, &storage.ComputeHistory{
		RecordID: id,
		Status:   storage.StatusComplete,
	})
	if err != nil {
		return nil, err
	}
	query := `update record set status = $2, modified_on = now() where id = $1`
	if _, err := tx.Exec(ctx, query, id, storage.StatusComplete); err != nil {
		return nil, err
	}
	return &notify.Notification{RecordID: id, Status: storage.StatusComplete}, nil
}

// failService aggregates the failed children's most recent errors and
// marks the service errored. The notification is returned for the
// caller to publish after commit.
func (r *Runner) failService(ctx context.Context, tx pgx.Tx, record *storage.Record, failed []dependencyState) (*notify.Notification, error) {
	childIDs := make([]int64, 0, len(failed))
	for _, dep := range failed {
		childIDs = append(childIDs, dep.ChildRecordID)
	}
	childErrors, err := r.latestChildErrors(ctx, tx, childIDs)
	if err != nil {
		return nil, err
	}
	outputs := map[string]interface{}{}
	for childID, message := range childErrors {
		outputs[fmt.Sprintf("%d", childID)] = message
	}
	err = r.Store.AppendHistoryTx(ctx, tx, &storage.ComputeHistory{
		RecordID:     record.ID,
		Status:       storage.StatusError,
		Outputs:      outputs,
		ErrorType:    "dependency_error",
		ErrorMessage: fmt.Sprintf("%d dependencies did not complete", len(failed)),
	})
	if err != nil {
		return nil, err
	}
	query := `update record set status = $2, modified_on = now() where id = $1`
	if _, err := tx.Exec(ctx, query, record.ID, storage.StatusError); err != nil {
		return nil, err
	}
	return &notify.Notification{RecordID: record.ID, Status: storage.StatusError}, nil
}

// markError records a handler or framework failure outside the failed
// transaction.
func (r *Runner) markError(ctx context.Context, id int64, result *protocol.Result) {
	err := r.DB.WithTx(ctx, func(tx pgx.Tx) error {
		record, err := r.Store.LockTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if record.Status != storage.StatusWaiting && record.Status != storage.StatusRunning {
			return nil
		}
		err = r.Store.AppendHistoryTx(ctx, tx, &storage.ComputeHistory{
			RecordID:     id,
			Status:       storage.StatusError,
			ErrorType:    result.Error.Type,
			ErrorMessage: result.Error.Message,
		})
		if err != nil {
			return err
		}
		query := `update record set status = $2, modified_on = now() where id = $1`
		_, err = tx.Exec(ctx, query, id, storage.StatusError)
		return err
	})
	if err != nil {
		log.WithFields(log.Fields{
			"event":    "service_mark_error_failed",
			"recordID": id,
		}).Error(err)
		return
	}
	r.publish(&notify.Notification{RecordID: id, Status: storage.StatusError})
}

func (r *Runner) lockService(ctx context.Context, tx pgx.Tx, id int64, expect storage.Status) (*storage.Record, error) {
	query := `
	select id, ext_id, record_type, is_service, status, manager_name,
		owner_user, owner_group, content_hash, created_on, modified_on, extras, properties
	from record
	where id = $1 and is_service
	for update skip locked`
	var record storage.Record
	err := tx.QueryRow(ctx, query, id).Scan(
		&record.ID, &record.ExtID, &record.RecordType, &record.IsService, &record.Status,
		&record.ManagerName, &record.OwnerUser, &record.OwnerGroup, &record.ContentHash,
		&record.CreatedOn, &record.ModifiedOn, &record.Extras, &record.Properties,
	)
	if err == pgx.ErrNoRows {
		// Locked by a concurrent pass, or no longer a candidate.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.Status != expect {
		return nil, nil
	}
	return &record, nil
}

func (r *Runner) dependencyStates(ctx context.Context, tx pgx.Tx, serviceRecordID int64) ([]dependencyState, error) {
	query := `
	select sd.id, sd.service_record_id, sd.child_record_id, sd.extras, child.status
	from service_dependency sd
	join record child on child.id = sd.child_record_id
	where sd.service_record_id = $1
	order by sd.id`
	rows, err := tx.Query(ctx, query, serviceRecordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dependencyState
	for rows.Next() {
		var dep dependencyState
		err := rows.Scan(&dep.ID, &dep.ServiceRecordID, &dep.ChildRecordID, &dep.Extras, &dep.ChildStatus)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// latestChildErrors maps each failed child to its most recent recorded
// error message.
func (r *Runner) latestChildErrors(ctx context.Context, tx pgx.Tx, childIDs []int64) (map[int64]string, error) {
	query := `
	select record_id, coalesce(error_type, ''), coalesce(error_message, '')
	from compute_history
	where record_id = any($1) and status = $2
	order by id`
	rows, err := tx.Query(ctx, query, childIDs, storage.StatusError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64]string{}
	for rows.Next() {
		var recordID int64
		var errorType, message string
		if err := rows.Scan(&recordID, &errorType, &message); err != nil {
			return nil, err
		}
		out[recordID] = fmt.Sprintf("%s: %s", errorType, message)
	}
	for _, childID := range childIDs {
		if _, ok := out[childID]; !ok {
			out[childID] = "dependency did not complete"
		}
	}
	return out, rows.Err()
}

func (r *Runner) candidates(ctx context.Context, query string, status storage.Status, limit int) ([]int64, error) {
	rows, err := r.DB.Pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Runner) publish(notification *notify.Notification) {
	if r.Notify == nil {
		return
	}
	if err := r.Notify.Publish(notification); err != nil {
		log.WithFields(log.Fields{
			"event":    "notify_failed",
			"recordID": notification.RecordID,
		}).Error(err)
	}
}
