package claim

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v4"

	log "github.com/gridline/scheduler/backend/chassis/logging"
	"github.com/gridline/scheduler/backend/chassis/metrics"
	"github.com/gridline/scheduler/backend/chassis/notify"
	"github.com/gridline/scheduler/backend/chassis/protocol"
	"github.com/gridline/scheduler/backend/chassis/storage"
)

// taskOutcome - what one result did to its record.
type taskOutcome struct {
	accepted    bool
	failed      bool
	reason      string
	finalStatus storage.Status
}

// UpdateFinished processes a batch of task results. Each task runs in
// its own savepoint so one malformed result cannot poison the rest of
// the batch; completion notifications go out only after the whole
// transaction commits.
func (e *Engine) UpdateFinished(ctx context.Context, managerName string, results map[int64]*protocol.Result) (*UpdateMeta, error) {
	meta := &UpdateMeta{}
	var notifications []*notify.Notification
	autoReset := 0
	err := e.DB.WithTx(ctx, func(tx pgx.Tx) error {
		meta.AcceptedIDs = meta.AcceptedIDs[:0]
		meta.Rejected = meta.Rejected[:0]
		notifications = notifications[:0]
		manager, err := e.lockManager(ctx, tx, managerName)
		if err != nil {
			return err
		}
		taskIDs := make([]int64, 0, len(results))
		for taskID := range results {
			taskIDs = append(taskIDs, taskID)
		}
		sort.Slice(taskIDs, func(i, j int) bool { return taskIDs[i] < taskIDs[j] })

		successes, failures, rejected := 0, 0, 0
		resetQueue := []int64{}
		for _, taskID := range taskIDs {
			outcome, err := e.processResult(ctx, tx, managerName, taskID, results[taskID], &resetQueue)
			if err != nil {
				return err
			}
			if !outcome.accepted {
				rejected++
				meta.Rejected = append(meta.Rejected, Rejection{TaskID: taskID, Reason: outcome.reason})
				continue
			}
			meta.AcceptedIDs = append(meta.AcceptedIDs, taskID)
			if outcome.failed {
				failures++
			} else {
				successes++
			}
			notifications = append(notifications, &notify.Notification{
				RecordID: taskID,
				Status:   outcome.finalStatus,
			})
		}
		query := `
		update manager
		set successes = successes + $2, failures = failures + $3,
			rejected = rejected + $4, modified_on = now()
		where id = $1`
		if _, err := tx.Exec(ctx, query, manager.ID, successes, failures, rejected); err != nil {
			return err
		}
		autoReset = 0
		if len(resetQueue) > 0 {
			autoReset, err = e.Lifecycle.ResetTx(ctx, tx, resetQueue)
			if err != nil {
				return err
			}
		}
		metrics.TasksCompleted.Add(float64(successes))
		metrics.TasksFailed.Add(float64(failures))
		metrics.TasksRejected.Add(float64(rejected))
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordsAutoReset.Add(float64(autoReset))
	// Outside the transaction: observers never see a state that is not
	// yet durable.
	for _, notification := range notifications {
		if err := e.Notify.Publish(notification); err != nil {
			log.WithFields(log.Fields{
				"event":    "notify_failed",
				"recordID": notification.RecordID,
			}).Error(err)
		}
	}
	return meta, nil
}

// processResult handles one task inside a nested transaction. The
// savepoint is committed for rejections too; only a processing error
// rolls it back, after which the synthetic internal failure is written
// in a fresh savepoint.
func (e *Engine) processResult(ctx context.Context, tx pgx.Tx, managerName string, taskID int64, result *protocol.Result, resetQueue *[]int64) (*taskOutcome, error) {
	nested, err := tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	record, err := e.lockTaskRecord(ctx, nested, taskID)
	if err != nil {
		if rbErr := nested.Rollback(ctx); rbErr != nil {
			return nil, rbErr
		}
		if missingTask(err) {
			return &taskOutcome{reason: ReasonTaskMissing}, nil
		}
		// Infrastructure failure, not a protocol rejection: the caller
		// must see the error and keep the result for a retry.
		return nil, err
	}
	if record.Status != storage.StatusRunning {
		if err := nested.Commit(ctx); err != nil {
			return nil, err
		}
		return &taskOutcome{reason: ReasonNotRunning}, nil
	}
	if record.ManagerName == nil || *record.ManagerName != managerName {
		if err := nested.Commit(ctx); err != nil {
			return nil, err
		}
		return &taskOutcome{reason: ReasonWrongManager}, nil
	}

	outcome, procErr := e.applyResult(ctx, nested, record, result, managerName, resetQueue)
	if procErr != nil {
		log.WithFields(log.Fields{
			"event":    "result_processing_failed",
			"recordID": record.ID,
			"manager":  managerName,
		}).Error(procErr)
		if err := nested.Rollback(ctx); err != nil {
			return nil, err
		}
		if err := e.writeInternalFailure(ctx, tx, record, managerName, procErr.Error()); err != nil {
			return nil, err
		}
		return &taskOutcome{reason: ReasonInternalError}, nil
	}
	if err := nested.Commit(ctx); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (e *Engine) applyResult(ctx context.Context, tx pgx.Tx, record *storage.Record, result *protocol.Result, managerName string, resetQueue *[]int64) (*taskOutcome, error) {
	if result != nil && result.Success {
		if err := e.complete(ctx, tx, record, result, managerName); err != nil {
			return nil, err
		}
		return &taskOutcome{accepted: true, finalStatus: storage.StatusComplete}, nil
	}
	if !result.WellFormed() {
		// Neither a success nor a recognized failure shape.
		log.WithFields(log.Fields{
			"event":    "malformed_result",
			"recordID": record.ID,
			"manager":  managerName,
		}).Error("result is neither success nor failure, synthesizing internal error")
		result = protocol.InternalError("result envelope is neither success nor failure")
	}
	if err := e.fail(ctx, tx, record, result, managerName, resetQueue); err != nil {
		return nil, err
	}
	return &taskOutcome{accepted: true, failed: true, finalStatus: storage.StatusError}, nil
}

func (e *Engine) complete(ctx context.Context, tx pgx.Tx, record *storage.Record, result *protocol.Result, managerName string) error {
	handler, err := e.Handlers.Get(record.RecordType)
	if err != nil {
		return err
	}
	if err := handler.UpdateCompleted(ctx, tx, record, result, managerName); err != nil {
		return err
	}
	err = e.Store.AppendHistoryTx(ctx, tx, &storage.ComputeHistory{
		RecordID:    record.ID,
		Status:      storage.StatusComplete,
		ManagerName: managerName,
		Provenance:  result.Provenance,
		Outputs:     result.Outputs,
	})
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `delete from task where record_id = $1`, record.ID); err != nil {
		return err
	}
	query := `update record set status = $2, modified_on = now() where id = $1`
	_, err = tx.Exec(ctx, query, record.ID, storage.StatusComplete)
	return err
}

func (e *Engine) fail(ctx context.Context, tx pgx.Tx, record *storage.Record, result *protocol.Result, managerName string, resetQueue *[]int64) error {
	handler, err := e.Handlers.Get(record.RecordType)
	if err != nil {
		return err
	}
	if err := handler.UpdateFailed(ctx, tx, record, result, managerName); err != nil {
		return err
	}
	err = e.Store.AppendHistoryTx(ctx, tx, &storage.ComputeHistory{
		RecordID:     record.ID,
		Status:       storage.StatusError,
		ManagerName:  managerName,
		Provenance:   result.Provenance,
		Outputs:      result.Outputs,
		ErrorType:    result.Error.Type,
		ErrorMessage: result.Error.Message,
	})
	if err != nil {
		return err
	}
	query := `update record set status = $2, modified_on = now() where id = $1`
	if _, err := tx.Exec(ctx, query, record.ID, storage.StatusError); err != nil {
		return err
	}
	history, err := e.Store.HistoryTx(ctx, tx, record.ID)
	if err != nil {
		return err
	}
	if e.Lifecycle.Policy.ShouldReset(history) {
		*resetQueue = append(*resetQueue, record.ID)
	}
	return nil
}

// writeInternalFailure records a synthetic internal error in its own
// savepoint after the task's original savepoint was rolled back.
func (e *Engine) writeInternalFailure(ctx context.Context, tx pgx.Tx, record *storage.Record, managerName, message string) error {
	nested, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	result := protocol.InternalError(message)
	err = e.Store.AppendHistoryTx(ctx, nested, &storage.ComputeHistory{
		RecordID:     record.ID,
		Status:       storage.StatusError,
		ManagerName:  managerName,
		ErrorType:    result.Error.Type,
		ErrorMessage: result.Error.Message,
	})
	if err != nil {
		nested.Rollback(ctx)
		return err
	}
	query := `update record set status = $2, modified_on = now() where id = $1`
	if _, err := nested.Exec(ctx, query, record.ID, storage.StatusError); err != nil {
		nested.Rollback(ctx)
		return err
	}
	return nested.Commit(ctx)
}

// missingTask reports whether a task lock failure means the row does
// not exist, as opposed to a database error.
func missingTask(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func (e *Engine) lockTaskRecord(ctx context.Context, tx pgx.Tx, taskID int64) (*storage.Record, error) {
	var record storage.Record
	query := `
	select record.id, record.record_type, record.is_service, record.status, record.manager_name
	from record
	join task on task.record_id = record.id
	where task.record_id = $1
	for update of record`
	err := tx.QueryRow(ctx, query, taskID).Scan(
		&record.ID,
		&record.RecordType,
		&record.IsService,
		&record.Status,
		&record.ManagerName,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
