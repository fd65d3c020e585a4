package records

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	"github.com/gridline/scheduler/backend/chassis/storage"
	"github.com/gridline/scheduler/backend/handlers"
)

// ErrRecordNotFound ...
var ErrRecordNotFound = errors.New("record does not exist")

// Store - canonical access to record, task, service, history and
// backup rows. All mutations go through a caller-owned transaction so
// the engines control commit boundaries.
type Store struct {
	DB       *storage.DB
	Handlers *handlers.Registry
}

// NewStore ...
func NewStore(db *storage.DB, registry *handlers.Registry) *Store {
	return &Store{
		DB:       db,
		Handlers: registry,
	}
}

const recordColumns = `id, ext_id, record_type, is_service, status, manager_name,
	owner_user, owner_group, content_hash, created_on, modified_on, extras, properties`

func scanRecord(row pgx.Row) (*storage.Record, error) {
	var record storage.Record
	err := row.Scan(
		&record.ID,
		&record.ExtID,
		&record.RecordType,
		&record.IsService,
		&record.Status,
		&record.ManagerName,
		&record.OwnerUser,
		&record.OwnerGroup,
		&record.ContentHash,
		&record.CreatedOn,
		&record.ModifiedOn,
		&record.Extras,
		&record.Properties,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Get ...
func (s *Store) Get(ctx context.Context, id int64) (*storage.Record, error) {
	query := `select ` + recordColumns + ` from record where id = $1`
	return scanRecord(s.DB.Pool.QueryRow(ctx, query, id))
}

// LockTx loads a record with a row lock held until transaction end.
func (s *Store) LockTx(ctx context.Context, tx pgx.Tx, id int64) (*storage.Record, error) {
	query := `select ` + recordColumns + ` from record where id = $1 for update`
	return scanRecord(tx.QueryRow(ctx, query, id))
}

// QueryStatus lists records in one status, newest last.
func (s *Store) QueryStatus(ctx context.Context, status storage.Status, limit int) ([]*storage.Record, error) {
	query := `select ` + recordColumns + ` from record where status = $1 order by id limit $2`
	rows, err := s.DB.Pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// TaskTx loads the record's task, or nil when none exists.
func (s *Store) TaskTx(ctx context.Context, tx pgx.Tx, recordID int64) (*storage.Task, error) {
	var task storage.Task
	query := `select record_id, tag, priority, required_programs, spec from task where record_id = $1`
	err := tx.QueryRow(ctx, query, recordID).Scan(
		&task.RecordID,
		&task.Tag,
		&task.Priority,
		&task.RequiredPrograms,
		&task.Spec,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ServiceTx loads the record's service row with a row lock.
func (s *Store) ServiceTx(ctx context.Context, tx pgx.Tx, recordID int64) (*storage.Service, error) {
	var svc storage.Service
	query := `select record_id, tag, priority, find_existing, service_state from service where record_id = $1 for update`
	err := tx.QueryRow(ctx, query, recordID).Scan(
		&svc.RecordID,
		&svc.Tag,
		&svc.Priority,
		&svc.FindExisting,
		&svc.ServiceState,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// SaveServiceStateTx persists the handler-owned iteration state.
func (s *Store) SaveServiceStateTx(ctx context.Context, tx pgx.Tx, svc *storage.Service) error {
	query := `update service set service_state = $2 where record_id = $1`
	_, err := tx.Exec(ctx, query, svc.RecordID, svc.ServiceState)
	return err
}

// DependenciesTx lists the service's current dependency set in order.
func (s *Store) DependenciesTx(ctx context.Context, tx pgx.Tx, serviceRecordID int64) ([]storage.ServiceDependency, error) {
	query := `
	select id, service_record_id, child_record_id, extras
	from service_dependency
	where service_record_id = $1
	order by id`
	rows, err := tx.Query(ctx, query, serviceRecordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.ServiceDependency
	for rows.Next() {
		var dep storage.ServiceDependency
		if err := rows.Scan(&dep.ID, &dep.ServiceRecordID, &dep.ChildRecordID, &dep.Extras); err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// AppendHistoryTx ...
func (s *Store) AppendHistoryTx(ctx context.Context, tx pgx.Tx, entry *storage.ComputeHistory) error {
	query := `
	insert into compute_history (record_id, status, manager_name, provenance, outputs, error_type, error_message)
	values ($1, $2, nullif($3, ''), $4, $5, nullif($6, ''), nullif($7, ''))`
	_, err := tx.Exec(ctx, query,
		entry.RecordID,
		entry.Status,
		entry.ManagerName,
		entry.Provenance,
		entry.Outputs,
		entry.ErrorType,
		entry.ErrorMessage,
	)
	return err
}

// History returns every attempt of one record, oldest first.
func (s *Store) History(ctx context.Context, recordID int64) ([]storage.ComputeHistory, error) {
	var out []storage.ComputeHistory
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = s.HistoryTx(ctx, tx, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryTx is the in-transaction variant of History.
func (s *Store) HistoryTx(ctx context.Context, tx pgx.Tx, recordID int64) ([]storage.ComputeHistory, error) {
	query := `
	select id, record_id, status, coalesce(manager_name, ''), modified_on,
		provenance, outputs, coalesce(error_type, ''), coalesce(error_message, '')
	from compute_history
	where record_id = $1
	order by id`
	rows, err := tx.Query(ctx, query, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.ComputeHistory
	for rows.Next() {
		var entry storage.ComputeHistory
		err := rows.Scan(
			&entry.ID,
			&entry.RecordID,
			&entry.Status,
			&entry.ManagerName,
			&entry.ModifiedOn,
			&entry.Provenance,
			&entry.Outputs,
			&entry.ErrorType,
			&entry.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// PushBackupTx snapshots the record's live scheduling info before an
// administrative status change.
func (s *Store) PushBackupTx(ctx context.Context, tx pgx.Tx, backup *storage.RecordInfoBackup) error {
	query := `
	insert into record_info_backup (record_id, old_status, old_tag, old_priority)
	values ($1, $2, $3, $4)`
	_, err := tx.Exec(ctx, query, backup.RecordID, backup.OldStatus, backup.OldTag, backup.OldPriority)
	return err
}

// PeekBackupTx returns the most recent backup entry without removing
// it, or nil when the record has none.
func (s *Store) PeekBackupTx(ctx context.Context, tx pgx.Tx, recordID int64) (*storage.RecordInfoBackup, error) {
	var backup storage.RecordInfoBackup
	query := `
	select id, record_id, old_status, old_tag, old_priority, modified_on
	from record_info_backup
	where record_id = $1
	order by id desc
	limit 1`
	err := tx.QueryRow(ctx, query, recordID).Scan(
		&backup.ID,
		&backup.RecordID,
		&backup.OldStatus,
		&backup.OldTag,
		&backup.OldPriority,
		&backup.ModifiedOn,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &backup, nil
}

// PopBackupTx removes and returns the most recent backup entry, or nil
// when the record has none.
func (s *Store) PopBackupTx(ctx context.Context, tx pgx.Tx, recordID int64) (*storage.RecordInfoBackup, error) {
	var backup storage.RecordInfoBackup
	query := `
	delete from record_info_backup
	where id = (
		select id from record_info_backup
		where record_id = $1
		order by id desc
		limit 1
	)
	returning id, record_id, old_status, old_tag, old_priority, modified_on`
	err := tx.QueryRow(ctx, query, recordID).Scan(
		&backup.ID,
		&backup.RecordID,
		&backup.OldStatus,
		&backup.OldTag,
		&backup.OldPriority,
		&backup.ModifiedOn,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &backup, nil
}
