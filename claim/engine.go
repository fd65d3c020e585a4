package claim

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	"github.com/gridline/scheduler/backend/chassis/notify"
	"github.com/gridline/scheduler/backend/chassis/storage"
	"github.com/gridline/scheduler/backend/handlers"
	"github.com/gridline/scheduler/backend/lifecycle"
	"github.com/gridline/scheduler/backend/records"
)

// Protocol errors: whole-call preconditions, rejected before any row
// is touched.
var (
	ErrManagerNotFound = errors.New("manager does not exist")
	ErrManagerInactive = errors.New("manager is not active")
)

// Per-task rejection reasons.
const (
	ReasonTaskMissing   = "task does not exist"
	ReasonNotRunning    = "record is not in the running state"
	ReasonWrongManager  = "task is claimed by another manager"
	ReasonInternalError = "internal server error"
)

// ClaimedTask - descriptor handed to the claiming manager, payload
// included.
type ClaimedTask struct {
	RecordID   int64
	RecordType string
	Tag        string
	Priority   storage.Priority
	Spec       *storage.TaskSpec
}

// Rejection ...
type Rejection struct {
	TaskID int64
	Reason string
}

// UpdateMeta - per-task outcome of one update_finished batch. Both
// successes and failures count as accepted; only protocol-level
// rejections are excluded.
type UpdateMeta struct {
	AcceptedIDs []int64
	Rejected    []Rejection
}

// Engine - matches waiting work to managers and processes results.
type Engine struct {
	DB        *storage.DB
	Store     *records.Store
	Handlers  *handlers.Registry
	Lifecycle *lifecycle.Engine
	Notify    notify.Publisher
	Limit     int // server-configured claim ceiling
}

// NewEngine ...
func NewEngine(db *storage.DB, store *records.Store, registry *handlers.Registry, lc *lifecycle.Engine, publisher notify.Publisher, limit int) *Engine {
	return &Engine{
		DB:        db,
		Store:     store,
		Handlers:  registry,
		Lifecycle: lc,
		Notify:    publisher,
		Limit:     limit,
	}
}

// lockedManager - the row claim and update_finished hold for the whole
// call.
type lockedManager struct {
	ID     int64
	Name   string
	Tags   []string
	Status storage.ManagerStatus
}

func (e *Engine) lockManager(ctx context.Context, tx pgx.Tx, name string) (*lockedManager, error) {
	var manager lockedManager
	query := `select id, name, tags, status from manager where name = $1 for update`
	err := tx.QueryRow(ctx, query, name).Scan(&manager.ID, &manager.Name, &manager.Tags, &manager.Status)
	if err == pgx.ErrNoRows {
		return nil, ErrManagerNotFound
	}
	if err != nil {
		return nil, err
	}
	if manager.Status != storage.ManagerActive {
		return nil, ErrManagerInactive
	}
	return &manager, nil
}
