package storage

import (
	"time"
)

// Status - record's possible states
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusDeleted   Status = "deleted"
	StatusInvalid   Status = "invalid"
)

// Live reports whether a record in this state still participates in
// scheduling.
func (s Status) Live() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusError:
		return true
	}
	return false
}

// transitions lists every legal status edge. Administrative edges from
// running go through a forced running->waiting hop inside the engine,
// but are reachable as far as callers are concerned.
var transitions = map[Status][]Status{
	StatusWaiting:   {StatusRunning, StatusCancelled, StatusDeleted},
	StatusRunning:   {StatusComplete, StatusError, StatusWaiting, StatusCancelled, StatusDeleted},
	StatusError:     {StatusWaiting, StatusCancelled, StatusDeleted},
	StatusComplete:  {StatusInvalid, StatusDeleted},
	StatusCancelled: {StatusWaiting, StatusError, StatusDeleted},
	StatusDeleted:   {StatusWaiting, StatusError, StatusComplete, StatusCancelled, StatusInvalid},
	StatusInvalid:   {StatusComplete, StatusDeleted},
}

// CanTransition ...
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority - claim ordering, high before normal before low.
type Priority int16

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// TaskSpec - opaque function+kwargs payload executed by a manager.
// Generated lazily on first claim and cached for later claimants.
type TaskSpec struct {
	Function string                 `json:"function"`
	Kwargs   map[string]interface{} `json:"kwargs"`
}

// Record - the unit of trackable work.
type Record struct {
	ID          int64
	ExtID       string
	RecordType  string
	IsService   bool
	Status      Status
	ManagerName *string
	OwnerUser   *string
	OwnerGroup  *string
	ContentHash string
	CreatedOn   time.Time
	ModifiedOn  time.Time
	Extras      map[string]interface{}
	Properties  map[string]interface{}
}

// Task - the claimable unit of a non-service record. 1:1 with its
// record, deleted when the record reaches a terminal state.
type Task struct {
	RecordID         int64
	Tag              string
	Priority         Priority
	RequiredPrograms []string
	Spec             *TaskSpec
}

// Service - the claimable unit of a composite record. Never deleted
// alongside its record: it encodes non-recoverable iteration progress.
type Service struct {
	RecordID     int64
	Tag          string
	Priority     Priority
	FindExisting bool
	ServiceState map[string]interface{}
}

// ServiceDependency - one child record a running service waits on.
type ServiceDependency struct {
	ID              int64
	ServiceRecordID int64
	ChildRecordID   int64
	Extras          map[string]interface{}
}

// ComputeHistory - append-only log of one execution attempt.
type ComputeHistory struct {
	ID           int64
	RecordID     int64
	Status       Status
	ManagerName  string
	ModifiedOn   time.Time
	Provenance   map[string]interface{}
	Outputs      map[string]interface{}
	ErrorType    string
	ErrorMessage string
}

// RecordInfoBackup - snapshot taken when a record leaves a live state
// for an administrative terminal state. A stack per record, most
// recent first; revert pops exactly one entry.
type RecordInfoBackup struct {
	ID          int64
	RecordID    int64
	OldStatus   Status
	OldTag      *string
	OldPriority *Priority
	ModifiedOn  time.Time
}
