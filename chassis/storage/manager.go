package storage

import (
	"time"
)

// ManagerStatus - manager's possible states
type ManagerStatus string

const (
	ManagerActive   ManagerStatus = "active"
	ManagerInactive ManagerStatus = "inactive"
)

// ManagerSnapshot - live resource gauges reported with every heartbeat
// and with the final deactivation call.
type ManagerSnapshot struct {
	ActiveTasks   int
	ActiveCores   int
	ActiveMemory  float64
	TotalCPUHours float64
}

// Manager - a worker process registered with the scheduler. The name
// is the composite cluster-hostname-uuid identity and is unique.
type Manager struct {
	ID        int64
	Name      string
	Cluster   string
	Hostname  string
	Username  string
	Tags      []string
	Programs  map[string]string
	Status    ManagerStatus
	Claimed   int
	Successes int
	Failures  int
	Rejected  int
	ManagerSnapshot
	CreatedOn  time.Time
	ModifiedOn time.Time
}
