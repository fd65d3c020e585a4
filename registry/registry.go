package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	log "github.com/gridline/scheduler/backend/chassis/logging"
	"github.com/gridline/scheduler/backend/chassis/metrics"
	"github.com/gridline/scheduler/backend/chassis/storage"
)

// Protocol errors: rejected synchronously, nothing is mutated.
var (
	ErrManagerExists   = errors.New("manager name is already registered")
	ErrManagerNotFound = errors.New("manager does not exist")
	ErrManagerInactive = errors.New("manager is not active")
	ErrNoTags          = errors.New("at least one non-empty tag is required")
	ErrNoPrograms      = errors.New("at least one non-empty program is required")
)

const uniqueViolation = "23505"

// ManagerInfo - activation payload. Cluster, hostname and the instance
// uuid together form the unique manager name.
type ManagerInfo struct {
	Cluster  string
	Hostname string
	UUID     string
	Username string
	Tags     []string
	Programs map[string]string
}

// Name ...
func (info *ManagerInfo) Name() string {
	return fmt.Sprintf("%s-%s-%s", info.Cluster, info.Hostname, info.UUID)
}

// Registry - tracks worker identity, capability and liveness.
type Registry struct {
	DB *storage.DB
}

// New ...
func New(db *storage.DB) *Registry {
	return &Registry{DB: db}
}

// NormalizeTags lowercases and trims tags, drops empties and dedupes
// while preserving input order.
func NormalizeTags(tags []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// NormalizePrograms lowercases program names and drops empty ones.
func NormalizePrograms(programs map[string]string) map[string]string {
	out := make(map[string]string, len(programs))
	for name, version := range programs {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		out[name] = version
	}
	return out
}

// Activate creates an active manager row. Fails if the name is already
// registered.
func (r *Registry) Activate(ctx context.Context, info *ManagerInfo) (int64, error) {
	tags := NormalizeTags(info.Tags)
	if len(tags) == 0 {
		return 0, ErrNoTags
	}
	programs := NormalizePrograms(info.Programs)
	if len(programs) == 0 {
		return 0, ErrNoPrograms
	}
	var id int64
	query := `
	insert into manager (name, cluster, hostname, username, tags, programs, status)
	values ($1, $2, $3, nullif($4, ''), $5, $6, $7)
	returning id`
	err := r.DB.Pool.QueryRow(ctx, query,
		info.Name(), info.Cluster, info.Hostname, info.Username, tags, programs, storage.ManagerActive,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, ErrManagerExists
		}
		return 0, err
	}
	metrics.ManagersActive.Inc()
	log.WithFields(log.Fields{
		"event":   "manager_activate",
		"manager": info.Name(),
	}).Info("manager activated")
	return id, nil
}

// Heartbeat updates the manager's resource gauges and appends one
// entry to its heartbeat log. Fails if the manager is missing or
// inactive.
func (r *Registry) Heartbeat(ctx context.Context, name string, snapshot storage.ManagerSnapshot) error {
	return r.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var id int64
		query := `
		update manager
		set active_tasks = $2, active_cores = $3, active_memory = $4,
			total_cpu_hours = $5, modified_on = now()
		where name = $1 and status = $6
		returning id`
		err := tx.QueryRow(ctx, query,
			name,
			snapshot.ActiveTasks,
			snapshot.ActiveCores,
			snapshot.ActiveMemory,
			snapshot.TotalCPUHours,
			storage.ManagerActive,
		).Scan(&id)
		if err == pgx.ErrNoRows {
			return r.missingOrInactive(ctx, tx, name)
		}
		if err != nil {
			return err
		}
		return r.appendLog(ctx, tx, id)
	})
}

// Deactivate records the final snapshot, marks the manager inactive
// and resets every record it still holds running back to waiting so
// other managers may reclaim them. Returns the number of reset
// records.
func (r *Registry) Deactivate(ctx context.Context, name string, snapshot storage.ManagerSnapshot) (int, error) {
	reset := 0
	err := r.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var id int64
		query := `
		update manager
		set status = $2, active_tasks = $3, active_cores = $4, active_memory = $5,
			total_cpu_hours = $6, modified_on = now()
		where name = $1 and status = $7
		returning id`
		err := tx.QueryRow(ctx, query,
			name,
			storage.ManagerInactive,
			snapshot.ActiveTasks,
			snapshot.ActiveCores,
			snapshot.ActiveMemory,
			snapshot.TotalCPUHours,
			storage.ManagerActive,
		).Scan(&id)
		if err == pgx.ErrNoRows {
			return r.missingOrInactive(ctx, tx, name)
		}
		if err != nil {
			return err
		}
		if err := r.appendLog(ctx, tx, id); err != nil {
			return err
		}
		reset, err = r.resetRunning(ctx, tx, name)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.ManagersActive.Dec()
	log.WithFields(log.Fields{
		"event":   "manager_deactivate",
		"manager": name,
		"reset":   reset,
	}).Info("manager deactivated")
	return reset, nil
}

// DeactivateStale deactivates every active manager without a heartbeat
// within the threshold, reclaiming its in-flight records. Returns the
// deactivated names.
func (r *Registry) DeactivateStale(ctx context.Context, threshold time.Duration) ([]string, error) {
	var names []string
	err := r.DB.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
		select id, name from manager
		where status = $1 and modified_on < now() - ($2::int * interval '1 second')
		for update skip locked`
		rows, err := tx.Query(ctx, query, storage.ManagerActive, int(threshold.Seconds()))
		if err != nil {
			return err
		}
		ids := []int64{}
		names = names[:0]
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			names = append(names, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for i, id := range ids {
			query := `update manager set status = $2, modified_on = now() where id = $1`
			if _, err := tx.Exec(ctx, query, id, storage.ManagerInactive); err != nil {
				return err
			}
			if err := r.appendLog(ctx, tx, id); err != nil {
				return err
			}
			if _, err := r.resetRunning(ctx, tx, names[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		metrics.ManagersActive.Dec()
		log.WithFields(log.Fields{
			"event":   "manager_deactivate_stale",
			"manager": name,
		}).Info("stale manager deactivated")
	}
	return names, nil
}

// resetRunning requeues the manager's in-flight records. Their tasks
// still exist, so they become claimable immediately.
func (r *Registry) resetRunning(ctx context.Context, tx pgx.Tx, name string) (int, error) {
	query := `
	update record
	set status = $2, manager_name = null, modified_on = now()
	where manager_name = $1 and status = $3`
	tag, err := tx.Exec(ctx, query, name, storage.StatusWaiting, storage.StatusRunning)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *Registry) missingOrInactive(ctx context.Context, tx pgx.Tx, name string) error {
	var exists bool
	query := `select exists (select 1 from manager where name = $1)`
	if err := tx.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrManagerInactive
	}
	return ErrManagerNotFound
}

// appendLog copies the manager's current counters and gauges into the
// append-only heartbeat log.
func (r *Registry) appendLog(ctx context.Context, tx pgx.Tx, managerID int64) error {
	query := `
	insert into manager_log (manager_id, claimed, successes, failures, rejected,
		active_tasks, active_cores, active_memory, total_cpu_hours)
	select id, claimed, successes, failures, rejected,
		active_tasks, active_cores, active_memory, total_cpu_hours
	from manager where id = $1`
	_, err := tx.Exec(ctx, query, managerID)
	return err
}

// ListActive ...
func (r *Registry) ListActive(ctx context.Context) ([]*storage.Manager, error) {
	query := `
	select id, name, cluster, hostname, coalesce(username, ''), tags, programs, status,
		claimed, successes, failures, rejected,
		active_tasks, active_cores, active_memory, total_cpu_hours,
		created_on, modified_on
	from manager
	where status = $1
	order by name`
	rows, err := r.DB.Pool.Query(ctx, query, storage.ManagerActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Manager
	for rows.Next() {
		var m storage.Manager
		err := rows.Scan(
			&m.ID, &m.Name, &m.Cluster, &m.Hostname, &m.Username, &m.Tags, &m.Programs, &m.Status,
			&m.Claimed, &m.Successes, &m.Failures, &m.Rejected,
			&m.ActiveTasks, &m.ActiveCores, &m.ActiveMemory, &m.TotalCPUHours,
			&m.CreatedOn, &m.ModifiedOn,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
