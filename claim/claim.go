package claim

import (
	"context"

	"github.com/jackc/pgx/v4"

	log "github.com/gridline/scheduler/backend/chassis/logging"
	"github.com/gridline/scheduler/backend/chassis/metrics"
	"github.com/gridline/scheduler/backend/chassis/storage"
	"github.com/gridline/scheduler/backend/registry"
)

// Claim hands out up to limit waiting tasks matching the manager's
// capabilities and the requested tags. Concurrent claimers are
// isolated by skip-locked row selection: no task is ever returned
// twice across calls.
func (e *Engine) Claim(ctx context.Context, managerName string, capabilities map[string]string, tags []string, limit int) ([]*ClaimedTask, error) {
	// Zero is an explicit "claim nothing"; only a negative request
	// falls back to the server ceiling.
	if limit < 0 || limit > e.Limit {
		limit = e.Limit
	}
	programs := programList(capabilities)
	var claimed []*ClaimedTask
	err := e.DB.WithTx(ctx, func(tx pgx.Tx) error {
		claimed = claimed[:0]
		manager, err := e.lockManager(ctx, tx, managerName)
		if err != nil {
			return err
		}
		searchTags := SearchTags(tags, manager.Tags)
		taken := []int64{}
		for _, tag := range searchTags {
			budget := limit - len(taken)
			if budget <= 0 {
				break
			}
			batch, err := e.selectCandidates(ctx, tx, tag, programs, taken, budget)
			if err != nil {
				return err
			}
			claimed = append(claimed, batch...)
			for _, task := range batch {
				taken = append(taken, task.RecordID)
			}
		}
		if len(taken) == 0 {
			return nil
		}
		query := `
		update record
		set status = $2, manager_name = $3, modified_on = now()
		where id = any($1)`
		if _, err := tx.Exec(ctx, query, taken, storage.StatusRunning, managerName); err != nil {
			return err
		}
		if err := e.fillSpecs(ctx, tx, claimed); err != nil {
			return err
		}
		query = `update manager set claimed = claimed + $2, modified_on = now() where id = $1`
		_, err = tx.Exec(ctx, query, manager.ID, len(taken))
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.TasksClaimed.Add(float64(len(claimed)))
	log.WithFields(log.Fields{
		"event":   "claim_tasks",
		"manager": managerName,
		"claimed": len(claimed),
	}).Debug("tasks claimed")
	return claimed, nil
}

// selectCandidates picks waiting records for one tag, ordered by
// priority and then by effective creation time: a dependency of a
// service sorts by the earlier of its own and the owning service's
// created_on, so sub-work of an older composite job is never starved
// behind a newer service's first iteration.
func (e *Engine) selectCandidates(ctx context.Context, tx pgx.Tx, tag string, programs []string, exclude []int64, budget int) ([]*ClaimedTask, error) {
	query := `
	select record.id, record.record_type, task.tag, task.priority
	from record
	join task on task.record_id = record.id
	where record.status = $1
		and ($2 = '*' or task.tag = $2)
		and task.required_programs <@ $3::text[]
		and not (record.id = any($4))
	order by task.priority desc,
		least(record.created_on, coalesce((
			select min(parent.created_on)
			from service_dependency sd
			join record parent on parent.id = sd.service_record_id
			where sd.child_record_id = record.id
		), record.created_on)) asc
	limit $5
	for update of record skip locked`
	rows, err := tx.Query(ctx, query, storage.StatusWaiting, tag, programs, exclude, budget)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ClaimedTask
	for rows.Next() {
		var task ClaimedTask
		if err := rows.Scan(&task.RecordID, &task.RecordType, &task.Tag, &task.Priority); err != nil {
			return nil, err
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

// fillSpecs loads cached payloads and generates missing ones via the
// record-type handler: first claim computes once, later claimants get
// the cached payload.
func (e *Engine) fillSpecs(ctx context.Context, tx pgx.Tx, claimed []*ClaimedTask) error {
	for _, task := range claimed {
		stored, err := e.Store.TaskTx(ctx, tx, task.RecordID)
		if err != nil {
			return err
		}
		if stored != nil && stored.Spec != nil {
			task.Spec = stored.Spec
			continue
		}
		record, err := e.Store.LockTx(ctx, tx, task.RecordID)
		if err != nil {
			return err
		}
		handler, err := e.Handlers.Get(task.RecordType)
		if err != nil {
			return err
		}
		spec, err := handler.GenerateTaskSpec(ctx, tx, record)
		if err != nil {
			return err
		}
		query := `update task set spec = $2 where record_id = $1`
		if _, err := tx.Exec(ctx, query, task.RecordID, spec); err != nil {
			return err
		}
		task.Spec = spec
	}
	return nil
}

// SearchTags filters the requested tags to those the manager
// registered at activation, preserving request order. A requested "*"
// expands to every registered tag; a registered "*" accepts every
// requested tag.
func SearchTags(requested, registered []string) []string {
	requested = registry.NormalizeTags(requested)
	acceptAll := false
	registeredSet := map[string]bool{}
	for _, tag := range registered {
		registeredSet[tag] = true
		if tag == "*" {
			acceptAll = true
		}
	}
	seen := map[string]bool{}
	out := []string{}
	add := func(tag string) {
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	for _, tag := range requested {
		if tag == "*" {
			if acceptAll {
				// Serves everything: one wildcard pass covers it.
				add("*")
				continue
			}
			for _, served := range registered {
				add(served)
			}
			continue
		}
		if acceptAll || registeredSet[tag] {
			add(tag)
		}
	}
	return out
}

func programList(capabilities map[string]string) []string {
	normalized := registry.NormalizePrograms(capabilities)
	out := make([]string, 0, len(normalized))
	for name := range normalized {
		out = append(out, name)
	}
	return out
}
