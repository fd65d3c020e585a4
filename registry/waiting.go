package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gridline/scheduler/backend/chassis/storage"
)

// Waiting-reason texts reported per active manager.
const (
	ReasonEligible    = "manager is eligible but busy"
	ReasonTagMismatch = "manager does not serve this tag"
)

// WaitingReason explains, per active manager, why a waiting record's
// task cannot currently be served by it.
func (r *Registry) WaitingReason(ctx context.Context, recordID int64) (map[string]string, error) {
	var task storage.Task
	query := `
	select task.record_id, task.tag, task.required_programs
	from task
	join record on record.id = task.record_id
	where task.record_id = $1 and record.status = $2`
	err := r.DB.Pool.QueryRow(ctx, query, recordID, storage.StatusWaiting).Scan(
		&task.RecordID,
		&task.Tag,
		&task.RequiredPrograms,
	)
	if err != nil {
		return nil, fmt.Errorf("record %d has no waiting task: %w", recordID, err)
	}
	managers, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return WaitingReasons(&task, managers), nil
}

// WaitingReasons is the pure matching core: for each manager, the
// reason it cannot serve the task, or ReasonEligible when it could.
func WaitingReasons(task *storage.Task, managers []*storage.Manager) map[string]string {
	reasons := make(map[string]string, len(managers))
	for _, manager := range managers {
		if missing := missingPrograms(task.RequiredPrograms, manager.Programs); len(missing) > 0 {
			reasons[manager.Name] = "missing programs: " + strings.Join(missing, ", ")
			continue
		}
		if !tagServed(task.Tag, manager.Tags) {
			reasons[manager.Name] = ReasonTagMismatch
			continue
		}
		reasons[manager.Name] = ReasonEligible
	}
	return reasons
}

func missingPrograms(required []string, available map[string]string) []string {
	var missing []string
	for _, program := range required {
		if _, ok := available[strings.ToLower(program)]; !ok {
			missing = append(missing, strings.ToLower(program))
		}
	}
	sort.Strings(missing)
	return missing
}

func tagServed(tag string, managerTags []string) bool {
	tag = strings.ToLower(tag)
	for _, served := range managerTags {
		if served == "*" || served == tag {
			return true
		}
	}
	return false
}
