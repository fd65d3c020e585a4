package handlers

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/gridline/scheduler/backend/chassis/protocol"
	"github.com/gridline/scheduler/backend/chassis/storage"
)

// ChildSpec - one sub-record a service submits through the ordinary
// record-submission path (full dedup and locking applies).
type ChildSpec struct {
	RecordType       string
	ContentHash      string
	Tag              string
	Priority         storage.Priority
	RequiredPrograms []string
	Extras           map[string]interface{}
}

// Deps is implemented by the record store. SubmitChildren submits the
// next batch of child records and replaces the service's dependency
// set with them.
type Deps interface {
	SubmitChildren(ctx context.Context, tx pgx.Tx, svc *storage.Service, children []ChildSpec) ([]int64, error)
}

// Handler - per-record-type hooks consumed by the claim, lifecycle and
// service engines. One implementation per record type, registered in a
// static map at startup.
type Handler interface {
	Type() string
	// RequiredPrograms lists the capabilities a manager needs to run
	// this record. Used at submission and when a task is recreated on
	// revert.
	RequiredPrograms(record *storage.Record) []string
	// GenerateTaskSpec materializes the opaque function+kwargs payload
	// on first claim.
	GenerateTaskSpec(ctx context.Context, tx pgx.Tx, record *storage.Record) (*storage.TaskSpec, error)
	UpdateCompleted(ctx context.Context, tx pgx.Tx, record *storage.Record, result *protocol.Result, managerName string) error
	UpdateFailed(ctx context.Context, tx pgx.Tx, record *storage.Record, result *protocol.Result, managerName string) error
	InitializeService(ctx context.Context, tx pgx.Tx, deps Deps, record *storage.Record, svc *storage.Service) error
	// IterateService inspects the completed dependencies and submits
	// the next batch. Returns true when the service has no further
	// work and should finalize.
	IterateService(ctx context.Context, tx pgx.Tx, deps Deps, record *storage.Record, svc *storage.Service, completed []storage.ServiceDependency) (bool, error)
	// ChildrenQuery returns SQL yielding (parent_id, child_id) pairs
	// touching any record id in $1, or "" when the type declares no
	// parent-child relation.
	ChildrenQuery() string
}

// ServiceChildrenQuery is the relation service-backed types declare.
const ServiceChildrenQuery = `
	select service_record_id, child_record_id
	from service_dependency
	where service_record_id = any($1) or child_record_id = any($1)
	`

// Registry ...
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register ...
func (r *Registry) Register(handler Handler) {
	r.handlers[handler.Type()] = handler
}

// Get ...
func (r *Registry) Get(recordType string) (Handler, error) {
	handler, ok := r.handlers[recordType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for record type %q", recordType)
	}
	return handler, nil
}

// ChildrenQueries returns the distinct non-empty relation queries of
// all registered types.
func (r *Registry) ChildrenQueries() []string {
	seen := map[string]bool{}
	queries := []string{}
	for _, handler := range r.handlers {
		query := handler.ChildrenQuery()
		if query == "" || seen[query] {
			continue
		}
		seen[query] = true
		queries = append(queries, query)
	}
	return queries
}

// Default returns a registry with the built-in record types.
func Default() *Registry {
	registry := NewRegistry()
	registry.Register(&Singlepoint{})
	registry.Register(&Sweep{})
	return registry
}
