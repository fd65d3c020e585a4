package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridline/scheduler/backend/chassis/config"
	log "github.com/gridline/scheduler/backend/chassis/logging"
	"github.com/gridline/scheduler/backend/chassis/storage"
	"github.com/gridline/scheduler/backend/handlers"
	"github.com/gridline/scheduler/backend/lifecycle"
	"github.com/gridline/scheduler/backend/records"
	"github.com/gridline/scheduler/backend/registry"
)

// env - everything a subcommand needs, built once per invocation.
type env struct {
	cfg       *config.AppConfig
	db        *storage.DB
	store     *records.Store
	lifecycle *lifecycle.Engine
	registry  *registry.Registry
}

func initEnv() (*env, error) {
	appCfg, err := config.Read()
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	log.Init("schedctl", appCfg.Scheduler.LogLevel)
	db, err := storage.InitDB(storage.Config{
		DSN:       appCfg.Storage.DSN,
		ChunkSize: appCfg.Claim.ChunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	handlerRegistry := handlers.Default()
	store := records.NewStore(db, handlerRegistry)
	return &env{
		cfg:       appCfg,
		db:        db,
		store:     store,
		lifecycle: lifecycle.NewEngine(db, store, handlerRegistry, lifecycle.PolicyFromConfig(appCfg)),
		registry:  registry.New(db),
	}, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad record id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printUpdateMeta(cmd *cobra.Command, meta *lifecycle.UpdateMeta) {
	fmt.Fprintf(cmd.OutOrStdout(), "updated: %v\n", meta.UpdatedIDs)
	if len(meta.SkippedIDs) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "skipped: %v\n", meta.SkippedIDs)
	}
	for _, item := range meta.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "error %d: %s\n", item.ID, item.Reason)
	}
}

// statusCommand reports record status; waiting records also get the
// per-manager waiting reasons.
func statusCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>...",
		Short: "Show record status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			ctx := context.Background()
			for _, id := range ids {
				record, err := e.store.Get(ctx, id)
				if err == records.ErrRecordNotFound {
					fmt.Fprintf(cmd.OutOrStdout(), "%d: not found\n", id)
					continue
				}
				if err != nil {
					return err
				}
				manager := ""
				if record.ManagerName != nil {
					manager = " manager=" + *record.ManagerName
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d: %s type=%s%s\n", id, record.Status, record.RecordType, manager)
				if record.Status == storage.StatusWaiting && !record.IsService {
					reasons, err := e.registry.WaitingReason(ctx, id)
					if err != nil {
						return err
					}
					for name, reason := range reasons {
						fmt.Fprintf(cmd.OutOrStdout(), "    %s: %s\n", name, reason)
					}
				}
			}
			return nil
		},
	}
}

func historyCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show a record's compute history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			history, err := e.store.History(context.Background(), ids[0])
			if err != nil {
				return err
			}
			for _, entry := range history {
				line := fmt.Sprintf("%s %s", entry.ModifiedOn.Format(time.RFC3339), entry.Status)
				if entry.ManagerName != "" {
					line += " manager=" + entry.ManagerName
				}
				if entry.ErrorType != "" {
					line += fmt.Sprintf(" error=%s: %s", entry.ErrorType, entry.ErrorMessage)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func transitionCommand(e *env, use, short string, propagatable bool,
	run func(ctx context.Context, ids []int64, propagate bool) (*lifecycle.UpdateMeta, error)) *cobra.Command {
	var propagate bool
	cmd := &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			meta, err := run(context.Background(), ids, propagate)
			if err != nil {
				return err
			}
			printUpdateMeta(cmd, meta)
			return nil
		},
	}
	if propagatable {
		cmd.Flags().BoolVar(&propagate, "propagate", false, "also apply to descendant records")
	}
	return cmd
}

func hardDeleteCommand(e *env) *cobra.Command {
	var descendants bool
	cmd := &cobra.Command{
		Use:   "hard-delete <id>...",
		Short: "Remove records and their history permanently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			meta, err := e.lifecycle.HardDelete(context.Background(), ids, descendants)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted: %v\n", meta.DeletedIDs)
			if len(meta.SkippedIDs) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "skipped: %v\n", meta.SkippedIDs)
			}
			for _, item := range meta.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "error %d: %s\n", item.ID, item.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&descendants, "descendants", false, "also delete descendant records")
	return cmd
}

func managersCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "managers",
		Short: "Inspect registered managers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active managers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			managers, err := e.registry.ListActive(context.Background())
			if err != nil {
				return err
			}
			for _, m := range managers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s tags=%v tasks=%d modified=%s\n",
					m.Name, m.Tags, m.ActiveTasks, m.ModifiedOn.Format(time.RFC3339))
			}
			return nil
		},
	})
	var timeout int
	stale := &cobra.Command{
		Use:   "deactivate-stale",
		Short: "Deactivate managers whose heartbeat has gone quiet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold := time.Duration(timeout) * time.Second
			names, err := e.registry.DeactivateStale(context.Background(), threshold)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deactivated: %v\n", names)
			return nil
		},
	}
	stale.Flags().IntVar(&timeout, "timeout", config.DefaultManagerTimeout, "seconds since last heartbeat")
	cmd.AddCommand(stale)
	return cmd
}

func main() {
	e, err := initEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer e.db.Close()

	root := &cobra.Command{
		Use:           "schedctl",
		Short:         "Operator tooling for the scheduler database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		statusCommand(e),
		historyCommand(e),
		transitionCommand(e, "cancel", "Cancel records", true,
			e.lifecycle.Cancel),
		transitionCommand(e, "delete", "Soft-delete records", true,
			e.lifecycle.Delete),
		transitionCommand(e, "invalidate", "Invalidate completed records", false,
			func(ctx context.Context, ids []int64, _ bool) (*lifecycle.UpdateMeta, error) {
				return e.lifecycle.Invalidate(ctx, ids)
			}),
		transitionCommand(e, "revert", "Undo the last administrative transition", false,
			func(ctx context.Context, ids []int64, _ bool) (*lifecycle.UpdateMeta, error) {
				return e.lifecycle.Revert(ctx, ids)
			}),
		transitionCommand(e, "reset", "Requeue errored records", false,
			func(ctx context.Context, ids []int64, _ bool) (*lifecycle.UpdateMeta, error) {
				return e.lifecycle.Reset(ctx, ids)
			}),
		transitionCommand(e, "reset-running", "Requeue running records", false,
			func(ctx context.Context, ids []int64, _ bool) (*lifecycle.UpdateMeta, error) {
				return e.lifecycle.ResetRunning(ctx, ids)
			}),
		hardDeleteCommand(e),
		managersCommand(e),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
