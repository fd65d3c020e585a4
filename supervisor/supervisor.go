package supervisor

import (
	"context"
	"sync"
	"time"

	log "github.com/gridline/scheduler/backend/chassis/logging"

	"github.com/gridline/scheduler/backend/registry"
	"github.com/gridline/scheduler/backend/services"
)

// Config ...
type Config struct {
	Registry        *registry.Registry
	Services        *services.Runner
	Workers         int
	ManagerTimeout  int // seconds without a heartbeat before deactivation
	SweepInterval   int
	ServiceInterval int
	ServiceBatch    int
}

func staleSweeper(ctx context.Context, cfg *Config, group *sync.WaitGroup) {
	group.Add(1)
	interval := time.Duration(cfg.SweepInterval) * time.Second
	threshold := time.Duration(cfg.ManagerTimeout) * time.Second
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event":  "ctx_canceled",
				"worker": "stale_sweeper",
			}).Info("exit goroutine")
			group.Done()
			return
		case <-time.After(interval):
			names, err := cfg.Registry.DeactivateStale(ctx, threshold)
			if err != nil {
				log.WithFields(log.Fields{
					"event":  "stale_manager_sweep_failed",
					"worker": "stale_sweeper",
				}).Error(err)
				continue
			}
			if len(names) > 0 {
				log.WithFields(log.Fields{
					"event":  "stale_manager_sweep",
					"worker": "stale_sweeper",
				}).Info("deactivated stale managers: ", names)
			}
		}
	}
}

func serviceWorker(ctx context.Context, cfg *Config, workerID int, group *sync.WaitGroup) {
	group.Add(1)
	interval := time.Duration(cfg.ServiceInterval) * time.Second
	runner := cfg.Services
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event":  "ctx_canceled",
				"worker": workerID,
			}).Info("exit goroutine")
			group.Done()
			return
		case <-time.After(interval):
			started, err := runner.InitializeWaiting(ctx, cfg.ServiceBatch)
			if err != nil {
				log.WithFields(log.Fields{
					"event":  "service_initialize_pass_failed",
					"worker": workerID,
				}).Error(err)
			}
			iterated, err := runner.IterateReady(ctx, cfg.ServiceBatch)
			if err != nil {
				log.WithFields(log.Fields{
					"event":  "service_iterate_pass_failed",
					"worker": workerID,
				}).Error(err)
			}
			if started > 0 || iterated > 0 {
				log.WithFields(log.Fields{
					"event":  "service_pass",
					"worker": workerID,
				}).Info("initialized ", started, " iterated ", iterated)
			}
		}
	}
}

// Run ...
func Run(ctx context.Context, cfg *Config, group *sync.WaitGroup) {
	log.WithFields(log.Fields{
		"event": "start_service",
	}).Info("starting ", cfg.Workers, " service workers")
	go staleSweeper(ctx, cfg, group)
	for wrk := 1; wrk <= cfg.Workers; wrk++ {
		go serviceWorker(ctx, cfg, wrk, group)
	}
}
