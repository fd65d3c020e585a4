package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/gridline/scheduler/backend/chassis/logging"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridline/scheduler/backend/chassis/config"
	"github.com/gridline/scheduler/backend/chassis/notify"
	"github.com/gridline/scheduler/backend/chassis/storage"
	"github.com/gridline/scheduler/backend/handlers"
	"github.com/gridline/scheduler/backend/records"
	"github.com/gridline/scheduler/backend/registry"
	"github.com/gridline/scheduler/backend/services"
	"github.com/gridline/scheduler/backend/supervisor"
)

func initPublisher(appCfg *config.AppConfig) notify.Publisher {
	if appCfg.Notify.Backend != "sqs" {
		return notify.InitLogPublisher()
	}
	notifyCfg := notify.Config{
		Name:    appCfg.Notify.Queue.Name,
		URL:     appCfg.Notify.Queue.URL,
		Retries: appCfg.Notify.Queue.Retries,

		//AWS specific
		Region:             appCfg.AWS.Region,
		CredentialsFile:    appCfg.AWS.CredentialsFile,
		CredentialsProfile: appCfg.AWS.CredentialsProfile,
	}
	return notify.InitAWSPublisher(notifyCfg)
}

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("scheduler", appCfg.Scheduler.LogLevel)
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	dbCfg := storage.Config{
		DSN:       appCfg.Storage.DSN,
		ChunkSize: appCfg.Claim.ChunkSize,
	}
	db, err := storage.InitDB(dbCfg)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_storage_failed",
		}).Fatal(err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		log.WithFields(log.Fields{
			"event": "migrate_failed",
		}).Fatal(err)
	}

	publisher := initPublisher(appCfg)
	handlerRegistry := handlers.Default()
	store := records.NewStore(db, handlerRegistry)
	managers := registry.New(db)
	serviceRunner := services.NewRunner(db, store, handlerRegistry, publisher)

	cfg := &supervisor.Config{
		Registry:        managers,
		Services:        serviceRunner,
		Workers:         appCfg.Supervisor.Workers,
		ManagerTimeout:  appCfg.Supervisor.ManagerTimeout,
		SweepInterval:   appCfg.Supervisor.SweepInterval,
		ServiceInterval: appCfg.Supervisor.ServiceInterval,
		ServiceBatch:    appCfg.Supervisor.ServiceBatch,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	var group sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	supervisor.Run(ctx, cfg, &group)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    ":2112",
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen: %s\n", err)
		}
	}()
	<-done
	log.WithFields(log.Fields{
		"event": "ctx_cancel",
	}).Info("received syscall")
	cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server Shutdown Failed:%+v", err)
	}
	group.Wait()
}
