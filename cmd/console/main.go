package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"

	"vmops-console/internal/ansible"
	"vmops-console/internal/console/api"
	consoledb "vmops-console/internal/console/db"
	"vmops-console/internal/console/executors"
	consolekafka "vmops-console/internal/console/kafka"
	"vmops-console/internal/console/notify"
	"vmops-console/internal/console/services"
	"vmops-console/internal/vcenter"
	gorm_db "vmops-console/pkg/db"
)

const defaultPollIntervalSeconds = 10

func main() {
	stdlog.Println("VM Operations Console starting...")

	if err := godotenv.Load(); err != nil {
		stdlog.Println("No .env file found, relying on environment")
	}

	appCtx, appCancel := context.WithCancel(context.Background())

	gormDB, err := gorm_db.NewGormDB()
	if err != nil {
		stdlog.Fatalf("Failed to initialize database: %v", err)
	}

	stdlog.Println("Running database migrations...")
	if err := gorm_db.AutoMigrate(gormDB, consoledb.AllModels()...); err != nil {
		stdlog.Fatalf("Failed to migrate database: %v", err)
	}

	dispatchProducer := consolekafka.NewDispatchProducer()

	notifier := notify.NewTeamsNotifier(gormDB)

	resultService := services.NewResultService(gormDB, notifier)
	resultService.StartConsuming(appCtx)

	// The console only runs synchronous work itself; dispatched playbooks
	// get their own runner in the worker with the longer bound.
	runner := ansible.NewSyncRunner()
	registry := executors.DefaultRegistry(gormDB, dispatchProducer, runner)
	snapshots := services.NewSnapshotCoordinator(gormDB, vcenter.NewClient())
	pollService := services.NewPollService(gormDB, registry, snapshots, notifier)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		stdlog.Fatalf("Failed to create gocron scheduler: %v", err)
	}
	pollInterval := defaultPollIntervalSeconds
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			pollInterval = parsed
		} else {
			stdlog.Printf("Invalid POLL_INTERVAL_SECONDS %q, using default %d", v, defaultPollIntervalSeconds)
		}
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Duration(pollInterval)*time.Second),
		gocron.NewTask(func() { pollService.RunPollCycle(appCtx) }),
		gocron.WithName("scheduled-task-poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		stdlog.Fatalf("Failed to schedule poll job: %v", err)
	}
	scheduler.Start()
	stdlog.Printf("Poll loop started with %ds interval", pollInterval)

	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = ":8080"
	}

	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	h := server.Default(server.WithHostPorts(serverAddr), server.WithExitWaitTime(5*time.Second))
	api.RegisterRoutes(h,
		api.NewTaskHandler(gormDB),
		api.NewHistoryHandler(gormDB),
		api.NewSnapshotHandler(gormDB, snapshots),
		api.NewAdminHandler(pollService, snapshots),
	)

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

		appCancel()

		shutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpShutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Hertz server shutdown error: %v", err)
		}

		if err := scheduler.Shutdown(); err != nil {
			hlog.Errorf("Gocron scheduler shutdown error: %v", err)
		}

		resultService.Close()

		if err := dispatchProducer.Close(); err != nil {
			hlog.Errorf("Kafka producer close error: %v", err)
		}
		hlog.Info("Console gracefully shut down.")
	}()

	hlog.Infof("VM Operations Console serving on %s", serverAddr)
	h.Spin()

	stdlog.Println("VM Operations Console has been shut down.")
}
