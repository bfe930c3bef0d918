package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vpnhub/keyfleet/internal/api"
	"github.com/vpnhub/keyfleet/internal/backend"
	"github.com/vpnhub/keyfleet/internal/buildinfo"
	"github.com/vpnhub/keyfleet/internal/config"
	"github.com/vpnhub/keyfleet/internal/directory"
	"github.com/vpnhub/keyfleet/internal/notify"
	"github.com/vpnhub/keyfleet/internal/reconcile"
	"github.com/vpnhub/keyfleet/internal/regen"
	"github.com/vpnhub/keyfleet/internal/runlog"
	"github.com/vpnhub/keyfleet/internal/subscription"
)

func main() {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	log.Printf("keyfleet %s (%s)", buildinfo.Version, buildinfo.GitCommit)

	if envCfg.AdminToken == "" {
		log.Print("WARNING: KEYFLEET_ADMIN_TOKEN is empty, API authentication is disabled")
	} else if config.IsWeakToken(envCfg.AdminToken) {
		log.Print("WARNING: KEYFLEET_ADMIN_TOKEN is weak, consider a longer random token")
	}

	// 2. Server directory
	registry, err := directory.NewRegistry(envCfg.ServerRegistryPath, envCfg.DirectoryRefreshInterval, envCfg.DirectoryRefreshJitter)
	if err != nil {
		log.Fatalf("server registry: %v", err)
	}
	registry.Start()
	defer registry.Stop()

	// 3. Subscription ledger
	ctx := context.Background()
	store, err := subscription.NewPostgresStore(ctx, envCfg.SubscriptionDSN)
	if err != nil {
		log.Fatalf("subscription store: %v", err)
	}
	defer store.Close()

	// 4. Notification channel
	var notifier notify.Channel = notify.Noop{}
	if envCfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(envCfg.TelegramToken, envCfg.TelegramAdminIDs, envCfg.TelegramAPIBase)
		if err != nil {
			log.Fatalf("telegram: %v", err)
		}
		notifier = tg
	}
	var progressChat int64
	if len(envCfg.TelegramAdminIDs) > 0 {
		progressChat = envCfg.TelegramAdminIDs[0]
	}

	// 5. Run history
	runs := runlog.NewRepo(
		filepath.Join(envCfg.StateDir, "runs"),
		int64(envCfg.RunLogDBMaxMB)*1024*1024,
		envCfg.RunLogDBRetainCount,
	)
	if err := runs.Open(); err != nil {
		log.Fatalf("run log: %v", err)
	}
	defer func() {
		if err := runs.Close(); err != nil {
			log.Printf("run log close: %v", err)
		}
	}()

	// 6. Backend facades over the current directory snapshot. The fleet
	// cache keeps one Facade per server so sweeps, batches and health
	// probes contend on the same per-server lock.
	fleet := backend.NewFleet(backend.Options{
		SSHUser:           envCfg.SSHUser,
		SSHConnectTimeout: envCfg.SSHConnectTimeout,
		SSHCommandTimeout: envCfg.SSHCommandTimeout,
		PanelHTTPTimeout:  envCfg.PanelHTTPTimeout,
	})
	facades := func() []*backend.Facade {
		return fleet.Facades(registry.Servers())
	}

	// 7. Engines
	sweeper := reconcile.NewEngine(reconcile.Config{
		Facades:  facades,
		Store:    store,
		Notifier: notifier,
		Runs:     runs,
	})
	batches := regen.NewEngine(regen.Config{
		Facades:       facades,
		Store:         store,
		Notifier:      notifier,
		Runs:          runs,
		UserPacing:    envCfg.RegenUserPacing,
		ProgressEvery: envCfg.RegenProgressEvery,
	})

	// 8. Scheduled sweeps
	scheduler := cron.New()
	_, err = scheduler.AddFunc(envCfg.SweepSchedule, func() {
		if _, err := sweeper.Sweep(context.Background()); err != nil {
			log.Printf("[main] scheduled sweep: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("sweep schedule: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// 9. API server
	srv := api.NewServer(api.Config{
		ListenAddress: envCfg.ListenAddress,
		Port:          envCfg.APIPort,
		AdminToken:    envCfg.AdminToken,
		MaxBodyBytes:  int64(envCfg.APIMaxBodyBytes),
		Servers:       registry.Servers,
		Facades:       facades,
		Sweeper:       sweeper,
		Regen:         batches,
		Sessions:      regen.NewSessions(),
		Runs:          runs,
		HealthTimeout: envCfg.HealthProbeTimeout,
		ProgressChat:  progressChat,
	})

	go func() {
		log.Printf("keyfleet API listening on %s:%d", envCfg.ListenAddress, envCfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
