package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/darthnorse/dockmon/internal/agentchan"
	"github.com/darthnorse/dockmon/internal/alerts"
	"github.com/darthnorse/dockmon/internal/auth"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/deploy"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/health"
	"github.com/darthnorse/dockmon/internal/hosts"
	"github.com/darthnorse/dockmon/internal/hub"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/pipeline"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updates"
	"github.com/darthnorse/dockmon/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("DockMon " + version)
	fmt.Println("=============================================")
	fmt.Printf("DOCKMON_LISTEN=%s\n", cfg.Listen)
	fmt.Printf("DOCKMON_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("DOCKMON_POLL_INTERVAL=%s\n", cfg.PollInterval)
	fmt.Printf("DOCKMON_UPDATE_CHECK_CRON=%s\n", cfg.UpdateCheckCron)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}
	bus := events.New()

	authSvc := auth.New(db, cfg, log, clk)
	if err := bootstrapAdmin(db, authSvc, log); err != nil {
		log.Error("failed to bootstrap admin user", "error", err)
		os.Exit(1)
	}

	mgr := hosts.NewManager(db, bus, cfg, log, clk, hosts.DirectDialer())
	index := pipeline.New(mgr, db, bus, cfg, log, clk)
	sampler := hosts.NewStatsSampler(mgr, bus, cfg, log, clk)

	dispatcher := notify.NewDispatcher(db, log)
	engine := alerts.NewEngine(db, bus, dispatcher, log, clk)
	tokens := alerts.NewTokenService(db, log, clk)

	// Agent channel first, then the health checker that probes through
	// it, then close the loop so agent-side results reach the checker.
	agents := agentchan.NewServer(mgr, sampler, nil, log)
	healthChecker := health.NewChecker(db, mgr, index, bus, log, clk, agents)
	agents.SetHealthSink(healthChecker)

	tracker := updates.NewTracker()
	healthChecker.SetUpdateGuard(tracker)
	updateChecker := updates.NewChecker(db, mgr, index, bus, cfg, log, clk)
	updater := updates.NewExecutor(db, mgr, bus, tracker, registryCredentials(), cfg, log, clk)
	deployer := deploy.NewExecutor(db, mgr, bus, cfg, log, clk)

	wsHub := hub.New(bus, log)

	srv := web.NewServer(web.Dependencies{
		Store:      db,
		Hosts:      mgr,
		Containers: index,
		Bus:        bus,
		Auth:       authSvc,
		Alerts:     engine,
		Tokens:     tokens,
		Health:     healthChecker,
		Deployer:   deployer,
		Updater:    updater,
		Checker:    updateChecker,
		Validator:  updates.NewValidator(db),
		Agents:     agents,
		Hub:        wsHub,
		Config:     cfg,
		Log:        log,
		Clock:      clk,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return index.Run(ctx) })
	g.Go(func() error { return sampler.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return engine.RunRetries(ctx) })
	g.Go(func() error { return healthChecker.Run(ctx) })
	g.Go(func() error { return updateChecker.Run(ctx) })
	g.Go(func() error { return wsHub.Run(ctx) })
	g.Go(func() error { return authSvc.Run(ctx) })
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})

	log.Info("dockmon started", "version", version)

	if err := g.Wait(); err != nil {
		log.Error("dockmon exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("dockmon shutdown complete")
}

// bootstrapAdmin creates the initial admin account on a fresh database.
// The generated password is printed exactly once; change it after the
// first login.
func bootstrapAdmin(db *store.Store, authSvc *auth.Service, log *logging.Logger) error {
	_, err := db.GetUserByUsername("admin")
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	password := hex.EncodeToString(buf)
	if _, err := authSvc.CreateUser("admin", password, true); err != nil {
		return err
	}

	fmt.Println("=============================================")
	fmt.Println("  Initial admin account created")
	fmt.Println("  username: admin")
	fmt.Println("  password: " + password)
	fmt.Println("=============================================")
	log.Info("initial admin user created")
	return nil
}

// registryCredentials builds the credential resolver from the optional
// DOCKMON_REGISTRY_USER / DOCKMON_REGISTRY_PASS pair. Nil means every
// pull is anonymous.
func registryCredentials() updates.CredentialFunc {
	user := os.Getenv("DOCKMON_REGISTRY_USER")
	pass := os.Getenv("DOCKMON_REGISTRY_PASS")
	if user == "" || pass == "" {
		return nil
	}
	return func(string) (*updates.Credentials, error) {
		return &updates.Credentials{Username: user, Password: pass}, nil
	}
}
