package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Neuxbane/Docker/internal/discovery"
	"github.com/Neuxbane/Docker/internal/dockerx"
	"github.com/Neuxbane/Docker/internal/httpx"
	"github.com/Neuxbane/Docker/internal/lifecycle"
	"github.com/Neuxbane/Docker/internal/logstats"
	"github.com/Neuxbane/Docker/internal/mapper"
	"github.com/Neuxbane/Docker/internal/projects"
	"github.com/Neuxbane/Docker/internal/proxycfg"
	"github.com/Neuxbane/Docker/internal/ptymux"
	"github.com/Neuxbane/Docker/internal/reconcile"
	"github.com/Neuxbane/Docker/internal/session"
	"github.com/Neuxbane/Docker/internal/watcher"
	"github.com/Neuxbane/Docker/internal/ws"
	"github.com/Neuxbane/Docker/pkg/config"
	"github.com/Neuxbane/Docker/pkg/logger"
)

func main() {
	once := flag.Bool("once", false, "run a single reconcile pass and exit")
	flag.Parse()

	cfg := config.LoadServerConfig()
	log := logger.New("dockhand", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	finder := discovery.New(cfg.Workspace, cfg.ComposeFile)
	store := mapper.NewStore(cfg.MapperFile, log)
	if err := store.Load(); err != nil {
		log.Warn("previous mapper not loaded", "error", err)
	}

	docker, err := dockerx.New(log)
	if err != nil {
		log.Warn("container engine unavailable", "error", err)
		docker = nil
	}
	var remover lifecycle.ContainerRemover
	var signaler proxycfg.ContainerSignaler
	if docker != nil {
		defer docker.Close()
		remover = docker
		signaler = docker
	}

	runner := lifecycle.NewRunner(log, cfg.Workspace,
		cfg.ComposeCommand[0], "docker", cfg.NginxBinary, cfg.ServiceManager)
	transient := lifecycle.NewTransientSet()

	// the driver requests reconciles; the reconciler probes the driver
	var recon *reconcile.Reconciler
	requestReconcile := func() {
		if recon != nil {
			recon.Request()
		}
	}
	driver := lifecycle.NewDriver(runner, store, transient, remover, log,
		cfg.ComposeCommand, cfg.ComposeFile, requestReconcile)

	counter := ptymux.NewCounter()
	recon = reconcile.New(finder, store, driver, counter, log, reconcile.Options{
		Interval:       cfg.ReconcileInterval,
		DefaultNetwork: cfg.DefaultNetwork,
		SubnetBase:     cfg.DefaultSubnetBase,
	})

	if *once {
		if err := recon.RunOnce(ctx); err != nil {
			log.Error("reconcile failed", "error", err)
			os.Exit(1)
		}
		return
	}

	projectsSvc := projects.New(finder, driver, log, cfg.DefaultNetwork, cfg.DefaultSubnetBase, recon.Request)
	prober := proxycfg.NewNginxProber(runner, log, cfg.NginxBinary, cfg.ServiceManager, cfg.NginxContainer, signaler)
	editor := proxycfg.NewEditor(cfg.NginxConfigPath, prober, log)
	statsSvc := logstats.New(store, cfg.NginxAccessLogs, log)
	sessions := session.NewStore(cfg.SessionTTL, cfg.LoginAttemptLimit, cfg.LoginAttemptWindow)
	terminals := ptymux.New(log, counter, driver, store, cfg.NginxAccessLogs)

	events := ws.NewHub()
	defer events.Close()
	recon.OnMapperChange(func() {
		events.Broadcast([]byte(`{"type":"mapper_updated"}`))
	})

	limiter := httpx.NewMemoryRateLimiter()
	if cfg.RateLimitRedisAddr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(cfg, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	if cfg.AdminPassword == "" {
		log.Warn("ADMIN_PASSWORD not set, logins will be rejected")
	}

	router := httpx.NewRouter(log, httpx.Deps{
		Sessions:       sessions,
		Store:          store,
		Driver:         driver,
		Projects:       projectsSvc,
		Reconciler:     recon,
		Editor:         editor,
		Stats:          statsSvc,
		Docker:         docker,
		Terminals:      terminals,
		Events:         events,
		Limiter:        limiter,
		AdminPassword:  cfg.AdminPassword,
		AllowedOrigins: cfg.AllowedOrigins,
		StaticDir:      cfg.StaticDir,
		SubnetBase:     cfg.DefaultSubnetBase,
		DefaultNetwork: cfg.DefaultNetwork,
	})
	defer router.Close()

	go recon.Run(ctx)
	go watcher.New(cfg.Workspace, cfg.ComposeFile, log, recon.Request).Run(ctx)

	errorCh := make(chan error, 2)

	httpAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.HTTPPort)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http server starting", "addr", httpAddr)
		errorCh <- srv.ListenAndServe()
	}()

	var tlsSrv *http.Server
	if cfg.HTTPSPort > 0 && cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		tlsAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.HTTPSPort)
		tlsSrv = &http.Server{
			Addr:              tlsAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("https server starting", "addr", tlsAddr)
			errorCh <- tlsSrv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if tlsSrv != nil {
			_ = tlsSrv.Shutdown(shutdownCtx)
		}
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
