package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"preview-gateway/gateway"
)

func main() {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	// Root context cancelled on SIGINT/SIGTERM; everything drains off it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := gateway.NewDockerDriver(&cfg.Container)
	if err != nil {
		log.Fatalf("Failed to initialize container driver: %v", err)
	}
	defer driver.Close()

	workspace, err := gateway.NewWorkspace(cfg.Sessions.WorkDirRoot)
	if err != nil {
		log.Fatalf("Failed to prepare work directory root: %v", err)
	}

	policy := gateway.NewPolicyClient(cfg.Auth.PolicyURL, cfg.Auth.PolicyServiceKey)

	auth, err := gateway.NewAuthenticator(ctx, &cfg.Auth, policy)
	if err != nil {
		log.Fatalf("Failed to initialize auth pipeline: %v", err)
	}

	hub := gateway.NewHub(cfg.Server.AllowedOrigins)

	manager := gateway.NewSessionManager(
		&cfg.Sessions, driver, workspace, hub,
		cfg.Server.PublicURL, cfg.Container.StopGrace,
	)

	server := gateway.NewServer(cfg, manager, auth, policy, hub)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
