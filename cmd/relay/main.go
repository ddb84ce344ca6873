package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/agentchat/relay/internal/config"
	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/server"
)

func main() {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	bus := events.NewBus()
	if cfg.Redis.Addr != "" {
		mirror, err := events.NewRedisMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			log.Fatalf("redis mirror: %v", err)
		}
		defer mirror.Close()
		bus.SetMirror(mirror)
		log.Printf("escrow events mirrored to redis at %s", cfg.Redis.Addr)
	}

	srv, err := server.New(cfg, bus)
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}
}
