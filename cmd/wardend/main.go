package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/wardenproject/warden/internal/config"
	"github.com/wardenproject/warden/internal/kernel"
	"github.com/wardenproject/warden/internal/server"
)

func main() {
	cfg := config.LoadOrDefault()

	port := flag.String("port", cfg.Server.Port, "Control surface port")
	host := flag.String("host", cfg.Server.Host, "Control surface host")
	dbPath := flag.String("db", cfg.Store.Path, "Durable store path")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Server.Host = *host
	cfg.Store.Path = *dbPath

	k, err := kernel.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize kernel: %v", err)
	}

	srv := server.NewServer(k)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx, cfg.Server.Host+":"+cfg.Server.Port); err != nil {
		log.Printf("server error: %v", err)
	}

	if err := k.Shutdown(context.Background()); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
