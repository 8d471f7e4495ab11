package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"zkauth/go-backend/internal/composition/agentserver"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "Path to zkauthd.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for agent local data (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("zkauthd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := agentserver.BuildServer(*configPath, *listen, *dataDir)
	if err != nil {
		log.Fatalf("zkauthd failed to initialize: %v", err)
	}

	log.Println("zkauthd starting")
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("zkauthd failed: %v", err)
	}
	log.Println("zkauthd stopped")
}
