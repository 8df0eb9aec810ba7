package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/prattle/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.prattle/config.toml", "Path to TOML config file")
	debug := flag.Bool("debug", false, "Write debug logging to debug.log in the data directory")
	flag.Parse()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	dbPath, err := tomlConfig.GetDatabasePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid database path: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.Open(dbPath, tomlConfig.ToServerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		srv.Close()
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %s", sig)

	srv.Stop()
	if err := srv.Close(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
