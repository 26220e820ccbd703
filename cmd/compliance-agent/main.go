// OsirisCare Compliance Agent.
//
// Pull-only HIPAA compliance daemon for clinic appliances: polls the
// coordinator for signed runbook orders, detects configuration drift
// against the declared baseline, heals it through declarative
// runbooks, and emits signed, hash-chained evidence bundles. The agent
// opens no listening sockets.
//
// Usage:
//
//	compliance-agent --config /etc/compliance-agent/config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/osiriscare/compliance-agent/internal/agent"
)

var (
	flagConfig  = flag.String("config", "/etc/compliance-agent/config.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("compliance-agent %s", agent.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := agent.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start agent: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}
