package main

import (
	"agency-crm/auth"
	"agency-crm/console"
	"agency-crm/gateway"
	"agency-crm/internal"
	"agency-crm/runtime"
	"agency-crm/session"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Console terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run keeps every defer (badger close first of all) ahead of os.Exit.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Gateway & session
	issuer := auth.NewTokenIssuer(config.AuthSecret, config.AuthTokenDuration)
	gw := gateway.New(log, db, issuer, config.FeedBufferSize)
	store := session.NewStore(log, gw, gw)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Background storage maintenance, stopped before badger closes
	sup := runtime.NewSupervisor(log).Add(runtime.NewStorageGC(log, db, config.GCInterval))
	supervised := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supervised)
	}()
	defer func() {
		sup.Stop()
		<-supervised
	}()

	if err = store.Hydrate(ctx); err != nil {
		log.Warn("Starting signed out", "error", err)
	}

	// 5. Interactive loop
	c := console.New(log, os.Stdout, config.Colours, store, gw, gw)
	if err = c.Run(ctx, os.Stdin); err != nil {
		return exitRuntime, err
	}
	log.Info("Console stopped cleanly")
	return exitOK, nil
}
