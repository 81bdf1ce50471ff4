package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var devMode bool

// logError logs an error with context and dumps the database in dev mode
func logError(context string, err error) {
	log.Printf("ERROR [%s]: %v", context, err)
	if devMode {
		LogDBState("error: " + context)
	}
}

func main() {
	fv := registerFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := loadConfig(*fv.configPath, *fv.envPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	fv.applyTo(flag.CommandLine, &cfg)
	devMode = cfg.Dev

	// Set up logging to both stdout and file
	logFile, err := os.OpenFile("mafia.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		log.Fatal("Failed to open log file: ", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))

	db, err := openDB(cfg.DB)
	if err != nil {
		log.Fatal("Failed to open database: ", err)
	}
	defer db.Close()

	if err := InitAppLogger(cfg.LogConfig, db); err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer CloseAppLogger()
	LogDBState("after initDB")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storyteller, err := newStoryteller(ctx, cfg.StorytellerConfig)
	if err != nil {
		log.Printf("Storyteller: %v (continuing without narration)", err)
	}

	hub := newHub()
	engine := NewEngine(db, cfg.gameConfig(), WithObserver(hub), WithStoryteller(storyteller))
	defer engine.Wait()

	var handler http.Handler = newServer(engine, hub).routes()
	if cfg.LogRequests {
		handler = &LoggingHandler{Handler: handler, Logger: appLogger}
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.run(ctx) })
	if cfg.AutoAdvance {
		g.Go(func() error { return engine.runTicker(ctx, cfg.tickInterval()) })
	}
	g.Go(func() error {
		log.Printf("Server starting on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server stopped: %v", err)
	}
}
