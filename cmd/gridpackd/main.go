// Package main implements the gridpack lifecycle controller daemon: it
// loads configuration, wires the Document Store Gateway, Template
// Repository, Remote Executor, Notifier and Controller together, starts the
// Scheduler's periodic tick/repository-refresh jobs, and serves the HTTP
// façade until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cms-pdmv/gridpack-controller/api"
	"github.com/cms-pdmv/gridpack-controller/config"
	"github.com/cms-pdmv/gridpack-controller/controller"
	"github.com/cms-pdmv/gridpack-controller/notify"
	"github.com/cms-pdmv/gridpack-controller/remote"
	"github.com/cms-pdmv/gridpack-controller/scheduler"
	"github.com/cms-pdmv/gridpack-controller/store"
	"github.com/cms-pdmv/gridpack-controller/template"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration from the environment, wires every collaborator,
// and serves the HTTP façade until the process receives SIGINT/SIGTERM.
func run() error {
	fs := flag.NewFlagSet("gridpackd", flag.ExitOnError)
	localRoot := fs.String("local-root", "", "scratch directory for archive building (defaults to os.TempDir())")
	storeDir := fs.String("store-dir", "", "directory for the file-backed document store (defaults under GRIDPACK_DIRECTORY)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.New(os.Stdout, "gridpackd: ", log.LstdFlags)

	root := *localRoot
	if root == "" {
		root = os.TempDir()
	}

	// The document store is always the FileGateway, a JSON-document
	// directory; MONGO_DB_* configuration is kept for deployment-profile
	// parity but is not wired to a Gateway implementation.
	dir := *storeDir
	if dir == "" {
		dir = filepath.Join(cfg.GridpackDirectory, ".gridpack-controller-store")
	}
	st, err := store.NewFileGateway(dir)
	if err != nil {
		return fmt.Errorf("opening document store at %s: %w", dir, err)
	}

	repo := template.NewFileRepository(cfg.GridpackFilesPath)
	if err := repo.Refresh(); err != nil {
		return fmt.Errorf("initial template repository refresh: %w", err)
	}

	opener := remote.NewSSHOpener(cfg.SubmissionHost, 22, cfg.ServiceAccountUsername, cfg.ServiceAccountPassword)
	batch := remote.NewClient(remote.NewExecutor(opener), opener)
	storage := remote.NewClient(remote.NewExecutor(opener), opener)

	var auth smtp.Auth
	if cfg.EmailAuth {
		auth = smtp.PlainAuth("", cfg.ServiceAccountUsername, cfg.ServiceAccountPassword, "localhost")
	}
	sender := &notify.SMTPSender{Host: "localhost", Port: 25, Auth: auth}
	notifier := notify.New(sender, "noreply@"+cfg.SubmissionHost, nil, cfg.Production, logger)

	ctrl := controller.New(cfg, st, repo, batch, storage, notifier, root, logger)

	sched := scheduler.New(logger)
	sched.Register("tick", cfg.TickInterval, func(ctx context.Context) error {
		return ctrl.Tick(ctx)
	})
	sched.Register("repository", cfg.RepositoryUpdateInterval, func(ctx context.Context) error {
		if err := repo.Refresh(); err != nil {
			return err
		}
		time.Sleep(cfg.RepositoryTickPause)
		sched.Notify("tick")
		return nil
	})

	router := api.NewRouter(&api.Service{
		Controller: ctrl,
		Scheduler:  sched,
		Store:      st,
		Repo:       repo,
		Config:     cfg,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("serving on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Run(ctx) }()

	select {
	case err := <-serveErr:
		stop()
		<-schedErr
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-serveErr
		<-schedErr
	}

	logger.Println("gridpackd stopped")
	return nil
}
