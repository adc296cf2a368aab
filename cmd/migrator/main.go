package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/skymigrate/pds-migrator/internal/admission"
	"github.com/skymigrate/pds-migrator/internal/api"
	"github.com/skymigrate/pds-migrator/internal/auth"
	"github.com/skymigrate/pds-migrator/internal/backup"
	"github.com/skymigrate/pds-migrator/internal/config"
	"github.com/skymigrate/pds-migrator/internal/notify"
	"github.com/skymigrate/pds-migrator/internal/orchestrator"
	"github.com/skymigrate/pds-migrator/internal/secrets"
	"github.com/skymigrate/pds-migrator/internal/storage"
)

// retention bounds how long finished migration records are kept.
const retention = 30 * 24 * time.Hour

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open migration store")
	}
	defer func() {
		_ = store.Close() // Close errors are not critical
	}()

	cipher, err := secrets.NewCipher(cfg.SecretsKey)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize secrets cipher")
	}

	var archive orchestrator.ArchiveStore
	if cfg.BackupEndpoint != "" {
		backupStore, err := backup.NewStore(cfg.BackupEndpoint, cfg.BackupBucket, cfg.BackupAccessKey, cfg.BackupSecretKey)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to initialize backup store")
		}
		archive = backupStore
	}

	var notifier orchestrator.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyWebhookURL)
	} else {
		logrus.Warn("No notification webhook configured, recovery keys stay undelivered")
	}

	admitter := admission.NewController(cfg.AdmissionCeiling)
	manager := orchestrator.NewManager(store, cipher, admitter, archive, notifier, cfg)

	authValidator, err := auth.NewValidator(cfg.APITokensFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize auth validator")
	}

	// Pick up whatever a previous process left in flight.
	if err := manager.Resume(context.Background()); err != nil {
		logrus.WithError(err).Fatal("Failed to resume active migrations")
	}

	janitorDone := make(chan struct{})
	go runJanitor(store, janitorDone)

	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, api.NewHandler(manager, store), authValidator.Middleware())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logrus.WithField("addr", srv.Addr).Info("Starting pds-migrator server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down")

	close(janitorDone)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	// Stage work checkpoints continuously; stopping mid-stage is safe.
	manager.Stop()
	logrus.Info("Server exited")
}

// runJanitor drops terminal migration records past the retention
// window.
func runJanitor(store *storage.Store, done <-chan struct{}) {
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := store.DeleteOldMigrations(context.Background(), retention); err != nil {
				logrus.WithError(err).Warn("Failed to prune old migrations")
			}
		}
	}
}
