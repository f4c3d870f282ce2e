package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"whendoist/config"
	"whendoist/internal/google"
	"whendoist/internal/httpserver"
	"whendoist/internal/repository"
	"whendoist/internal/service"
	"whendoist/pkg/db"
	"whendoist/pkg/logger"
	"whendoist/pkg/mq"
	"whendoist/pkg/outbox"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg := config.Load()

	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to connect to MQ", zap.Error(err))
	}
	defer publisher.Close()

	// The API writes instance events through the transactional outbox; the
	// dispatcher drains it in-process.
	outboxRepo := outbox.NewRepository(pool)
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)

	userRepo := repository.NewUserRepository(pool, log)
	taskRepo := repository.NewTaskRepository(pool, log)
	instanceRepo := repository.NewInstanceRepository(pool, outboxRepo, log)
	credentialRepo := repository.NewCredentialRepository(pool, log)

	tokenClient := google.NewTokenClient(cfg.Google)

	authService := service.NewAuthService(userRepo, cfg.JWT.Secret, log)
	taskService := service.NewTaskService(taskRepo, instanceRepo, publisher, log)
	calendarService := service.NewCalendarService(tokenClient, credentialRepo, publisher, log)

	router := httpserver.NewRouter(httpserver.Deps{
		Auth:      authService,
		Tasks:     taskService,
		Calendar:  calendarService,
		DB:        pool,
		Publisher: publisher,
		Logger:    log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go dispatcher.Start(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info("API server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
}
