package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"querydeck/api/internal/app"
	"querydeck/api/internal/auth"
	"querydeck/api/internal/config"
	"querydeck/api/internal/email"
	"querydeck/api/internal/logger"
	"querydeck/api/internal/session"
	"querydeck/api/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.Environment)
	defer func() { _ = log.Sync() }()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalw("migrations failed", "error", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Redis backs the session revocation denylist when configured;
	// otherwise revocations land in the revoked_sessions table.
	var sessions app.RevocationStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Infow("using redis for session revocation")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalw("redis connection failed", "error", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		log.Infow("using postgres for session revocation")
	}

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mail.IsConfigured() {
		log.Infow("smtp not configured, invitation emails disabled")
	}

	strategies := []auth.Strategy{}
	if strings.TrimSpace(cfg.BearerKeyFile) != "" {
		keys, err := auth.LoadKeySet(cfg.BearerKeyFile)
		if err != nil {
			log.Fatalw("bearer key set load failed", "error", err)
		}
		strategies = append(strategies, &auth.BearerStrategy{
			Keys:     keys,
			Issuer:   cfg.BearerIssuer,
			Audience: cfg.BearerAudience,
		})
	}
	strategies = append(strategies,
		&auth.CookieStrategy{
			Secret:   []byte(cfg.SessionSecret),
			Issuer:   cfg.SessionIssuer,
			Audience: cfg.SessionAudience,
		},
		&auth.DevStrategy{
			Enabled:    cfg.DevAuthEnabled,
			Production: cfg.IsProduction(),
			Fallback:   cfg.DevFallback,
		},
	)
	resolver := auth.NewResolver(strategies...)

	service := app.NewService(cfg, dataStore, sessions, mail, log)
	httpServer := app.NewHTTPServer(service, resolver, cfg, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infow("querydeck api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("shutdown error", "error", err)
	}
}
