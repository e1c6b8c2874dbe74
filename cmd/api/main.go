package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"corpushub.org/internal/config"
	"corpushub.org/internal/gate"
	"corpushub.org/internal/httpapi"
	"corpushub.org/internal/notify"
	"corpushub.org/internal/obs"
	"corpushub.org/internal/roles"
	"corpushub.org/internal/session"
	"corpushub.org/internal/store/pg"
	"corpushub.org/internal/team"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db *sql.DB
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	var storeOpts []pg.Option
	if cfg.ProtectedInstall {
		storeOpts = append(storeOpts, pg.WithProtectedInstall(cfg.ReservedSubjects))
	}
	store := pg.New(db, storeOpts...)

	var dispatcher notify.Dispatcher = notify.Discard{}
	if cfg.MailProviderURL != "" {
		dispatcher = notify.NewMailProvider(cfg.MailProviderURL, cfg.MailAPIKey, cfg.MailFrom)
	}

	authGate := gate.New(store, store, dispatcher,
		gate.WithLockoutThreshold(cfg.LockoutThreshold),
		gate.WithExemptSubjects(cfg.LockoutExempt),
	)
	engine := roles.NewEngine(authGate, store, store, dispatcher)
	builder := team.NewBuilder(store)

	sessions, err := session.NewManager(cfg.TokenSecret)
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}

	api := httpapi.New(httpapi.Config{
		Auth:               authGate,
		Roles:              engine,
		Team:               builder,
		Secrets:            authGate,
		Recovery:           authGate,
		Masks:              store,
		Sessions:           sessions,
		Ready:              httpapi.ReadyProbe{DB: db},
		Version:            version,
		TokenTTL:           cfg.TokenTTL,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting corpushub-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
