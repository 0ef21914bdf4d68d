package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/shan-hee/easyssh/internal/ai"
	"github.com/shan-hee/easyssh/internal/auth"
	"github.com/shan-hee/easyssh/internal/config"
	"github.com/shan-hee/easyssh/internal/database"
	"github.com/shan-hee/easyssh/internal/gateway"
	"github.com/shan-hee/easyssh/internal/handlers"
	"github.com/shan-hee/easyssh/internal/metrics"
	"github.com/shan-hee/easyssh/internal/middleware"
	"github.com/shan-hee/easyssh/internal/monitor"
	"github.com/shan-hee/easyssh/internal/registry"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-user":
			runCLICommand("create-user")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if err := auth.Init(); err != nil {
		log.Fatalf("Auth init: %v", err)
	}

	obs, promReg := metrics.New()

	wsHub := gateway.NewHub(config.Cfg.WSIdleTimeout)
	reg := registry.New()
	monHub := monitor.NewHub(obs)

	vault := ai.NewVault(config.Cfg.AIEncryptionKey)
	limiter := ai.NewLimiter(ai.LimiterConfig{
		BurstLimit: config.Cfg.AIBurstLimit,
		PerMinute:  config.Cfg.AIPerMinute,
		PerHour:    config.Cfg.AIPerHour,
		PerDay:     config.Cfg.AIPerDay,
	})
	client := ai.NewClient(config.Cfg.AIUpstreamTimeout)
	pipeline := ai.NewPipeline(vault, limiter, client, obs)

	handlers.WSHub = wsHub
	handlers.Reg = reg
	handlers.MonitorHub = monHub
	handlers.AIVault = vault
	handlers.AIPipeline = pipeline
	handlers.Obs = obs

	// Maintenance jobs: watchdog sweep, frame-cache aging, usage retention.
	jobs := cron.New(cron.WithLocation(time.UTC))
	jobs.AddFunc("@every 5m", func() {
		if n := wsHub.Sweep(); n > 0 {
			log.Printf("[watchdog] closed %d idle connection(s)", n)
		}
	})
	jobs.AddFunc("@every 1h", func() {
		if n := monHub.Cache().PruneStale(config.Cfg.MonitorCacheTTL); n > 0 {
			log.Printf("[monitor] pruned %d stale frame(s)", n)
		}
	})
	jobs.AddFunc("0 0 * * *", pruneExpiredUsage)
	jobs.Start()
	defer jobs.Stop()

	r := chi.NewRouter()
	if !config.Cfg.Production() {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Unauthenticated surface
	r.Get("/health", handlers.HealthCheck)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(promReg))
	r.Post("/api/auth/login", handlers.Login)

	// Everything else requires a bearer token, websocket upgrades included.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)

		r.Get("/ssh", handlers.SSHProxy)
		r.Get("/monitor", handlers.MonitorProxy)
		r.Get("/monitor-client", handlers.MonitorClientProxy)
		r.Get("/ai", handlers.AIProxy)

		r.Route("/api/ai", func(r chi.Router) {
			r.Post("/test-connection", handlers.TestAIConnection)
			r.Get("/config", handlers.GetAIConfig)
			r.Put("/config", handlers.SaveAIConfig)
			r.Delete("/config", handlers.DeleteAIConfig)
			r.Get("/usage", handlers.GetAIUsage)
		})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Cfg.ServerPort),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on :%d", config.Cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// pruneExpiredUsage drops AI usage rows older than the 30 day retention
// window. Runs daily at midnight UTC.
func pruneExpiredUsage() {
	cutoff := time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	if n, err := database.PruneUsage(cutoff); err != nil {
		log.Printf("[ai] usage prune failed: %v", err)
	} else if n > 0 {
		log.Printf("[ai] pruned %d usage row(s) older than %s", n, cutoff)
	}
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	role := fs.String("role", "user", "Role (user or admin)")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: easyssh --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-user":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         *role,
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create user: %v", err)
		}
		fmt.Printf("User '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Existing tokens stay valid until they expire.\n", *username)
	}
}
