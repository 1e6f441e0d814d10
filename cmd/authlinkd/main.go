package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"authlink/core"
	"authlink/core/providers"
	"authlink/idp"
	"authlink/storage"
	"authlink/telemetry"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Core   core.Config             `yaml:"core"`
	IDP    idp.Config              `yaml:"idp"`
	Apple  *providers.AppleConfig  `yaml:"apple,omitempty"`
	Google *providers.GoogleConfig `yaml:"google,omitempty"`

	// Local address the SSO callback is received on
	LoopbackAddr string `yaml:"loopback_addr" env:"AUTHLINK_LOOPBACK_ADDR"`

	DB   DBConfig `yaml:"db"`
	Port string   `yaml:"port" env:"AUTHLINK_PORT"`

	PurgeInterval time.Duration `yaml:"purge_interval" env:"AUTHLINK_PURGE_INTERVAL"`
}

type DBConfig struct {
	Type       string `yaml:"type" env:"AUTHLINK_DB_TYPE"`
	SQLitePath string `yaml:"sqlite_path" env:"AUTHLINK_DB_SQLITE_PATH"`
}

func main() {
	configPath := getEnv("CONFIG_PATH", "config.yaml")
	appConfig := loadConfig(configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "authlinkd")
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	registry := telemetry.NewRegistry()
	core.RegisterMetrics(registry)

	repo := initRepository(appConfig.DB)
	prompt := &providers.LoopbackPrompt{Addr: appConfig.LoopbackAddr}
	apple, google := initSources(ctx, appConfig, prompt)

	verifier, err := idp.NewOIDCVerifier(ctx, verifierConfigs(appConfig)...)
	if err != nil {
		log.Fatalf("Failed to initialize credential verifier: %v", err)
	}

	// token revocation goes through the Apple source
	var revoker idp.Revoker
	if apple != nil {
		revoker = apple
	}

	gateway, err := idp.NewGateway(repo, verifier, revoker, &appConfig.IDP)
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}
	defer gateway.Close()

	var appleSource core.AppleSource
	if apple != nil {
		appleSource = apple
	}
	var googleSource core.GoogleSource
	if google != nil {
		googleSource = google
	}

	authService := core.NewAuthService(gateway, appleSource, googleSource, &appConfig.Core)
	server := core.NewServer(authService, func(ctx context.Context, user *core.Identity) error {
		log.Printf("Deleting account %s", user.UID)
		return nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/signin", server.HandleSignIn)
	mux.HandleFunc("/signout", server.HandleSignOut)
	mux.HandleFunc("/user", server.HandleUser)
	mux.HandleFunc("/delete", server.HandleDelete)
	mux.HandleFunc("/delete-reauth", server.HandleDeleteWithReauthentication)
	mux.HandleFunc("/events", server.HandleEvents)
	mux.HandleFunc("/health", server.HandleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	go purgeExpiredTokens(ctx, gateway, appConfig.PurgeInterval)

	httpServer := &http.Server{
		Addr:              ":" + appConfig.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("Starting authlinkd server on port %s", appConfig.Port)
	log.Printf("Configured sign-in methods: %v", configuredMethods(apple, google))

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}

	// no listener may start a liveness check once Wait is running
	gateway.Close()
	authService.Wait()
}

// loadConfig reads the YAML file, then applies AUTHLINK_* environment overrides.
func loadConfig(path string) *AppConfig {
	config := AppConfig{
		Port:          "8080",
		LoopbackAddr:  "127.0.0.1:8765",
		PurgeInterval: time.Hour,
		DB:            DBConfig{Type: "mock"},
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Printf("Config file %s not found, using defaults and environment", path)
	default:
		log.Fatalf("Failed to read config file %s: %v", path, err)
	}

	if err := env.Parse(&config); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}

	// the service-wide default client must be signable and verifiable too
	if config.Google != nil && config.Core.GoogleClientID != "" {
		config.Google.AllowedClientIDs = append(config.Google.AllowedClientIDs, config.Core.GoogleClientID)
	}

	return &config
}

func initRepository(dbConfig DBConfig) idp.Repository {
	switch strings.ToLower(dbConfig.Type) {
	case "sqlite":
		repo, err := storage.NewSQLiteRepository(dbConfig.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite repository: %v", err)
		}
		log.Printf("Using SQLite database: %s", dbConfig.SQLitePath)
		return repo

	case "mock":
		log.Println("Using mock repository (in-memory)")
		return storage.NewEmptyMockRepository()

	default:
		log.Fatalf("Unsupported DB type: %s (supported: sqlite, mock)", dbConfig.Type)
		return nil
	}
}

func initSources(ctx context.Context, cfg *AppConfig, prompt providers.AuthorizationPrompt) (*providers.AppleSource, *providers.GoogleSource) {
	var apple *providers.AppleSource
	var google *providers.GoogleSource

	if cfg.Apple != nil {
		source, err := providers.NewAppleSource(ctx, cfg.Apple, prompt)
		if err != nil {
			log.Fatalf("Failed to initialize Apple sign-in: %v", err)
		}
		apple = source
		log.Println("Apple sign-in initialized")
	}

	if cfg.Google != nil {
		source, err := providers.NewGoogleSource(ctx, cfg.Google, prompt)
		if err != nil {
			log.Fatalf("Failed to initialize Google sign-in: %v", err)
		}
		google = source
		log.Println("Google sign-in initialized")
	}

	return apple, google
}

func verifierConfigs(cfg *AppConfig) []idp.OIDCProviderConfig {
	var configs []idp.OIDCProviderConfig

	if cfg.Apple != nil {
		configs = append(configs, idp.OIDCProviderConfig{
			ProviderID: core.ProviderIDApple,
			Issuer:     orDefault(cfg.Apple.Issuer, idp.AppleIssuer),
			ClientIDs:  []string{cfg.Apple.ClientID},
		})
	}

	if cfg.Google != nil {
		configs = append(configs, idp.OIDCProviderConfig{
			ProviderID: core.ProviderIDGoogle,
			Issuer:     orDefault(cfg.Google.Issuer, idp.GoogleIssuer),
			ClientIDs:  cfg.Google.ClientIDs(),
		})
	}

	return configs
}

func purgeExpiredTokens(ctx context.Context, gateway *idp.Gateway, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := gateway.PurgeExpiredTokens(ctx)
			if err != nil {
				log.Printf("Failed to purge expired tokens: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("Purged %d expired refresh tokens", count)
			}
		}
	}
}

func configuredMethods(apple *providers.AppleSource, google *providers.GoogleSource) []string {
	methods := []string{string(core.MethodAnonymous)}
	if apple != nil {
		methods = append(methods, string(core.MethodApple))
	}
	if google != nil {
		methods = append(methods, string(core.MethodGoogle))
	}
	return methods
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
