package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"

	"github.com/keygate/keygate/internal/api"
	"github.com/keygate/keygate/internal/ceremony"
	"github.com/keygate/keygate/internal/session"
	"github.com/keygate/keygate/internal/storage"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	challengeTTL := time.Duration(cfg.ChallengeTTL) * time.Second
	sessionTTL := time.Duration(cfg.SessionTTL) * time.Second

	// Setup WebAuthn. The timeout is advertised to clients; expiry is
	// enforced against the stored challenge record, not by the library.
	wconfig := &webauthn.Config{
		RPDisplayName: cfg.RPName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Timeout: challengeTTL},
			Registration: webauthn.TimeoutConfig{Timeout: challengeTTL},
		},
	}

	webAuthn, err := webauthn.New(wconfig)
	if err != nil {
		slog.Error("Failed to create WebAuthn instance", "error", err)
		os.Exit(1)
	}

	// Setup user and credential storage
	var userStorage storage.UserStorage
	var credStorage storage.CredentialStorage
	switch cfg.StorageMode {
	case "s3":
		s3Storage, err := storage.NewS3Storage(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
		if err != nil {
			slog.Error("Failed to create S3 storage", "error", err)
			os.Exit(1)
		}
		userStorage = s3Storage
		credStorage = s3Storage
		slog.Info("Using S3 storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	case "filesystem":
		fsStorage, err := storage.NewFilesystemStorage(cfg.DataPath)
		if err != nil {
			slog.Error("Failed to create filesystem storage", "error", err)
			os.Exit(1)
		}
		userStorage = fsStorage
		credStorage = fsStorage
		slog.Info("Using filesystem storage", "path", cfg.DataPath)
	case "memory":
		memStorage := storage.NewMemoryStorage()
		userStorage = memStorage
		credStorage = memStorage
		slog.Warn("Using in-memory user storage (not persistent)")
	default:
		slog.Error("Invalid STORAGE_MODE", "mode", cfg.StorageMode, "valid_modes", []string{"memory", "filesystem", "s3"})
		os.Exit(1)
	}

	// Setup challenge and session storage
	var challengeStorage storage.ChallengeStorage
	var sessionStorage storage.SessionStorage
	switch cfg.ChallengeMode {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}

		redisStorage := storage.NewRedisStorage(redisClient)
		challengeStorage = redisStorage
		sessionStorage = redisStorage
		slog.Info("Using Redis challenge storage", "addr", cfg.Redis.Addr)
	case "memory":
		memStorage := storage.NewMemoryStorage()
		challengeStorage = memStorage
		sessionStorage = memStorage
		slog.Warn("Using in-memory challenge storage (not persistent)")
	default:
		slog.Error("Invalid CHALLENGE_MODE", "mode", cfg.ChallengeMode, "valid_modes", []string{"memory", "redis"})
		os.Exit(1)
	}

	// Setup services
	coordinator := ceremony.NewCoordinator(webAuthn, userStorage, credStorage, challengeStorage, challengeTTL)
	verifier := ceremony.NewVerifier(webAuthn, userStorage, credStorage, challengeStorage)

	var tokenIssuer *session.TokenIssuer
	if cfg.TokenSecret != "" {
		tokenIssuer = session.NewTokenIssuer([]byte(cfg.TokenSecret), cfg.RPID)
		slog.Info("Session JWTs enabled", "issuer", cfg.RPID)
	}
	bridge := session.NewStoreBridge(sessionStorage, tokenIssuer, sessionTTL)

	apiServer := api.NewServer(coordinator, verifier, userStorage, credStorage, sessionStorage, bridge)

	// Setup routes
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/ceremony/begin", apiServer.BeginHandler)
	mux.HandleFunc("POST /api/v1/register/finish", apiServer.RegisterFinishHandler)
	mux.HandleFunc("POST /api/v1/login/finish", apiServer.LoginFinishHandler)
	mux.HandleFunc("POST /api/v1/credentials/begin", apiServer.CredentialsBeginHandler)
	mux.HandleFunc("POST /api/v1/credentials/finish", apiServer.CredentialsFinishHandler)
	mux.HandleFunc("GET /api/v1/user/credentials", apiServer.UserCredentialsHandler)
	mux.HandleFunc("POST /api/v1/logout", apiServer.LogoutHandler)
	mux.HandleFunc("GET /api/v1/validate/{sessionId}", apiServer.ValidateSessionHandler)
	mux.HandleFunc("GET /health", apiServer.HealthHandler)

	// Apply middleware
	handler := api.LoggingMiddleware(api.CORSMiddleware(mux))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	fmt.Printf("Keygate ceremony service starting on http://localhost:%s\n", cfg.Port)
	fmt.Println("API endpoints:")
	fmt.Println("  POST /api/v1/ceremony/begin      - Start registration or login")
	fmt.Println("  POST /api/v1/register/finish     - Complete registration")
	fmt.Println("  POST /api/v1/login/finish        - Complete login")
	fmt.Println("  POST /api/v1/credentials/begin   - Add credential (authenticated)")
	fmt.Println("  POST /api/v1/credentials/finish")
	fmt.Println("  GET  /api/v1/user/credentials    - List credentials (authenticated)")
	fmt.Println("  POST /api/v1/logout              - Logout")
	fmt.Println("  GET  /api/v1/validate/{sessionId} - Session validation")
	fmt.Println("  GET  /health                     - Health check")

	if err := server.ListenAndServe(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
