package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tokenbroker/tokenbroker/internal/auth"
	"github.com/tokenbroker/tokenbroker/internal/config"
	"github.com/tokenbroker/tokenbroker/internal/controllers"
	"github.com/tokenbroker/tokenbroker/internal/domain"
	"github.com/tokenbroker/tokenbroker/internal/gate"
	"github.com/tokenbroker/tokenbroker/internal/managers"
	"github.com/tokenbroker/tokenbroker/internal/providers"
	"github.com/tokenbroker/tokenbroker/internal/server"
	"github.com/tokenbroker/tokenbroker/internal/storage"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the credential broker service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker()
		},
	}
}

func runBroker() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Msg("Starting credential broker")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize token store")
	}
	defer cleanup()

	provider := providers.NewOAuthClient(providers.Config{
		ClientID:     cfg.ProviderClientID,
		ClientSecret: cfg.ProviderClientSecret,
		AuthURL:      cfg.ProviderAuthURL,
		TokenURL:     cfg.ProviderTokenURL,
		RevokeURL:    cfg.ProviderRevokeURL,
		VerifyURL:    cfg.ProviderVerifyURL,
		RedirectURL:  cfg.ProviderRedirectURL,
		ServiceScopes: map[domain.Service][]string{
			domain.ServiceMail:     cfg.MailScopes,
			domain.ServiceCalendar: cfg.CalendarScopes,
		},
		Timeout: cfg.RefreshTimeout,
	})

	credentialManager := managers.NewCredentialManager(managers.CredentialManagerDependencies{
		Store:          store,
		Provider:       provider,
		States:         auth.NewStateSigner(cfg.StateSigningKey, cfg.StateTTL),
		RefreshTimeout: cfg.RefreshTimeout,
		ExpiringWindow: cfg.ExpiringWindow,
		SweepRetention: cfg.SweepRetention,
	})

	stopSweeper, err := credentialManager.StartSweeper(cfg.SweepSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start credential sweeper")
	}
	defer stopSweeper()

	limiter := buildRateLimiter(ctx, cfg)
	allowlist := gate.NewAllowlist(cfg.AllowedIPs)

	brokerController := controllers.NewBrokerController(controllers.BrokerControllerDependencies{
		CredentialManager: credentialManager,
	})

	app := server.NewHTTPServer(server.HTTPServerDependencies{
		BrokerController: brokerController,
		Allowlist:        allowlist,
		RateLimiter:      limiter,
	})

	log.Info().
		Str("address", cfg.HTTPAddress).
		Str("store", cfg.StoreBackend).
		Int("allowed_ips", len(cfg.AllowedIPs)).
		Msg("Credential broker listening")

	if err := app.Listen(cfg.HTTPAddress, fiber.ListenConfig{
		GracefulContext:       ctx,
		DisableStartupMessage: true,
	}); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
	}

	log.Info().Msg("Credential broker stopped")
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (domain.TokenStore, func(), error) {
	if cfg.StoreBackend == "memory" {
		log.Warn().Msg("Using in-memory token store, credentials will not survive a restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := storage.NewPostgresStore(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func buildRateLimiter(ctx context.Context, cfg *config.Config) domain.RateLimiter {
	if cfg.RedisAddr != "" {
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis-backed rate limiter")
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return gate.NewRedisLimiter(client, cfg.RateLimitMax, cfg.RateLimitWindow)
	}

	limiter := gate.NewWindowLimiter(gate.WindowLimiterOptions{
		Max:    cfg.RateLimitMax,
		Window: cfg.RateLimitWindow,
	})
	limiter.StartEviction(ctx)
	return limiter
}
