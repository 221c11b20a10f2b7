package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	s3blob "github.com/alanyoungcy/proposalbond/internal/blob/s3"
	"github.com/alanyoungcy/proposalbond/internal/bond"
	"github.com/alanyoungcy/proposalbond/internal/cache/redis"
	"github.com/alanyoungcy/proposalbond/internal/config"
	"github.com/alanyoungcy/proposalbond/internal/crypto"
	"github.com/alanyoungcy/proposalbond/internal/domain"
	"github.com/alanyoungcy/proposalbond/internal/escrow"
	"github.com/alanyoungcy/proposalbond/internal/governor"
	"github.com/alanyoungcy/proposalbond/internal/notify"
	"github.com/alanyoungcy/proposalbond/internal/platform/govnode"
	"github.com/alanyoungcy/proposalbond/internal/server/handler"
	"github.com/alanyoungcy/proposalbond/internal/service"
	"github.com/alanyoungcy/proposalbond/internal/store/postgres"
)

// Dependencies bundles every collaborator the run modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Price     *uint256.Int
	Custodian common.Address

	// Stores
	Ledger     domain.BondLedger
	AuditStore domain.AuditStore

	// Caches / messaging
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Blob storage
	BlobWriter domain.BlobWriter

	// Governance. SimGovernor and SimToken are only set for the sim backend.
	Engine      domain.ProposalEngine
	Oracle      domain.ProposalOracle
	Gateway     domain.EscrowGateway
	SimGovernor *governor.Governor
	SimToken    *escrow.Token

	Events     *service.EventFanout
	Controller *bond.Controller

	// HealthChecks are run by GET /api/health.
	HealthChecks map[string]handler.HealthCheckFunc
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	price, err := cfg.Bond.Price()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	custodian, err := cfg.Bond.CustodianAddress()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}

	deps := &Dependencies{
		Price:        price,
		Custodian:    custodian,
		HealthChecks: make(map[string]handler.HealthCheckFunc),
	}

	// --- Ledger ---
	switch cfg.Ledger.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Ledger = postgres.NewBondLedger(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Health
	default:
		deps.Ledger = bond.NewMemoryLedger()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		deps.SignalBus = service.NewMemoryBus(int(cfg.Redis.StreamMaxLen))
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client, cfg.S3.Prefix)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Governance and escrow ---
	switch cfg.Governor.Backend {
	case "remote":
		node := govnode.NewClient(cfg.Governor.URL, cfg.Governor.APIKey, cfg.Governor.Timeout.Duration)
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:           cfg.Governor.APISecret,
			EncryptedPath: cfg.Governor.APISecretFile,
			Password:      cfg.Governor.APISecretPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: governor secret: %w", err))
		}
		if secret != "" {
			node.WithSigner(&crypto.RequestSigner{Key: cfg.Governor.APIKey, Secret: secret})
		}
		deps.Engine = node
		deps.Oracle = node
		deps.Gateway = node
	default:
		quorum, err := uint256.FromDecimal(cfg.Governor.Quorum)
		if err != nil {
			return fail(fmt.Errorf("wire: governor quorum: %w", err))
		}
		gov := governor.New(quorum)
		token := escrow.NewToken()
		deps.Engine = gov
		deps.Oracle = gov
		deps.Gateway = escrow.NewCustodian(token, custodian)
		deps.SimGovernor = gov
		deps.SimToken = token
	}

	// --- Notifications and event fan-out ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			"",
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	var notifier service.BondNotifier
	if n := notify.NewNotifier(senders, cfg.Notify.Events, logger); n.Enabled() {
		notifier = n
	}
	deps.Events = service.NewEventFanout(deps.SignalBus, deps.AuditStore, notifier, logger)

	// --- Controller ---
	deps.Controller = bond.NewController(bond.Deps{
		Policy:    bond.NewPolicy(price),
		Ledger:    deps.Ledger,
		Engine:    deps.Engine,
		Oracle:    deps.Oracle,
		Gateway:   deps.Gateway,
		Custodian: custodian,
		Events:    deps.Events,
		Locks:     deps.LockManager,
		LockTTL:   cfg.Redis.LockTTL.Duration,
	}, logger)

	return deps, cleanup, nil
}
