package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"prim-wallet/internal/api"
	"prim-wallet/internal/auth"
	"prim-wallet/internal/chain"
	"prim-wallet/internal/config"
	"prim-wallet/internal/fundreq"
	"prim-wallet/internal/gate"
	"prim-wallet/internal/observability/alerting"
	"prim-wallet/internal/payment"
	"prim-wallet/internal/policy"
	"prim-wallet/internal/storage/mysql"
	"prim-wallet/internal/vault"
	"prim-wallet/internal/wallet"
	"prim-wallet/pkg/logger"
	"prim-wallet/pkg/x402"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("walletd: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PRIMWALLET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "walletd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// The master key is validated exactly once, here. A missing or
	// mis-sized key never surfaces later as a per-call failure.
	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}
	keyVault, err := vault.New(masterKey)
	if err != nil {
		return err
	}
	vault.Zero(masterKey)

	var (
		walletStore wallet.Store
		policyStore policy.Store
		gateStore   gate.Store
		fundStore   fundreq.Store
		authStore   auth.Store
		mysqlStores *mysql.Stores
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		walletStore = wallet.NewMemoryStore()
		policyStore = policy.NewMemoryStore()
		gateStore = gate.NewMemoryStore()
		fundStore = fundreq.NewMemoryStore()
	case "mysql":
		mysqlStores, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer mysqlStores.Close()
		walletStore = mysqlStores.Wallets
		policyStore = mysqlStores.Policies
		gateStore = mysqlStores.Gate
		fundStore = mysqlStores.FundRequests
		authStore = mysqlStores.Admins
	default:
		return fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}

	registry := wallet.NewRegistry(walletStore, keyVault, cfg.Payment.Network)
	accessGate := gate.New(gateStore, walletStore)
	policyEngine := policy.NewEngine(policyStore)
	alerter := alerting.NewFanout(&alerting.LogNotifier{})

	authService, err := buildAuthService(ctx, cfg, authStore)
	if err != nil {
		return err
	}

	paymentClient, err := buildPaymentClient(cfg, registry, accessGate, policyEngine, alerter)
	if err != nil {
		return err
	}

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("close funding queue", "error", err)
		}
	}()

	// The funding worker only runs when a treasury is configured;
	// without one approvals still allowlist, they just do not pay out.
	broadcaster, err := buildBroadcaster(ctx, cfg)
	if err != nil {
		return err
	}

	fundOpts := []fundreq.ServiceOption{fundreq.WithProducer(queue)}
	if broadcaster != nil {
		fundOpts = append(fundOpts, fundreq.WithFundingSource(broadcaster.TreasuryAddress().Hex()))
	}
	fundService := fundreq.NewService(fundStore, walletStore, accessGate, fundOpts...)

	if broadcaster != nil {
		defer broadcaster.Close()
		worker := fundreq.NewWorker(fundStore, queue, broadcaster,
			fundreq.WithWorkerCount(cfg.Funding.Workers),
			fundreq.WithWorkerLogger(logger.L()),
			fundreq.WithAlertDispatcher(alerter),
		)
		workerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("funding worker exited", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Wallets:      registry,
		Policies:     policyEngine,
		AccessGate:   accessGate,
		FundRequests: fundService,
		Payments:     paymentClient,
		Auth:         authService,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildAuthService(ctx context.Context, cfg *config.Config, store auth.Store) (*auth.Service, error) {
	mode := auth.Mode(cfg.Auth.Mode)
	if mode == auth.ModeDisabled {
		return auth.NewService(ctx, auth.Config{Mode: auth.ModeDisabled}, nil)
	}

	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}
	if store == nil {
		memory, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memory
	}
	return auth.NewService(ctx, auth.Config{
		Mode: mode,
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			AccessTTL:  cfg.Auth.AccessTTL,
			RefreshTTL: cfg.Auth.RefreshTTL,
		},
		Seeds: seeds,
	}, store)
}

func buildPaymentClient(cfg *config.Config, registry *wallet.Registry, accessGate *gate.Gate,
	engine *policy.Engine, alerter alerting.Dispatcher) (*payment.Client, error) {
	defaultMax, err := x402.ParseAmount(cfg.Payment.DefaultMaxPayment)
	if err != nil {
		return nil, fmt.Errorf("default_max_payment: %w", err)
	}
	signer := payment.NewSigner(cfg.Payment.AssetName, cfg.Payment.AssetVersion)
	httpClient := &http.Client{Timeout: time.Duration(cfg.Payment.HTTPTimeoutSecs) * time.Second}
	return payment.NewClient(registry, accessGate, engine, signer,
		cfg.Payment.Scheme, cfg.Payment.Network, defaultMax,
		payment.WithHTTPClient(httpClient),
		payment.WithClientAlerter(alerter),
	), nil
}

func buildQueue(cfg *config.Config) (fundreq.Queue, error) {
	switch cfg.Funding.Driver {
	case "", "memory":
		return fundreq.NewMemoryQueue(1024), nil
	case "redis":
		return fundreq.NewRedisQueue(fundreq.RedisQueueConfig{
			Address:   cfg.Funding.Redis.Address,
			Password:  cfg.Funding.Redis.Password,
			DB:        cfg.Funding.Redis.DB,
			Queue:     cfg.Funding.Redis.Queue,
			BlockWait: time.Duration(cfg.Funding.Redis.BlockWaitSecs) * time.Second,
		})
	case "rabbitmq":
		return fundreq.NewRabbitMQQueue(fundreq.RabbitMQConfig{
			URL:        cfg.Funding.RabbitMQ.URL,
			Queue:      cfg.Funding.RabbitMQ.Queue,
			Prefetch:   cfg.Funding.RabbitMQ.Prefetch,
			Durable:    cfg.Funding.RabbitMQ.Durable,
			AutoDelete: cfg.Funding.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("unknown funding queue driver: %s", cfg.Funding.Driver)
	}
}

func buildBroadcaster(ctx context.Context, cfg *config.Config) (chain.Broadcaster, error) {
	if cfg.Chain.TreasuryKeyHex == "" || cfg.Chain.Definitions == "" {
		return nil, nil
	}
	definitions, err := chain.LoadDefinitions(cfg.Chain.Definitions)
	if err != nil {
		return nil, err
	}
	definition, err := definitions.Resolve(cfg.Payment.Network)
	if err != nil {
		return nil, err
	}
	broadcaster, err := chain.NewBroadcaster(ctx, definition.RPCURL, cfg.Chain.TreasuryKeyHex, cfg.Chain.TokenAddress)
	if err != nil {
		return nil, err
	}
	return broadcaster, nil
}
