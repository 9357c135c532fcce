package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"StratVault-Chain/internal/accesscontrol"
	"StratVault-Chain/internal/api"
	"StratVault-Chain/internal/bridge"
	"StratVault-Chain/internal/config"
	"StratVault-Chain/internal/ledger"
	"StratVault-Chain/internal/observability/metrics"
	"StratVault-Chain/internal/oracle"
	"StratVault-Chain/internal/router"
	storage "StratVault-Chain/internal/storage/mysql"
	"StratVault-Chain/pkg/logger"
)

// main 是 vaultd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("vaultd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("VAULTD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "vaultd.json")
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
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 身份注册表：属主绑定各组件角色
	acl := accesscontrol.NewRegistry(accesscontrol.Identity(cfg.Identity.Owner))
	owner := acl.Owner()
	if err := acl.Bind(owner, accesscontrol.RoleRouter, accesscontrol.Identity(cfg.Identity.Router)); err != nil {
		return err
	}
	if err := acl.Bind(owner, accesscontrol.RoleLedger, accesscontrol.Identity(cfg.Identity.Ledger)); err != nil {
		return err
	}
	if err := acl.Bind(owner, accesscontrol.RoleTransport, accesscontrol.Identity(cfg.Identity.Transport)); err != nil {
		return err
	}

	ledgerStore, err := createLedgerStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = ledgerStore.Close() }()

	feed, err := createPriceFeed(ctx, cfg)
	if err != nil {
		return err
	}

	ledgerOpts := []ledger.Option{ledger.WithPriceFeed(feed)}
	if cfg.Ledger.Oracle.MaxPriceAgeSeconds > 0 {
		ledgerOpts = append(ledgerOpts, ledger.WithMaxPriceAge(time.Duration(cfg.Ledger.Oracle.MaxPriceAgeSeconds)*time.Second))
	}
	ledgerSvc := ledger.NewService(ledgerStore, acl, ledgerOpts...)

	transport, err := createTransport(cfg)
	if err != nil {
		return err
	}
	processed, err := createProcessedSet(ctx, cfg)
	if err != nil {
		return err
	}

	bridgeOpts := []bridge.Option{bridge.WithLocalSender(cfg.Identity.Router)}
	if cfg.Bridge.RoutesFile != "" {
		routes, err := bridge.LoadRouteDefinitions(cfg.Bridge.RoutesFile)
		if err != nil {
			return err
		}
		bridgeOpts = append(bridgeOpts, bridge.WithRoutes(routes))
	}
	bridgeSvc := bridge.NewService(acl, transport, processed, cfg.Bridge.LocalChainID, bridgeOpts...)
	defer func() { _ = bridgeSvc.Close() }()

	routerSvc := router.NewRouter(acl, ledgerSvc, accesscontrol.Identity(cfg.Identity.Router),
		router.WithBridge(bridgeSvc),
		router.WithAssetID(cfg.Router.AssetID),
	)
	if err := configureProtocols(ctx, cfg, acl, routerSvc); err != nil {
		return err
	}

	// 入站中继：消费跨链消息并交给桥去重入账
	relay := bridge.NewInboundRelay(bridgeSvc, transport, accesscontrol.Identity(cfg.Identity.Transport),
		bridge.WithRelayWorkerCount(cfg.Bridge.Workers),
	)
	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()
	go func() {
		if err := relay.Start(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("入站中继异常退出: %v", err)
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, ledgerSvc, routerSvc, bridgeSvc)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLedgerStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.Ledger.Store.Driver {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "mysql":
		return ledger.NewMySQLStore(ctx, storage.Config{
			DSN:             cfg.Ledger.Store.DSN,
			MaxOpenConns:    cfg.Ledger.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Ledger.Store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Ledger.Store.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Ledger.Store.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的账本存储驱动: %s", cfg.Ledger.Store.Driver)
	}
}

func createPriceFeed(ctx context.Context, cfg *config.Config) (oracle.PriceFeed, error) {
	switch cfg.Ledger.Oracle.Provider {
	case "", "static":
		// 本地开发：恒为 1.00 的喂价
		return oracle.NewStaticFeed(big.NewInt(100_000_000), time.Now(), 8), nil
	case "chainlink":
		return oracle.NewChainlinkFeed(ctx, oracle.ChainlinkConfig{
			RPCURL:     cfg.Ledger.Oracle.RPCURL,
			Aggregator: cfg.Ledger.Oracle.Aggregator,
		})
	default:
		return nil, fmt.Errorf("未知的喂价 provider: %s", cfg.Ledger.Oracle.Provider)
	}
}

func createTransport(cfg *config.Config) (bridge.Transport, error) {
	switch cfg.Bridge.Transport.Driver {
	case "", "memory":
		transport := bridge.NewMemoryTransport(1024)
		if cfg.Bridge.Transport.FlatFee > 0 {
			transport.FlatFee = cfg.Bridge.Transport.FlatFee
		}
		return transport, nil
	case "rabbitmq":
		return bridge.NewAMQPTransport(bridge.AMQPConfig{
			URL:        cfg.Bridge.Transport.URL,
			Queue:      cfg.Bridge.Transport.Queue,
			Prefetch:   cfg.Bridge.Transport.Prefetch,
			Durable:    cfg.Bridge.Transport.Durable,
			AutoDelete: cfg.Bridge.Transport.AutoDelete,
			FlatFee:    cfg.Bridge.Transport.FlatFee,
		})
	default:
		return nil, fmt.Errorf("未知的传输驱动: %s", cfg.Bridge.Transport.Driver)
	}
}

func createProcessedSet(ctx context.Context, cfg *config.Config) (bridge.ProcessedSet, error) {
	switch cfg.Bridge.Processed.Driver {
	case "", "memory":
		return bridge.NewMemoryProcessedSet(), nil
	case "redis":
		return bridge.NewRedisProcessedSet(bridge.RedisProcessedConfig{
			Address:   cfg.Bridge.Processed.Address,
			Password:  cfg.Bridge.Processed.Password,
			DB:        cfg.Bridge.Processed.DB,
			KeyPrefix: cfg.Bridge.Processed.KeyPrefix,
		})
	case "mysql":
		dsn := cfg.Bridge.Processed.DSN
		if dsn == "" {
			dsn = cfg.Ledger.Store.DSN
		}
		return bridge.NewMySQLProcessedSet(ctx, storage.Config{DSN: dsn})
	default:
		return nil, fmt.Errorf("未知的去重集合驱动: %s", cfg.Bridge.Processed.Driver)
	}
}

func configureProtocols(ctx context.Context, cfg *config.Config, acl *accesscontrol.Registry, routerSvc *router.Router) error {
	for _, protocol := range cfg.Router.Protocols {
		var adapter router.Adapter
		switch protocol.Driver {
		case "", "memory":
			adapter = router.NewMemoryAdapter(protocol.ID)
		case "evm":
			privateKey := ""
			if protocol.PrivateKeyEnv != "" {
				privateKey = strings.TrimSpace(os.Getenv(protocol.PrivateKeyEnv))
			}
			evm, err := router.NewEVMAdapter(ctx, router.EVMAdapterConfig{
				ID:         protocol.ID,
				RPCURL:     protocol.RPCURL,
				ChainID:    protocol.ChainID,
				Pool:       protocol.Pool,
				Asset:      protocol.Asset,
				PrivateKey: privateKey,
			})
			if err != nil {
				return err
			}
			adapter = evm
		default:
			return fmt.Errorf("未知的协议适配器驱动: %s", protocol.Driver)
		}
		if err := routerSvc.ConfigureProtocol(ctx, acl.Owner(), protocol.ID, adapter); err != nil {
			return err
		}
	}
	return nil
}
