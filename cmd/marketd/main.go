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

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"agentmarket/internal/api"
	"agentmarket/internal/auth"
	"agentmarket/internal/config"
	"agentmarket/internal/dispute"
	"agentmarket/internal/events"
	"agentmarket/internal/identity"
	"agentmarket/internal/listing"
	"agentmarket/internal/market"
	"agentmarket/internal/observability/alerting"
	"agentmarket/internal/observability/metrics"
	"agentmarket/internal/storage/mysql"
	"agentmarket/internal/storage/redis"
	"agentmarket/internal/token"
	"agentmarket/internal/web3"
	"agentmarket/internal/web3/provider"
	"agentmarket/pkg/logger"
)

// main 是 marketd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("marketd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("MARKET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "market.json")
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
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			log.Printf("刷新日志失败: %v", err)
		}
	}()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	mysqlCfg := mysql.Config{
		DSN:             cfg.Storage.MySQL.DSN,
		MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifeSec) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleSec) * time.Second,
	}

	var (
		identityStore identity.Store
		listingStore  listing.Store
		marketStore   market.Store
		disputeStore  dispute.Store
		authStore     auth.Store
	)
	switch cfg.Storage.Driver {
	case "memory", "":
		identityStore = identity.NewMemoryStore()
		listingStore = listing.NewMemoryStore()
		marketStore = market.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		if cfg.Auth.Mode != auth.ModeDisabled {
			memStore, err := auth.NewMemoryStore(cfg.Auth.Seeds)
			if err != nil {
				return err
			}
			authStore = memStore
		}
	case "mysql":
		idStore, err := mysql.NewSQLIdentityStore(ctx, mysqlCfg)
		if err != nil {
			return err
		}
		defer idStore.Close()
		identityStore = idStore

		lstStore, err := mysql.NewSQLListingStore(ctx, mysqlCfg)
		if err != nil {
			return err
		}
		defer lstStore.Close()
		listingStore = lstStore

		mktStore, err := mysql.NewSQLMarketStore(ctx, mysqlCfg)
		if err != nil {
			return err
		}
		defer mktStore.Close()
		marketStore = mktStore

		dspStore, err := mysql.NewSQLDisputeStore(ctx, mysqlCfg)
		if err != nil {
			return err
		}
		defer dspStore.Close()
		disputeStore = dspStore

		if cfg.Auth.Mode != auth.ModeDisabled {
			authSQL, err := mysql.NewSQLAuthStore(ctx, mysqlCfg)
			if err != nil {
				return err
			}
			defer authSQL.Close()
			for _, seed := range cfg.Auth.Seeds {
				if err := authSQL.ApplySeed(ctx, seed); err != nil {
					return fmt.Errorf("写入种子账户 %s 失败: %w", seed.Username, err)
				}
			}
			authStore = authSQL
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	authSvc, err := auth.NewService(ctx, cfg.Auth, authStore)
	if err != nil {
		return err
	}

	var emitter events.Emitter
	switch cfg.Events.Driver {
	case "memory", "":
		emitter = events.NewRecorder()
	case "redis":
		emit, err := events.NewRedisEmitter(events.RedisEmitterConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Redis.Channel,
		})
		if err != nil {
			return err
		}
		defer emit.Close()
		emitter = emit
	case "rabbitmq":
		emit, err := events.NewRabbitMQEmitter(events.RabbitMQEmitterConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
			Durable:  cfg.Events.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		defer emit.Close()
		emitter = emit
	default:
		return fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}

	var lockManager *redis.LockManager
	var listingCache *redis.Cache
	if cfg.Redis.Enabled {
		lm, err := redis.NewLockManager(redis.LockConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      time.Duration(cfg.Redis.LockTTLMs) * time.Millisecond,
		})
		if err != nil {
			return err
		}
		defer lm.Close()
		lockManager = lm

		cache, err := redis.NewCache(redis.CacheConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   "agentmarket:",
		})
		if err != nil {
			return err
		}
		defer cache.Close()
		listingCache = cache
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	web3Client, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	chainID, err := resolveChainID(ctx, web3Client)
	if err != nil {
		return err
	}

	signerKey := strings.TrimSpace(cfg.Market.CustodySignerKeyHex)
	if signerKey == "" {
		return errors.New("market.custody_signer_key_hex 未配置")
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(signerKey, "0x"))
	if err != nil {
		return fmt.Errorf("解析托管签名私钥失败: %w", err)
	}
	custodyOpts, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
	if err != nil {
		return fmt.Errorf("构建托管签名者失败: %w", err)
	}
	tokenRegistry := token.NewEVMRegistry(web3Client.Backend(), custodyOpts)

	adminAddress := common.HexToAddress(cfg.Market.AdminAddress)

	// alertDispatcher starts with no notifiers wired; operators add
	// EmailNotifier/DingTalkNotifier/SlackNotifier instances once the
	// corresponding sender credentials are available.
	alertDispatcher := alerting.NewFanout()

	identitySvc := identity.NewService(identityStore, identity.WithEmitter(emitter))
	listingOpts := []listing.Option{listing.WithEmitter(emitter)}
	if listingCache != nil {
		// Same nil-interface hazard as lockManager above: only pass a typed,
		// non-nil *redis.Cache through the ReadCache interface.
		listingOpts = append(listingOpts, listing.WithCache(listingCache))
	}
	listingSvc := listing.NewService(listingStore, identitySvc, listingOpts...)
	marketOpts := []market.Option{market.WithEmitter(emitter), market.WithAlerter(alertDispatcher)}
	if lockManager != nil {
		// Only wired when a *typed*, non-nil manager exists: passing a nil
		// *redis.LockManager through the TaskLocker interface would make
		// distLock a non-nil interface wrapping a nil pointer.
		marketOpts = append(marketOpts, market.WithLockManager(lockManager))
	}
	marketSvc := market.NewService(marketStore, identitySvc, listingSvc, tokenRegistry, adminAddress, marketOpts...)
	disputeModuleAddress := common.HexToAddress(cfg.Market.DisputeModuleAddress)
	disputeSvc := dispute.NewService(disputeStore, marketSvc, adminAddress, disputeModuleAddress, dispute.WithEmitter(emitter))
	marketSvc.SetDisputeOpener(disputeSvc)

	// No dispute module has ever been set on a fresh Service, so this call
	// installs disputeModuleAddress immediately (SetDisputeModule only
	// timelocks subsequent swaps). Without it every MarkDisputed/
	// ResolveDispute callback from disputeSvc is rejected by
	// requireDisputeModule, since Service.upgrade.activeModule stays the
	// zero address forever.
	if err := marketSvc.SetDisputeModule(ctx, adminAddress, disputeModuleAddress); err != nil {
		return fmt.Errorf("安装争议模块失败: %w", err)
	}

	sweeperCtx, sweeperCancel := context.WithCancel(ctx)
	defer sweeperCancel()
	go runSweeper(sweeperCtx, marketStore, marketSvc, time.Duration(cfg.Market.SweeperIntervalSec)*time.Second)

	// A standalone metrics listener is optional: the API server already
	// exposes /metrics on cfg.Server.Address. Operators who want scraping
	// isolated from the public API port set metrics_address to a second one.
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("metrics 服务退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, identitySvc, listingSvc, marketSvc, disputeSvc, authSvc)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resolveChainID asks the default chain client for its chain id. web3.Client
// exposes no direct accessor for the underlying *big.Int, only the
// hex-encoded string FetchChainSnapshot reports for UI/reporting purposes.
func resolveChainID(ctx context.Context, client web3.Client) (*big.Int, error) {
	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询链 ID 失败: %w", err)
	}
	hexID := strings.TrimPrefix(snapshot.ChainID, "0x")
	chainID, ok := new(big.Int).SetString(hexID, 16)
	if !ok {
		return nil, fmt.Errorf("无法解析链 ID: %s", snapshot.ChainID)
	}
	return chainID, nil
}

// runSweeper periodically settles tasks whose timeout windows have elapsed,
// taking the place of the teacher's task processor loop.
func runSweeper(ctx context.Context, store market.Store, svc *market.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, store, svc)
		}
	}
}

func sweepOnce(ctx context.Context, store market.Store, svc *market.Service) {
	for _, status := range []market.Status{market.StatusSubmitted, market.StatusDisputed} {
		tasks, err := store.ListByStatus(ctx, status)
		if err != nil {
			logger.L().Error("扫描任务失败", "status", status, "error", err)
			continue
		}
		for _, t := range tasks {
			var settleErr error
			switch status {
			case market.StatusSubmitted:
				settleErr = svc.SettleAfterTimeout(ctx, t.ID)
			case market.StatusDisputed:
				settleErr = svc.SettleAfterPostDisputeTimeout(ctx, t.ID)
			}
			if settleErr != nil {
				logger.L().Debug("任务尚未到达超时结算条件或结算失败", "task_id", t.ID, "error", settleErr)
			}
		}
	}
}
