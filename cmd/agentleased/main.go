package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentLease-Chain/internal/api"
	"AgentLease-Chain/internal/auth"
	"AgentLease-Chain/internal/config"
	"AgentLease-Chain/internal/facilitator"
	"AgentLease-Chain/internal/ledger"
	"AgentLease-Chain/internal/observability/alerting"
	"AgentLease-Chain/internal/order"
	"AgentLease-Chain/internal/settle"
	"AgentLease-Chain/pkg/logger"
)

// main 是结算守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentleased 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTLEASE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentlease.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.Audit != "",
			Path:    cfg.Log.Audit,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 账本从创世文件恢复初始状态。
	genesis, err := ledger.LoadGenesis(cfg.Ledger.GenesisPath)
	if err != nil {
		return err
	}
	led, err := genesis.Build()
	if err != nil {
		return err
	}

	store, err := buildOrderStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	queue, err := buildReconcileQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Error("关闭对账队列失败", slog.Any("error", err))
		}
	}()

	gateway := facilitator.NewClient(facilitator.Config{
		BaseURL:  cfg.Facilitator.BaseURL,
		Identity: cfg.Facilitator.Identity,
		APIKey:   cfg.Facilitator.APIKey,
		Timeout:  time.Duration(cfg.Facilitator.TimeoutSeconds) * time.Second,
	})
	if !gateway.IsConfigured() {
		logger.L().Warn("结算服务凭证缺失，订单只能以模拟模式创建")
	}

	alerter := buildAlerter(cfg)

	serviceOpts := []settle.ServiceOption{
		settle.WithProducer(queue),
		settle.WithAlertDispatcher(alerter),
	}
	if rate, ok := new(big.Int).SetString(cfg.Facilitator.WeiPerUSD, 10); ok && rate.Sign() > 0 {
		serviceOpts = append(serviceOpts, settle.WithUSDRate(rate))
	}
	settleService := settle.NewService(store, gateway, serviceOpts...)

	reconciler := settle.NewReconciler(store, gateway, queue,
		settle.WithReconcilerWorkers(cfg.Reconcile.Workers),
		settle.WithReconcilerAlerts(alerter),
	)

	reconcilerCtx, reconcilerCancel := context.WithCancel(ctx)
	defer reconcilerCancel()
	go func() {
		if err := reconciler.Start(reconcilerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("对账处理器异常退出", slog.Any("error", err))
		}
	}()

	serverOpts := []api.ServerOption{}
	if authService := buildAuth(cfg); authService.Enabled() {
		serverOpts = append(serverOpts, api.WithAuth(authService))
	}

	server := api.NewServer(cfg.Server.Address, settleService, led, serverOpts...)
	logger.L().Info("结算服务启动",
		slog.String("address", cfg.Server.Address),
		slog.String("order_store", cfg.OrderStore.Driver),
		slog.String("reconcile_queue", cfg.Reconcile.Driver),
	)
	return server.Start(ctx)
}

func buildOrderStore(cfg *config.Config) (order.Store, error) {
	switch cfg.OrderStore.Driver {
	case "", "memory":
		return order.NewMemoryStore(), nil
	case "mysql":
		return order.NewMySQLStore(order.MySQLConfig{
			DSN:             cfg.OrderStore.DSN,
			MaxOpenConns:    cfg.OrderStore.MaxOpenConns,
			MaxIdleConns:    cfg.OrderStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.OrderStore.ConnMaxLifetime) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的订单存储驱动: %s", cfg.OrderStore.Driver)
	}
}

func buildReconcileQueue(cfg *config.Config) (settle.Queue, error) {
	switch cfg.Reconcile.Driver {
	case "", "memory":
		return settle.NewMemoryQueue(1024), nil
	case "redis":
		return settle.NewRedisQueue(settle.RedisQueueConfig{
			Address:  cfg.Reconcile.Redis.Address,
			Password: cfg.Reconcile.Redis.Password,
			DB:       cfg.Reconcile.Redis.DB,
			Queue:    cfg.Reconcile.Redis.Queue,
		})
	case "rabbitmq":
		return settle.NewRabbitMQQueue(settle.RabbitMQConfig{
			URL:      cfg.Reconcile.RabbitMQ.URL,
			Queue:    cfg.Reconcile.RabbitMQ.Queue,
			Prefetch: cfg.Reconcile.RabbitMQ.Prefetch,
			Durable:  cfg.Reconcile.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的对账队列驱动: %s", cfg.Reconcile.Driver)
	}
}

func buildAlerter(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alert.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alert.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func buildAuth(cfg *config.Config) *auth.Service {
	keys := make([]auth.KeyConfig, 0, len(cfg.Auth.Keys))
	for _, key := range cfg.Auth.Keys {
		if !common.IsHexAddress(key.Address) {
			logger.L().Warn("忽略地址非法的 API Key 配置", slog.String("name", key.Name))
			continue
		}
		keys = append(keys, auth.KeyConfig{
			Key:     key.Key,
			Name:    key.Name,
			Address: common.HexToAddress(key.Address),
		})
	}
	return auth.NewService(auth.Mode(cfg.Auth.Mode), keys)
}
