package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/xid"

	"github.com/Byuntil/coupon-system/config"
	"github.com/Byuntil/coupon-system/internal/api"
	"github.com/Byuntil/coupon-system/internal/api/graph"
	intkafka "github.com/Byuntil/coupon-system/internal/kafka"
	"github.com/Byuntil/coupon-system/internal/lock"
	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/metrics"
	"github.com/Byuntil/coupon-system/internal/repository"
	"github.com/Byuntil/coupon-system/internal/service"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zlog.Sync()

	// origin 标识本实例，消费事件时跳过自己发出的
	origin := fmt.Sprintf("%d-%s", *instanceID, xid.New().String())
	zlog = zlog.With("instance", *instanceID, "origin", origin)

	if err := run(cfg, origin, zlog); err != nil {
		zlog.Fatal("服务异常退出", "error", err)
	}
}

func run(cfg *config.Config, origin string, zlog *logger.Logger) error {
	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	store, err := repository.NewCouponStore(startCtx, cfg.MySQL, zlog)
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer store.Close()
	zlog.Info("数据库初始化成功", "driver", cfg.MySQL.Driver)

	redisClient, err := repository.NewRedisClient(startCtx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("初始化Redis失败: %w", err)
	}
	defer redisClient.Close()

	ledger, err := repository.NewRedisStockLedger(startCtx, redisClient)
	if err != nil {
		return fmt.Errorf("初始化库存计数器失败: %w", err)
	}

	locker, err := newLocker(startCtx, cfg, redisClient, zlog)
	if err != nil {
		return err
	}
	defer locker.Close()
	zlog.Info("分布式锁初始化成功", "backend", cfg.Lock.Backend)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCouponMetrics(registry)

	var publisher service.EventPublisher
	var producer *intkafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = intkafka.NewProducer(startCtx, cfg.Kafka, origin, zlog)
		if err != nil {
			return fmt.Errorf("初始化Kafka生产者失败: %w", err)
		}
		defer producer.Close()
		publisher = producer
	}

	issuance := service.NewIssuanceService(store, ledger, locker, publisher, recorder, zlog, service.IssuanceOptions{
		LockTTL:        cfg.Lock.TTL,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
	})
	reconciler := service.NewReconciler(store, ledger, locker, recorder, zlog, service.ReconcileOptions{
		Interval:       cfg.Reconcile.Interval,
		LockTTL:        cfg.Lock.TTL,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
	})
	admin := service.NewAdminService(store, issuance, reconciler, publisher, zlog)

	// 启动时先把缓存计数器对齐持久层，个别券失败只记录
	if err := reconciler.ReconcileAll(startCtx); err != nil {
		zlog.Warn("启动对账部分失败", "error", err)
	}
	reconciler.Start()
	defer reconciler.Stop()

	if cfg.Kafka.Enabled {
		consumer, err := intkafka.NewConsumer(startCtx, cfg.Kafka, origin, zlog)
		if err != nil {
			return fmt.Errorf("初始化Kafka消费者失败: %w", err)
		}
		defer consumer.Stop()
		consumer.StartConsuming(service.NewEventApplier(origin, issuance, reconciler, zlog).Apply)
	}

	gqlServer := graph.NewGraphQLServer(issuance, admin, cfg.GraphQL.Path)
	router := api.NewRouter(api.RouterConfig{
		Mode:          cfg.Server.Mode,
		CouponHandler: api.NewCouponHandler(issuance, zlog),
		AdminHandler:  api.NewAdminHandler(admin, zlog),
		GraphQL:       gqlServer,
		GraphQLPath:   cfg.GraphQL.Path,
		Gatherer:      registry,
		Log:           zlog,
	})

	// 多实例本地运行时按实例ID错开端口
	port := cfg.Server.Port + *instanceID - 1
	server := api.NewServer(port, router, zlog)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()
	zlog.Info("优惠券服务已启动", "url", fmt.Sprintf("http://localhost:%d", port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		zlog.Info("收到退出信号，正在关闭服务", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("HTTP服务关闭失败", "error", err)
	}
	return nil
}

// newLocker 按配置选择锁后端
func newLocker(ctx context.Context, cfg *config.Config, redisClient *redis.Client, zlog *logger.Logger) (*lock.Locker, error) {
	backoff := lock.DefaultBackoff()
	backoff.Initial = cfg.Lock.InitialDelay
	backoff.Max = cfg.Lock.MaxDelay
	backoff.JitterFactor = cfg.Lock.JitterFactor
	opts := lock.Options{
		KeyPrefix:  repository.LockKeyPrefix,
		MaxRetries: cfg.Lock.MaxRetries,
		Backoff:    backoff,
	}

	var store lock.Store
	switch cfg.Lock.Backend {
	case "etcd":
		etcdStore, err := lock.NewEtcdStore(cfg.ETCD.Endpoints, cfg.ETCD.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("初始化etcd锁失败: %w", err)
		}
		store = etcdStore
	default:
		if len(cfg.Redis.LockAddresses) == 0 {
			store = lock.NewRedisStore(redisClient)
			break
		}
		quorumStore, err := newRedisQuorumStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		store = quorumStore
	}
	return lock.NewLocker(store, opts, zlog), nil
}

// newRedisQuorumStore 为每个锁节点建立独立连接，任一节点不可达即启动失败
func newRedisQuorumStore(ctx context.Context, cfg config.RedisConfig) (*lock.RedisStore, error) {
	clients := make([]*redis.Client, 0, len(cfg.LockAddresses))
	for _, addr := range cfg.LockAddresses {
		nodeCfg := cfg
		nodeCfg.Address = addr
		client, err := repository.NewRedisClient(ctx, nodeCfg)
		if err != nil {
			for _, c := range clients {
				_ = c.Close()
			}
			return nil, fmt.Errorf("Redis锁节点 %s 连接失败: %w", addr, err)
		}
		clients = append(clients, client)
	}
	return lock.NewRedisQuorumStore(clients), nil
}
