package main

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"salesledger/internal/config"
	"salesledger/internal/pkg/bootstrap"
	"salesledger/internal/pkg/keylock"
	"salesledger/internal/pkg/logger"
	"salesledger/internal/pkg/metrics"
	"salesledger/internal/pkg/mq"
	"salesledger/internal/service/sale/application"
	"salesledger/internal/service/sale/domain"
	"salesledger/internal/service/sale/infrastructure"
	"salesledger/internal/service/sale/interfaces"
	"salesledger/internal/zookeeper"
)

const connectTimeout = 10 * time.Second

// stores 是按配置组装出的账本及其清理函数。
type stores struct {
	stock      domain.StockLedger
	sales      domain.SaleLedger
	transactor domain.Transactor
	closers    []func(ctx context.Context) error
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(logger.Config{Level: cfg.App.Log.Level, Pretty: cfg.App.Log.Pretty, Service: cfg.App.ServiceName})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	var shutdown []func(ctx context.Context) error

	// 1. 锁：本地互斥或 ZooKeeper 分布式锁
	var locker keylock.Locker = keylock.NewKeyedMutex()
	if cfg.Infra.Lock.Driver == config.LockZooKeeper {
		conn, err := zookeeper.Connect(ctx, cfg.Infra.ZooKeeper.Servers, cfg.Infra.ZooKeeper.SessionTimeout)
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		shutdown = append(shutdown, func(context.Context) error { conn.Close(); return nil })
		if locker, err = zookeeper.NewLocker(conn, cfg.Infra.ZooKeeper.LockRoot); err != nil {
			zlog.Fatal().Err(err).Msg("failed to prepare zookeeper lock root")
		}
	}

	// 2. 账本
	st, err := buildStores(ctx, cfg, locker)
	if err != nil {
		zlog.Fatal().Err(err).Str("store", cfg.Infra.Store.Driver).Msg("failed to initialize ledgers")
	}
	shutdown = append(shutdown, st.closers...)

	// 3. 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []application.Option{
		application.WithMetrics(metrics.NewSaleMetrics(registry)),
		application.WithSaleLocker(locker),
		application.WithTimeouts(cfg.App.Sale.StepTimeout, cfg.App.Sale.CompensationTimeout),
	}
	if cfg.App.Sale.NativeTransaction && st.transactor != nil {
		opts = append(opts, application.WithTransactor(st.transactor))
	}

	// 4. 事件和对账报告
	if len(cfg.Infra.Kafka.Brokers) > 0 {
		events := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.SaleTopic)
		reconciliations := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.ReconciliationTopic)
		publisher := infrastructure.NewKafkaSalePublisher(events, reconciliations)
		opts = append(opts, application.WithEventPublisher(publisher), application.WithInconsistencyReporter(publisher))
		shutdown = append(shutdown, func(context.Context) error {
			return errors.Wrap(closeAll(events.Close(), reconciliations.Close()), "close kafka writers")
		})
	} else {
		opts = append(opts, application.WithInconsistencyReporter(infrastructure.LogReporter{}))
	}

	service := application.NewSaleApplicationService(st.stock, st.sales, opts...)
	handler := interfaces.NewSaleHandler(service, registry)

	zlog.Info().
		Str("store", cfg.Infra.Store.Driver).
		Str("lock", cfg.Infra.Lock.Driver).
		Bool("native_tx", cfg.App.Sale.NativeTransaction).
		Msg("sales ledger configured")

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: cfg.App.ServiceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		OnShutdown: shutdown,
	})
}

func buildStores(ctx context.Context, cfg *config.Config, locker keylock.Locker) (*stores, error) {
	switch cfg.Infra.Store.Driver {
	case config.StoreMySQL:
		db, err := infrastructure.OpenMySQL(cfg.Infra.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		if err := infrastructure.AutoMigrate(db); err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "get sql.DB")
		}
		return &stores{
			stock:      infrastructure.NewGormStockLedger(db),
			sales:      infrastructure.NewGormSaleLedger(db),
			transactor: infrastructure.NewGormTransactor(db),
			closers:    []func(context.Context) error{func(context.Context) error { return sqlDB.Close() }},
		}, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Infra.Redis.Addr,
			Password: cfg.Infra.Redis.Password,
			DB:       cfg.Infra.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, "ping redis")
		}
		mongoDB, closeMongo, err := connectMongo(ctx, cfg.Infra.Mongo)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		sales := infrastructure.NewMongoSaleLedger(mongoDB)
		if err := sales.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return &stores{
			stock:   infrastructure.NewRedisStockLedger(client),
			sales:   sales,
			closers: []func(context.Context) error{func(context.Context) error { return client.Close() }, closeMongo},
		}, nil

	case config.StoreMongo:
		mongoDB, closeMongo, err := connectMongo(ctx, cfg.Infra.Mongo)
		if err != nil {
			return nil, err
		}
		sales := infrastructure.NewMongoSaleLedger(mongoDB)
		if err := sales.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return &stores{
			stock:   infrastructure.NewMongoStockLedger(mongoDB),
			sales:   sales,
			closers: []func(context.Context) error{closeMongo},
		}, nil

	default:
		zlog.Warn().Msg("using in-memory ledgers, data is lost on restart")
		return &stores{
			stock: infrastructure.NewLockingStockLedger(infrastructure.NewMemoryProductStore(), locker),
			sales: infrastructure.NewMemorySaleLedger(),
		}, nil
	}
}

func connectMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Database, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, errors.Wrap(err, "ping mongo")
	}
	return client.Database(cfg.Database), client.Disconnect, nil
}

func closeAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
