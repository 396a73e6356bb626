// Package app 按配置组装仓储、外部客户端、服务与后台 worker，供 server 与 datasetctl 共用。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/internal/dedup"
	"dataset-trainer-go/internal/normalize"
	"dataset-trainer-go/internal/pipeline"
	"dataset-trainer-go/internal/repository"
	"dataset-trainer-go/internal/service"
	"dataset-trainer-go/internal/worker"
	"dataset-trainer-go/pkg/database"
	"dataset-trainer-go/pkg/embedding"
	"dataset-trainer-go/pkg/kafka"
	"dataset-trainer-go/pkg/llm"
	"dataset-trainer-go/pkg/log"
	"dataset-trainer-go/pkg/storage"
	"dataset-trainer-go/pkg/tasks"
	"dataset-trainer-go/pkg/tika"
	"dataset-trainer-go/pkg/token"
	"dataset-trainer-go/pkg/tokens"
	"dataset-trainer-go/pkg/vectorstore"
)

// App 持有一次进程生命周期内的全部组件。
type App struct {
	Config *config.Store
	DB     *gorm.DB
	// Redis 未配置时为 nil，锁与限流冷却退化为进程内实现
	Redis   *redis.Client
	Vectors vectorstore.Store
	Blobs   storage.BlobStore
	JWT     *token.JWTManager

	Datasets    repository.DatasetRepository
	Collections repository.CollectionRepository
	Training    repository.TrainingRepository
	Data        repository.DataRepository
	Usages      repository.UsageRepository

	DatasetService    service.DatasetService
	CollectionService service.CollectionService
	SearchService     service.SearchService
	DataService       service.DataService

	Worker     *worker.Worker
	Reconciler *worker.Reconciler
	Usage      *pipeline.UsageRecorder

	pool      *tasks.Pool
	producers []*kafka.Producer
}

// New 按当前配置创建 App，失败时已创建的连接会被关闭。
func New(ctx context.Context, store *config.Store) (a *App, err error) {
	cfg := store.Current()
	a = &App{Config: store}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.DB, err = database.Open(cfg.Database.Driver, cfg.Database.DSN); err != nil {
		return nil, err
	}
	if err = database.Migrate(a.DB); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}
	if cfg.Redis.Addr != "" {
		if a.Redis, err = database.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			return nil, err
		}
	}
	if a.Vectors, err = vectorstore.New(ctx, cfg, a.DB); err != nil {
		return nil, fmt.Errorf("初始化向量库失败: %w", err)
	}
	if a.Blobs, err = storage.New(ctx, cfg); err != nil {
		return nil, fmt.Errorf("初始化对象存储失败: %w", err)
	}
	a.JWT = token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)

	a.Datasets = repository.NewDatasetRepository(a.DB)
	a.Collections = repository.NewCollectionRepository(a.DB)
	a.Training = repository.NewTrainingRepository(a.DB)
	a.Data = repository.NewDataRepository(a.DB)
	a.Usages = repository.NewUsageRepository(a.DB)
	a.Usage = pipeline.NewUsageRecorder(a.Usages)

	counter := tokens.Default()
	embedder := embedding.NewClient(cfg.Embedding, counter)
	generator, gerr := llm.NewClient(cfg.LLM)
	if gerr != nil {
		log.Warnf("[App] 大模型客户端初始化失败，qa 与图片训练不可用: %v", gerr)
	}

	if a.pool, err = tasks.NewPool(cfg.Training.Parallelism*4, 30*time.Second); err != nil {
		return nil, err
	}
	var usagePub tasks.Publisher = a.Usage
	if cfg.Kafka.Brokers != "" {
		p := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.UsageTopic)
		a.producers = append(a.producers, p)
		usagePub = p
	}
	usage := tasks.NewUsageSink(a.pool, usagePub)

	var (
		locker   dedup.Locker
		cooldown worker.Cooldown
	)
	if a.Redis != nil {
		locker = dedup.NewRedisLocker(a.Redis)
		cooldown = worker.NewRedisCooldown(a.Redis, embedder.Model())
	} else {
		locker = dedup.NewLocalLocker()
		cooldown = worker.NewLocalCooldown()
	}

	a.Worker, err = worker.New(store, worker.Deps{
		Training:  a.Training,
		Data:      a.Data,
		Vectors:   a.Vectors,
		Embedder:  embedder,
		Generator: generator,
		Blobs:     a.Blobs,
		Usage:     usage,
		Cooldown:  cooldown,
	})
	if err != nil {
		return nil, err
	}
	a.Reconciler = &worker.Reconciler{
		Datasets:    a.Datasets,
		Training:    a.Training,
		Data:        a.Data,
		Vectors:     a.Vectors,
		RetryBudget: cfg.Training.RetryBudget,
	}

	var notifier service.Notifier = a.Worker
	if cfg.Kafka.Brokers != "" {
		p := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TrainingTopic)
		a.producers = append(a.producers, p)
		notifier = service.KafkaNotifier{Publisher: p}
	}

	auth := service.TeamAuthorizer{}
	normalizer := normalize.New(tika.NewClient(cfg.Tika), normalize.Options{})
	guard := dedup.NewGuard(a.Collections, locker, time.Minute)
	a.CollectionService = service.NewCollectionService(store, a.Datasets, a.Collections, a.Training, a.Data,
		a.Vectors, a.Blobs, normalizer, guard, counter, notifier, auth)
	a.DatasetService = service.NewDatasetService(a.Datasets, a.Collections, a.Data, a.CollectionService, auth,
		service.CreateDatasetRequest{EmbeddingModel: cfg.Embedding.Model, AgentModel: cfg.LLM.Model})
	a.SearchService = service.NewSearchService(store, a.Datasets, a.Collections, a.Data, a.Vectors, embedder, usage, auth)
	a.DataService = service.NewDataService(a.Collections, a.Data, a.Training, a.Vectors, embedder, a.Blobs, usage, auth)
	return a, nil
}

// TrainingConsumer 返回训练唤醒 topic 的消费者，未配置 Kafka 时返回 nil。
func (a *App) TrainingConsumer() *kafka.Consumer {
	k := a.Config.Current().Kafka
	if k.Brokers == "" {
		return nil
	}
	return kafka.NewConsumer(k.Brokers, k.TrainingTopic, k.GroupID, a.Redis)
}

// UsageConsumer 返回用量 topic 的消费者，未配置 Kafka 时返回 nil。
func (a *App) UsageConsumer() *kafka.Consumer {
	k := a.Config.Current().Kafka
	if k.Brokers == "" {
		return nil
	}
	return kafka.NewConsumer(k.Brokers, k.UsageTopic, k.GroupID+"-usage", a.Redis)
}

// Close 依次等待后台任务并关闭连接。
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close(10 * time.Second)
	}
	var errs []error
	for _, p := range a.producers {
		errs = append(errs, p.Close())
	}
	if a.Vectors != nil {
		errs = append(errs, a.Vectors.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warnf("[App] 关闭资源时出错: %v", err)
	}
}
