// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
// 加载完成后不可变，热更新通过 Store 整体替换。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Vector        VectorConfig        `mapstructure:"vector"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	PGVector      PGVectorConfig      `mapstructure:"pgvector"`
	Milvus        MilvusConfig        `mapstructure:"milvus"`
	Blob          BlobConfig          `mapstructure:"blob"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	S3            S3Config            `mapstructure:"s3"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Training      TrainingConfig      `mapstructure:"training"`
	Splitter      SplitterConfig      `mapstructure:"splitter"`
	Search        SearchConfig        `mapstructure:"search"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 关系库配置，driver 取值 mysql | postgres | sqlite。
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 训练唤醒与用量上报两个 topic。
type KafkaConfig struct {
	Brokers       string `mapstructure:"brokers"`
	TrainingTopic string `mapstructure:"training_topic"`
	UsageTopic    string `mapstructure:"usage_topic"`
	GroupID       string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// VectorConfig 选择向量索引后端：es | pgvector | milvus | sql | memory。
type VectorConfig struct {
	Backend    string `mapstructure:"backend"`
	Dimensions int    `mapstructure:"dimensions"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// PGVectorConfig 存储 pgvector 连接配置。
type PGVectorConfig struct {
	URL   string `mapstructure:"url"`
	Table string `mapstructure:"table"`
}

// MilvusConfig 存储 Milvus 连接配置。
type MilvusConfig struct {
	Address    string `mapstructure:"address"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// BlobConfig 选择对象存储后端：minio | s3。
type BlobConfig struct {
	Backend string `mapstructure:"backend"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// S3Config 存储 AWS S3 的配置。
type S3Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置，BatchTokens 为 0 时不限制单次请求的 token 数。
type EmbeddingConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Dimensions  int           `mapstructure:"dimensions"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	BatchSize   int           `mapstructure:"batch_size"`
	BatchTokens int           `mapstructure:"batch_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LLMConfig 存储 QA 拆分与图片描述使用的大模型配置。
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	VisionModel string        `mapstructure:"vision_model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxQAPairs  int           `mapstructure:"max_qa_pairs"`
}

// TrainingConfig 训练队列与 worker 池参数。
type TrainingConfig struct {
	Workers           int           `mapstructure:"workers"`
	BatchSize         int           `mapstructure:"batch_size"`
	Parallelism       int           `mapstructure:"parallelism"`
	Lease             time.Duration `mapstructure:"lease"`
	RetryBudget       int           `mapstructure:"retry_budget"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
}

// SplitterConfig 默认分块参数，可被单次导入覆盖。
type SplitterConfig struct {
	ChunkSize    int     `mapstructure:"chunk_size"`
	QAChunkSize  int     `mapstructure:"qa_chunk_size"`
	OverlapRatio float64 `mapstructure:"overlap_ratio"`
	MaxSize      int     `mapstructure:"max_size"`
}

// SearchConfig 各检索模式的召回数量与 RRF 常数。
type SearchConfig struct {
	EmbeddingLimit       int `mapstructure:"embedding_limit"`
	FullTextLimit        int `mapstructure:"fulltext_limit"`
	HybridEmbeddingLimit int `mapstructure:"hybrid_embedding_limit"`
	HybridFullTextLimit  int `mapstructure:"hybrid_fulltext_limit"`
	RRFK                 int `mapstructure:"rrf_k"`
}

var (
	ErrInvalidOverlap = errors.New("overlap_ratio 必须位于 [0,1]")
	ErrInvalidWorkers = errors.New("training.workers 必须大于 0")
	ErrUnknownBackend = errors.New("未知的存储后端")
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.training_topic", "dataset-training")
	v.SetDefault("kafka.usage_topic", "dataset-usage")
	v.SetDefault("kafka.group_id", "dataset-trainer")
	v.SetDefault("vector.backend", "sql")
	v.SetDefault("vector.dimensions", 1536)
	v.SetDefault("elasticsearch.index_name", "dataset_vectors")
	v.SetDefault("pgvector.table", "dataset_vectors")
	v.SetDefault("milvus.collection", "dataset_vectors")
	v.SetDefault("blob.backend", "minio")
	v.SetDefault("embedding.max_tokens", 8000)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.batch_tokens", 100000)
	v.SetDefault("embedding.timeout", 60*time.Second)
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.max_qa_pairs", 8)
	v.SetDefault("training.workers", 4)
	v.SetDefault("training.batch_size", 10)
	v.SetDefault("training.parallelism", 8)
	v.SetDefault("training.lease", 5*time.Minute)
	v.SetDefault("training.retry_budget", 3)
	v.SetDefault("training.backoff_base", 10*time.Second)
	v.SetDefault("training.backoff_max", 10*time.Minute)
	v.SetDefault("training.poll_interval", 3*time.Second)
	v.SetDefault("training.reconcile_interval", 30*time.Minute)
	v.SetDefault("training.rate_limit_cooldown", 20*time.Second)
	v.SetDefault("splitter.chunk_size", 1000)
	v.SetDefault("splitter.qa_chunk_size", 6000)
	v.SetDefault("splitter.overlap_ratio", 0.15)
	v.SetDefault("splitter.max_size", 8000)
	v.SetDefault("search.embedding_limit", 100)
	v.SetDefault("search.fulltext_limit", 100)
	v.SetDefault("search.hybrid_embedding_limit", 80)
	v.SetDefault("search.hybrid_fulltext_limit", 60)
	v.SetDefault("search.rrf_k", 60)
}

// Load 从指定路径读取 YAML 文件并返回完整的配置值，环境变量可覆盖同名键（. 替换为 _）。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate 检查配置之间的约束。
func (c *Config) Validate() error {
	if c.Splitter.OverlapRatio < 0 || c.Splitter.OverlapRatio > 1 {
		return ErrInvalidOverlap
	}
	if c.Training.Workers <= 0 {
		return ErrInvalidWorkers
	}
	switch c.Vector.Backend {
	case "es", "pgvector", "milvus", "sql", "memory":
	default:
		return fmt.Errorf("%w: vector.backend=%s", ErrUnknownBackend, c.Vector.Backend)
	}
	switch c.Blob.Backend {
	case "minio", "s3":
	default:
		return fmt.Errorf("%w: blob.backend=%s", ErrUnknownBackend, c.Blob.Backend)
	}
	return nil
}

// Store 持有当前生效的配置快照。
type Store struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewStore 加载配置并返回 Store。
func NewStore(configPath string) (*Store, error) {
	c, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewStaticStore(configPath, c), nil
}

// NewStaticStore 用已构建的配置创建 Store，测试与 CLI 使用。
func NewStaticStore(configPath string, c *Config) *Store {
	s := &Store{path: configPath}
	s.cur.Store(c)
	return s
}

// Current 返回当前配置快照，调用方不得修改返回值。
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Reload 重新读取配置文件并原子替换；失败时保留旧配置。
func (s *Store) Reload() error {
	c, err := Load(s.path)
	if err != nil {
		return err
	}
	s.cur.Store(c)
	return nil
}
