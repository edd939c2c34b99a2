package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fuzexec/internal/common/cache"
	"fuzexec/internal/common/db"
	httpmw "fuzexec/internal/common/http/middleware"
	"fuzexec/internal/common/mq"
	"fuzexec/internal/exec/repository"
	"fuzexec/internal/exec/scheduler"
	"fuzexec/internal/gateway/middleware"
	"fuzexec/internal/sandbox/executor"
	"fuzexec/internal/sandbox/isolation"
	"fuzexec/internal/sandbox/limiter"
	"fuzexec/internal/sandbox/profile"
	"fuzexec/internal/sandbox/spec"
	"fuzexec/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxHeaderBytes  = 1 << 20

	defaultPoolCapacity = 4
	defaultGraceWindow  = 2 * time.Second
)

// ServerConfig holds HTTP server settings. WriteTimeout stays zero by
// default so watch sockets and synchronous waits are not cut off.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxHeaderBytes  int           `yaml:"maxHeaderBytes"`
	MaxSyncWait     time.Duration `yaml:"maxSyncWait"`
}

// AuthConfig holds JWT settings. Mode "public" disables token checks.
type AuthConfig struct {
	Mode                string        `yaml:"mode"`
	JWTSecret           string        `yaml:"jwtSecret"`
	JWTIssuer           string        `yaml:"jwtIssuer"`
	Roles               []string      `yaml:"roles"`
	RevocationCacheTTL  time.Duration `yaml:"revocationCacheTTL"`
	RevocationCacheSize int           `yaml:"revocationCacheSize"`
}

// DatabaseConfig selects the audit store. An empty driver disables it.
type DatabaseConfig struct {
	Driver     string         `yaml:"driver"` // mysql | sqlite
	MySQL      db.MySQLConfig `yaml:"mysql"`
	SQLitePath string         `yaml:"sqlitePath"`
}

// KafkaSinkConfig enables final-status events when brokers are set.
type KafkaSinkConfig struct {
	mq.KafkaConfig `yaml:",inline"`
	Topic          string `yaml:"topic"`
}

// NATSConfig enables the NATS intake when URL is set.
type NATSConfig struct {
	URL         string `yaml:"url"`
	MaxInflight int    `yaml:"maxInflight"`
}

// PersistConfig controls the write-behind persister.
type PersistConfig struct {
	repository.PersisterConfig `yaml:",inline"`
	StatusTTL                  time.Duration `yaml:"statusTTL"`
}

// ExecConfig holds the execution ceilings and scheduling knobs.
type ExecConfig struct {
	TimeLimit        time.Duration    `yaml:"timeLimit"`
	CPUTimeLimit     time.Duration    `yaml:"cpuTimeLimit"`
	MemoryLimitMB    int64            `yaml:"memoryLimitMB"`
	StackLimitMB     int64            `yaml:"stackLimitMB"`
	OutputLimitBytes int64            `yaml:"outputLimitBytes"`
	FileSizeMB       int64            `yaml:"fileSizeMB"`
	PIDs             int64            `yaml:"pids"`
	OpenFiles        int64            `yaml:"openFiles"`
	OutputPolicy     spec.OutputMode  `yaml:"outputPolicy"`
	OutputScope      spec.OutputScope `yaml:"outputScope"`
	PoolCapacity     int              `yaml:"poolCapacity"`
	QueueDepth       int              `yaml:"queueDepth"`
	QueueWait        time.Duration    `yaml:"queueWait"`
	Retention        time.Duration    `yaml:"retention"`
	MaxPayloadBytes  int64            `yaml:"maxPayloadBytes"`
	GraceWindow      time.Duration    `yaml:"graceWindow"`
	CPUQuota         float64          `yaml:"cpuQuota"`
}

// AppConfig holds the exec service configuration.
type AppConfig struct {
	Server   ServerConfig               `yaml:"server"`
	Logger   logger.Config              `yaml:"logger"`
	Auth     AuthConfig                 `yaml:"auth"`
	Rate     middleware.RateLimitPolicy `yaml:"rateLimit"`
	CORS     httpmw.CORSConfig          `yaml:"cors"`
	Redis    cache.RedisConfig          `yaml:"redis"`
	Kafka    KafkaSinkConfig            `yaml:"kafka"`
	Database DatabaseConfig             `yaml:"database"`
	NATS     NATSConfig                 `yaml:"nats"`
	Persist  PersistConfig              `yaml:"persist"`
	Sandbox  isolation.Config           `yaml:"sandbox"`
	Exec     ExecConfig                 `yaml:"exec"`
	Runtimes []profile.Runtime          `yaml:"runtimes"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads the YAML file, then .env, then EXEC_* variables.
// Later sources win.
func loadAppConfig(path string, envFiles ...string) (*AppConfig, error) {
	cfg := AppConfig{CORS: httpmw.DefaultCORSConfig()}
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := godotenv.Load(envFiles...); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load env file failed: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "jwt"
	}
	if cfg.Auth.RevocationCacheTTL == 0 {
		cfg.Auth.RevocationCacheTTL = 2 * time.Minute
	}
	if cfg.Rate.Window == 0 {
		cfg.Rate.Window = time.Minute
	}
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = repository.DefaultFinalStatusTopic
	}
	if cfg.Exec.MaxPayloadBytes == 0 {
		cfg.Exec.MaxPayloadBytes = 64 * 1024
	}
	if cfg.Exec.PoolCapacity == 0 {
		cfg.Exec.PoolCapacity = defaultPoolCapacity
	}
	if cfg.Exec.GraceWindow == 0 {
		cfg.Exec.GraceWindow = defaultGraceWindow
	}
	if cfg.Exec.TimeLimit == 0 {
		cfg.Exec.TimeLimit = 10 * time.Second
	}
	if cfg.Exec.MemoryLimitMB == 0 && cfg.Sandbox.EnableCgroup {
		cfg.Exec.MemoryLimitMB = 256
	}
	if cfg.Exec.OutputLimitBytes == 0 {
		cfg.Exec.OutputLimitBytes = 1 << 20
	}
	if cfg.Exec.OutputPolicy == "" {
		cfg.Exec.OutputPolicy = spec.OutputTruncate
	}
	if cfg.Exec.OutputScope == "" {
		cfg.Exec.OutputScope = spec.ScopeCombined
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func validate(cfg *AppConfig) error {
	switch strings.ToLower(cfg.Auth.Mode) {
	case "jwt":
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwtSecret is required in jwt mode")
		}
	case "public":
	default:
		return fmt.Errorf("auth.mode must be jwt or public, got %q", cfg.Auth.Mode)
	}
	switch cfg.Exec.OutputPolicy {
	case spec.OutputTruncate, spec.OutputKill:
	default:
		return fmt.Errorf("exec.outputPolicy must be truncate or kill, got %q", cfg.Exec.OutputPolicy)
	}
	switch cfg.Exec.OutputScope {
	case spec.ScopeCombined, spec.ScopeSeparate:
	default:
		return fmt.Errorf("exec.outputScope must be combined or separate, got %q", cfg.Exec.OutputScope)
	}
	if cfg.Exec.PoolCapacity < 0 {
		return fmt.Errorf("exec.poolCapacity must be positive")
	}
	if !cfg.Sandbox.EnableCgroup && (cfg.Exec.MemoryLimitMB > 0 || cfg.Exec.PIDs > 0) {
		return fmt.Errorf("exec.memoryLimitMB and exec.pids require sandbox.enableCgroup")
	}
	switch cfg.Database.Driver {
	case "":
	case "mysql":
		if cfg.Database.MySQL.DSN == "" {
			return fmt.Errorf("database.mysql.dsn is required")
		}
	case "sqlite":
		if cfg.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlitePath is required")
		}
	default:
		return fmt.Errorf("database.driver must be mysql or sqlite, got %q", cfg.Database.Driver)
	}
	if len(cfg.Runtimes) == 0 {
		return fmt.Errorf("at least one runtime is required")
	}
	return nil
}

type lookupEnv func(key string) (string, bool)

// applyEnv overlays EXEC_* variables on the file configuration.
func applyEnv(cfg *AppConfig, lookup lookupEnv) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	i64 := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	integer := func(key string, dst *int) {
		n := int64(*dst)
		i64(key, &n)
		*dst = int(n)
	}

	str("EXEC_HTTP_ADDR", &cfg.Server.Addr)
	str("EXEC_JWT_SECRET", &cfg.Auth.JWTSecret)
	str("EXEC_AUTH_MODE", &cfg.Auth.Mode)
	str("EXEC_REDIS_ADDR", &cfg.Redis.Addr)
	str("EXEC_REDIS_PASSWORD", &cfg.Redis.Password)
	str("EXEC_NATS_URL", &cfg.NATS.URL)
	str("EXEC_MYSQL_DSN", &cfg.Database.MySQL.DSN)
	str("EXEC_LOG_LEVEL", &cfg.Logger.Level)
	if v, ok := lookup("EXEC_KAFKA_BROKERS"); ok && v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	dur("EXEC_TIME_LIMIT", &cfg.Exec.TimeLimit)
	i64("EXEC_MEMORY_LIMIT_MB", &cfg.Exec.MemoryLimitMB)
	i64("EXEC_OUTPUT_LIMIT_BYTES", &cfg.Exec.OutputLimitBytes)
	if v, ok := lookup("EXEC_OUTPUT_POLICY"); ok && v != "" {
		cfg.Exec.OutputPolicy = spec.OutputMode(strings.ToLower(v))
	}
	if v, ok := lookup("EXEC_OUTPUT_SCOPE"); ok && v != "" {
		cfg.Exec.OutputScope = spec.OutputScope(strings.ToLower(v))
	}
	integer("EXEC_POOL_CAPACITY", &cfg.Exec.PoolCapacity)
	integer("EXEC_QUEUE_DEPTH", &cfg.Exec.QueueDepth)
	dur("EXEC_QUEUE_WAIT", &cfg.Exec.QueueWait)
	dur("EXEC_RETENTION", &cfg.Exec.Retention)
	i64("EXEC_MAX_PAYLOAD_BYTES", &cfg.Exec.MaxPayloadBytes)
	dur("EXEC_GRACE_WINDOW", &cfg.Exec.GraceWindow)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// requestBodyLimit bounds a submit body. Source and stdin may each reach
// maxPayload bytes, and JSON escaping can turn one byte into six.
func requestBodyLimit(maxPayload int64) int64 {
	return 2*6*maxPayload + 64*1024
}

// limits is the ceiling every submission is clamped to.
func (c ExecConfig) limits() spec.ResourceLimit {
	return spec.ResourceLimit{
		WallTimeMs:  c.TimeLimit.Milliseconds(),
		CPUTimeMs:   c.CPUTimeLimit.Milliseconds(),
		MemoryMB:    c.MemoryLimitMB,
		StackMB:     c.StackLimitMB,
		OutputBytes: c.OutputLimitBytes,
		FileSizeMB:  c.FileSizeMB,
		PIDs:        c.PIDs,
		OpenFiles:   c.OpenFiles,
	}
}

func (c *AppConfig) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxPayloadBytes: c.Exec.MaxPayloadBytes,
		QueueDepth:      c.Exec.QueueDepth,
		QueueWait:       c.Exec.QueueWait,
		Retention:       c.Exec.Retention,
		Limits:          c.Exec.limits(),
	}
}

func (c *AppConfig) executorConfig() executor.Config {
	return executor.Config{
		Grace: c.Exec.GraceWindow,
		Limiter: limiter.Options{
			CgroupEnabled: c.Sandbox.EnableCgroup,
			CPUQuota:      c.Exec.CPUQuota,
		},
		OutputPolicy: spec.OutputPolicy{Mode: c.Exec.OutputPolicy, Scope: c.Exec.OutputScope},
	}
}
