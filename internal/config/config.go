// Package config handles application configuration loading and validation using Viper.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Consensus   ConsensusConfig   `mapstructure:"consensus"`
	Reliability ReliabilityConfig `mapstructure:"reliability"`
	Voting      VotingConfig      `mapstructure:"voting"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Awards      AwardsConfig      `mapstructure:"awards"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Locks       LocksConfig       `mapstructure:"locks"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig contains database connection settings for PostgreSQL and Redis.
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains PostgreSQL database connection and pool settings.
type PostgresConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// RedisConfig contains Redis connection and pool settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ConsensusConfig holds the constants used when combining AI and peer scores.
type ConsensusConfig struct {
	DivergenceThreshold     float64 `mapstructure:"divergence_threshold"`
	MinReviewsForDivergence int     `mapstructure:"min_reviews_for_divergence"`
	PeerBlendRatio          float64 `mapstructure:"peer_blend_ratio"`
	AIFloorRatio            float64 `mapstructure:"ai_floor_ratio"`
	MaxXP                   int     `mapstructure:"max_xp"`
	TargetReviewCount       int     `mapstructure:"target_review_count"`
	ReviewerReward          int     `mapstructure:"reviewer_reward"`
	LateReviewerReward      int     `mapstructure:"late_reviewer_reward"`
}

// ReliabilityConfig selects the active formula and the bad-reviewer rule.
type ReliabilityConfig struct {
	ActiveFormula      string  `mapstructure:"active_formula"`
	FormulasFile       string  `mapstructure:"formulas_file"`
	DeviationScale     float64 `mapstructure:"deviation_scale"`
	BadAccuracyFloor   float64 `mapstructure:"bad_accuracy_floor"`
	BadTimelinessFloor float64 `mapstructure:"bad_timeliness_floor"`
	WindowDays         int     `mapstructure:"window_days"`
}

// VotingConfig contains community vote resolution settings.
type VotingConfig struct {
	MinVotes            int     `mapstructure:"min_votes"`
	MajorityThreshold   float64 `mapstructure:"majority_threshold"`
	CandidateWindowDays int     `mapstructure:"candidate_window_days"`
	TimeoutHours        int     `mapstructure:"timeout_hours"`
}

// AggregationConfig contains XP pipeline settings.
type AggregationConfig struct {
	MissedReviewPenalty int `mapstructure:"missed_review_penalty"`
	Concurrency         int `mapstructure:"concurrency"`
}

// AwardsConfig contains monthly winner settings.
type AwardsConfig struct {
	RankAmounts    []int `mapstructure:"rank_amounts"`
	CooldownMonths int   `mapstructure:"cooldown_months"`
}

// SchedulerConfig contains cron expressions for background jobs.
type SchedulerConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Timezone            string `mapstructure:"timezone"`
	WeeklyResetCron     string `mapstructure:"weekly_reset_cron"`
	MonthlyAwardCron    string `mapstructure:"monthly_award_cron"`
	ProcessReadyCron    string `mapstructure:"process_ready_cron"`
	VoteMaintenanceCron string `mapstructure:"vote_maintenance_cron"`
	ReliabilityCron     string `mapstructure:"reliability_cron"`
}

// RetryConfig bounds retries of transient storage failures.
type RetryConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	InitialIntervalMs int `mapstructure:"initial_interval_ms"`
	MaxIntervalMs     int `mapstructure:"max_interval_ms"`
}

// LocksConfig contains distributed lock settings.
type LocksConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// MetricsConfig contains Prometheus exporter settings.
type MetricsConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig contains Prometheus metrics exporter settings.
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig contains application logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// setDefaults registers the engine constants. The thresholds are kept as
// configuration because changing them alters the meaning of awarded XP.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")

	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.postgres.max_open_conns", 25)
	v.SetDefault("database.postgres.max_idle_conns", 5)
	v.SetDefault("database.postgres.conn_max_lifetime", 300)
	v.SetDefault("database.redis.port", 6379)
	v.SetDefault("database.redis.pool_size", 10)

	v.SetDefault("consensus.divergence_threshold", 50.0)
	v.SetDefault("consensus.min_reviews_for_divergence", 2)
	v.SetDefault("consensus.peer_blend_ratio", 0.7)
	v.SetDefault("consensus.ai_floor_ratio", 0.5)
	v.SetDefault("consensus.max_xp", 300)
	v.SetDefault("consensus.target_review_count", 3)
	v.SetDefault("consensus.reviewer_reward", 5)
	v.SetDefault("consensus.late_reviewer_reward", 0)

	v.SetDefault("reliability.active_formula", "accuracy-weighted@v1")
	v.SetDefault("reliability.deviation_scale", 100.0)
	v.SetDefault("reliability.bad_accuracy_floor", 0.5)
	v.SetDefault("reliability.bad_timeliness_floor", 0.3)
	v.SetDefault("reliability.window_days", 90)

	v.SetDefault("voting.min_votes", 5)
	v.SetDefault("voting.majority_threshold", 0.5)
	v.SetDefault("voting.candidate_window_days", 30)
	v.SetDefault("voting.timeout_hours", 168)

	v.SetDefault("aggregation.missed_review_penalty", 10)
	v.SetDefault("aggregation.concurrency", 4)

	v.SetDefault("awards.rank_amounts", []int{1500, 1000, 500})
	v.SetDefault("awards.cooldown_months", 3)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.weekly_reset_cron", "5 0 * * 1")
	v.SetDefault("scheduler.monthly_award_cron", "15 0 1 * *")
	v.SetDefault("scheduler.process_ready_cron", "*/10 * * * *")
	v.SetDefault("scheduler.vote_maintenance_cron", "0 * * * *")
	v.SetDefault("scheduler.reliability_cron", "30 2 * * *")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval_ms", 200)
	v.SetDefault("retry.max_interval_ms", 2000)

	v.SetDefault("locks.ttl_seconds", 30)

	v.SetDefault("metrics.prometheus.enabled", true)
	v.SetDefault("metrics.prometheus.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/reputation-consensus/")
	}

	// Server configuration
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.environment", "SERVER_ENVIRONMENT")

	// PostgreSQL configuration
	_ = v.BindEnv("database.postgres.host", "POSTGRES_HOST")
	_ = v.BindEnv("database.postgres.port", "POSTGRES_PORT")
	_ = v.BindEnv("database.postgres.database", "POSTGRES_DB")
	_ = v.BindEnv("database.postgres.user", "POSTGRES_USER")
	_ = v.BindEnv("database.postgres.password", "POSTGRES_PASSWORD")
	_ = v.BindEnv("database.postgres.ssl_mode", "POSTGRES_SSL_MODE")
	_ = v.BindEnv("database.postgres.max_open_conns", "POSTGRES_MAX_OPEN_CONNS")
	_ = v.BindEnv("database.postgres.max_idle_conns", "POSTGRES_MAX_IDLE_CONNS")
	_ = v.BindEnv("database.postgres.conn_max_lifetime", "POSTGRES_CONN_MAX_LIFETIME")

	// Redis configuration
	_ = v.BindEnv("database.redis.host", "REDIS_HOST")
	_ = v.BindEnv("database.redis.port", "REDIS_PORT")
	_ = v.BindEnv("database.redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("database.redis.db", "REDIS_DB")
	_ = v.BindEnv("database.redis.pool_size", "REDIS_POOL_SIZE")

	// Engine configuration
	_ = v.BindEnv("consensus.divergence_threshold", "CONSENSUS_DIVERGENCE_THRESHOLD")
	_ = v.BindEnv("consensus.peer_blend_ratio", "CONSENSUS_PEER_BLEND_RATIO")
	_ = v.BindEnv("reliability.active_formula", "RELIABILITY_ACTIVE_FORMULA")
	_ = v.BindEnv("reliability.formulas_file", "RELIABILITY_FORMULAS_FILE")
	_ = v.BindEnv("voting.min_votes", "VOTING_MIN_VOTES")
	_ = v.BindEnv("voting.majority_threshold", "VOTING_MAJORITY_THRESHOLD")
	_ = v.BindEnv("aggregation.missed_review_penalty", "AGGREGATION_MISSED_REVIEW_PENALTY")

	// Logging configuration
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
	_ = v.BindEnv("logging.output", "LOG_OUTPUT")

	// Scheduler configuration
	_ = v.BindEnv("scheduler.enabled", "SCHEDULER_ENABLED")
	_ = v.BindEnv("scheduler.timezone", "SCHEDULER_TIMEZONE")

	// Without an explicit path, a missing file leaves defaults and environment.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// Defaults are static; an unmarshal failure here is a programming error.
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return &config
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if c.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if c.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}
	if c.Database.Redis.Host == "" {
		return fmt.Errorf("database.redis.host is required")
	}
	return c.ValidateEngine()
}

// ValidateEngine checks the engine constants only.
func (c *Config) ValidateEngine() error {
	if c.Consensus.DivergenceThreshold <= 0 {
		return fmt.Errorf("consensus.divergence_threshold must be positive")
	}
	if c.Consensus.PeerBlendRatio < 0.5 || c.Consensus.PeerBlendRatio > 1 {
		return fmt.Errorf("consensus.peer_blend_ratio must be within [0.5, 1]")
	}
	if c.Consensus.MaxXP <= 0 {
		return fmt.Errorf("consensus.max_xp must be positive")
	}
	if c.Voting.MinVotes < 1 {
		return fmt.Errorf("voting.min_votes must be at least 1")
	}
	if c.Voting.MajorityThreshold < 0.5 || c.Voting.MajorityThreshold >= 1 {
		return fmt.Errorf("voting.majority_threshold must be within [0.5, 1)")
	}
	if len(c.Awards.RankAmounts) != 3 {
		return fmt.Errorf("awards.rank_amounts must list exactly 3 amounts")
	}
	for i := 1; i < len(c.Awards.RankAmounts); i++ {
		if c.Awards.RankAmounts[i] > c.Awards.RankAmounts[i-1] {
			return fmt.Errorf("awards.rank_amounts must be non-increasing by rank")
		}
	}
	if c.Awards.CooldownMonths < 0 {
		return fmt.Errorf("awards.cooldown_months cannot be negative")
	}
	if c.Reliability.ActiveFormula == "" {
		return fmt.Errorf("reliability.active_formula is required")
	}
	return nil
}

// GetLocation returns the timezone location.
func (c *SchedulerConfig) GetLocation() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// VoteTimeout returns the soft voting timeout.
func (c *VotingConfig) VoteTimeout() time.Duration {
	return time.Duration(c.TimeoutHours) * time.Hour
}

// LockTTL returns the distributed lock expiry.
func (c *LocksConfig) LockTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}
