package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Gate      GateConfig      `mapstructure:"gate"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Judges    []JudgeConfig   `mapstructure:"judges"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Swarm     SwarmConfig     `mapstructure:"swarm"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Transport TransportConfig `mapstructure:"transport"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type AuthConfig struct {
	RequireAPIKey bool    `mapstructure:"require_api_key"`
	APIKey        string  `mapstructure:"api_key"`
	AdminKey      string  `mapstructure:"admin_key"`
	RateQPS       float64 `mapstructure:"rate_qps"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

type DatabaseConfig struct {
	DSN                  string `mapstructure:"dsn"`
	OutcomeRetentionDays int    `mapstructure:"outcome_retention_days"`
	AuditRetentionDays   int    `mapstructure:"audit_retention_days"`
	CleanupIntervalMin   int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type GateConfig struct {
	ScoreCeiling     float64 `mapstructure:"score_ceiling"`      // 0-100
	SoftRiskFloor    float64 `mapstructure:"soft_risk_floor"`    // above this, forwarded as context
	FreshnessSeconds int     `mapstructure:"freshness_seconds"`  // threat score max age
	SourceURL        string  `mapstructure:"source_url"`         // external threat data source
	SourceTimeoutMs  int     `mapstructure:"source_timeout_ms"`
}

type ConsensusConfig struct {
	MinThreshold     float64 `mapstructure:"min_threshold"` // agreement score, 0-1
	JudgeTimeoutMs   int     `mapstructure:"judge_timeout_ms"`
	SummaryMaxLen    int     `mapstructure:"summary_max_len"`
	BreakerThreshold int     `mapstructure:"breaker_threshold"`
	BreakerCooldownS int     `mapstructure:"breaker_cooldown_seconds"`
}

type JudgeConfig struct {
	Name    string  `mapstructure:"name"`
	Kind    string  `mapstructure:"kind"` // llm | rule
	Weight  float64 `mapstructure:"weight"`
	URL     string  `mapstructure:"url"`
	APIKey  string  `mapstructure:"api_key"`
	Model   string  `mapstructure:"model"`
	Enabled bool    `mapstructure:"enabled"`
}

type LifecycleConfig struct {
	SweepIntervalSeconds   int     `mapstructure:"sweep_interval_seconds"`
	DefaultDeadlineSeconds int     `mapstructure:"default_deadline_seconds"`
	HybridDirectiveProfit  float64 `mapstructure:"hybrid_directive_profit"` // USDC; above this hybrid needs sign-off
	HybridDirectiveRisk    float64 `mapstructure:"hybrid_directive_risk"`   // 0-100
	MaxInFlight            int     `mapstructure:"max_in_flight"`
}

type SwarmConfig struct {
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	DegradedAfterSeconds     int `mapstructure:"degraded_after_seconds"`
	UnhealthyAfterSeconds    int `mapstructure:"unhealthy_after_seconds"`
	DeadAfterSeconds         int `mapstructure:"dead_after_seconds"`
	SweepIntervalSeconds     int `mapstructure:"sweep_interval_seconds"`
}

type FeedConfig struct {
	URL     string `mapstructure:"url"` // websocket detection feed; empty disables
	Channel string `mapstructure:"channel"`
}

type TransportConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	APIKey           string `mapstructure:"api_key"`
	TimeoutMs        int    `mapstructure:"timeout_ms"`
	BreakerThreshold int    `mapstructure:"breaker_threshold"`
	BreakerCooldownS int    `mapstructure:"breaker_cooldown_seconds"`
}

func (g GateConfig) Freshness() time.Duration {
	return time.Duration(g.FreshnessSeconds) * time.Second
}

func (c ConsensusConfig) JudgeTimeout() time.Duration {
	return time.Duration(c.JudgeTimeoutMs) * time.Millisecond
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. EDGEGATE_GATE_SCORE_CEILING
	viper.SetEnvPrefix("edgegate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("auth.require_api_key", false)
	viper.SetDefault("auth.admin_key", "")
	viper.SetDefault("auth.rate_qps", 50)
	viper.SetDefault("auth.rate_burst", 100)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("database.outcome_retention_days", 90)
	viper.SetDefault("database.audit_retention_days", 30)
	viper.SetDefault("database.cleanup_interval_minutes", 60)

	viper.SetDefault("gate.score_ceiling", 70)
	viper.SetDefault("gate.soft_risk_floor", 40)
	viper.SetDefault("gate.freshness_seconds", 300)
	viper.SetDefault("gate.source_timeout_ms", 3000)

	viper.SetDefault("consensus.min_threshold", 0.6)
	viper.SetDefault("consensus.judge_timeout_ms", 8000)
	viper.SetDefault("consensus.summary_max_len", 2000)
	viper.SetDefault("consensus.breaker_threshold", 3)
	viper.SetDefault("consensus.breaker_cooldown_seconds", 30)

	viper.SetDefault("lifecycle.sweep_interval_seconds", 1)
	viper.SetDefault("lifecycle.default_deadline_seconds", 120)
	viper.SetDefault("lifecycle.hybrid_directive_profit", 500)
	viper.SetDefault("lifecycle.hybrid_directive_risk", 50)
	viper.SetDefault("lifecycle.max_in_flight", 1000)

	viper.SetDefault("swarm.heartbeat_interval_seconds", 5)
	viper.SetDefault("swarm.degraded_after_seconds", 15)
	viper.SetDefault("swarm.unhealthy_after_seconds", 45)
	viper.SetDefault("swarm.dead_after_seconds", 120)
	viper.SetDefault("swarm.sweep_interval_seconds", 5)

	viper.SetDefault("transport.timeout_ms", 10000)
	viper.SetDefault("transport.breaker_threshold", 3)
	viper.SetDefault("transport.breaker_cooldown_seconds", 60)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
