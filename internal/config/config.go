package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"onebox/pkg/config"
)

type IMAPConfig struct {
	DialTimeoutSeconds    int `yaml:"dial_timeout_seconds"`
	PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
	IdleRestartMinutes    int `yaml:"idle_restart_minutes"`
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`
}

type SyncConfig struct {
	InitialWindow  int    `yaml:"initial_window"`
	IncrementalCap int    `yaml:"incremental_cap"`
	Folder         string `yaml:"folder"`
}

type AgentConfig struct {
	ServiceURL     string `yaml:"service_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type EnrichmentConfig struct {
	QueueSize           int `yaml:"queue_size"`
	IntervalMillis      int `yaml:"interval_ms"`
	CooldownSeconds     int `yaml:"rate_limit_cooldown_seconds"`
	MaxBatch            int `yaml:"max_batch"`
	SubBatchSize        int `yaml:"sub_batch_size"`
	SubBatchPauseMillis int `yaml:"sub_batch_pause_ms"`
}

type WebhookConfig struct {
	Secret          string   `yaml:"secret"`
	SlackURL        string   `yaml:"slack_url"`
	ExternalURL     string   `yaml:"external_url"`
	AdditionalURLs  []string `yaml:"additional_urls"`
	MaxAttempts     int      `yaml:"max_attempts"`
	BaseDelayMillis int      `yaml:"base_delay_ms"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
	// 把 Interested 事件同时发布到 MQ
	PublishToMQ bool `yaml:"publish_to_mq"`
}

type OutboxConfig struct {
	IntervalMillis int `yaml:"interval_ms"`
	BatchSize      int `yaml:"batch_size"`
	MaxRetries     int `yaml:"max_retries"`
}

type IndexConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type CredentialConfig struct {
	Key string `yaml:"key"`
}

type Config struct {
	DB         config.DBConfig     `yaml:"db"`
	MQ         config.MQConfig     `yaml:"mq"`
	Redis      config.RedisConfig  `yaml:"redis"`
	Server     config.ServerConfig `yaml:"server"`
	Log        config.LogConfig    `yaml:"log"`
	IMAP       IMAPConfig          `yaml:"imap"`
	Sync       SyncConfig          `yaml:"sync"`
	Agent      AgentConfig         `yaml:"agent"`
	Enrichment EnrichmentConfig    `yaml:"enrichment"`
	Webhook    WebhookConfig       `yaml:"webhook"`
	Outbox     OutboxConfig        `yaml:"outbox"`
	Index      IndexConfig         `yaml:"index"`
	Credential CredentialConfig    `yaml:"credential"`
}

// Load 加载配置：base.yaml → <env>.yaml → secrets.env 占位符 → 环境变量
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	var cfg Config
	if err := config.Decode(env, configDir, &cfg); err != nil {
		return nil, err
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideLogFromEnv(&cfg.Log)
	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("AGENT_SERVICE_URL"); v != "" {
		cfg.Agent.ServiceURL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Webhook.SlackURL = v
	}
	if v := os.Getenv("EXTERNAL_WEBHOOK_URL"); v != "" {
		cfg.Webhook.ExternalURL = v
	}
	if v := os.Getenv("ADDITIONAL_WEBHOOK_URLS"); v != "" {
		cfg.Webhook.AdditionalURLs = splitList(v)
	}
	if v := os.Getenv("CREDENTIAL_KEY"); v != "" {
		cfg.Credential.Key = v
	}
}

// splitList 逗号分隔，忽略空项
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Credential.Key == "" {
		return errors.New("credential.key is required (set CREDENTIAL_KEY)")
	}
	if c.Agent.ServiceURL == "" {
		return errors.New("agent.service_url is required (set AGENT_SERVICE_URL)")
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c IMAPConfig) DialTimeout() time.Duration    { return seconds(c.DialTimeoutSeconds) }
func (c IMAPConfig) PollInterval() time.Duration   { return seconds(c.PollIntervalSeconds) }
func (c IMAPConfig) IdleRestart() time.Duration    { return time.Duration(c.IdleRestartMinutes) * time.Minute }
func (c IMAPConfig) ReconnectDelay() time.Duration { return seconds(c.ReconnectDelaySeconds) }

func (c AgentConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

func (c EnrichmentConfig) Interval() time.Duration          { return millis(c.IntervalMillis) }
func (c EnrichmentConfig) RateLimitCooldown() time.Duration { return seconds(c.CooldownSeconds) }
func (c EnrichmentConfig) SubBatchPause() time.Duration     { return millis(c.SubBatchPauseMillis) }

func (c WebhookConfig) BaseDelay() time.Duration { return millis(c.BaseDelayMillis) }
func (c WebhookConfig) Timeout() time.Duration   { return seconds(c.TimeoutSeconds) }

func (c OutboxConfig) Interval() time.Duration { return millis(c.IntervalMillis) }

