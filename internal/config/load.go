package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	logging "github.com/cronboxhq/cronbox/internal/logging"
)

// Load reads the config file at path (if it exists), applies environment
// overrides and validates the result. A missing file is not an error; the
// defaults plus environment are enough to run.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			meta, err := toml.DecodeFile(path, cfg)
			if err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				logging.L_warn("config: unknown keys ignored", "keys", fmt.Sprintf("%v", undecoded))
			}
			logging.L_debug("config: loaded file", "path", path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		} else {
			logging.L_info("config: file not found, using defaults", "path", path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secret-bearing settings from the environment so they can
// stay out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("CRONBOX_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("CRONBOX_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CRONBOX_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CRONBOX_TELEGRAM_TOKEN"); v != "" {
		c.Notify.Telegram.Token = v
		c.Notify.Telegram.Enabled = true
	}
	if v := os.Getenv("CRONBOX_SMTP_HOST"); v != "" {
		c.Notify.SMTP.Host = v
	}
	if v := os.Getenv("CRONBOX_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Notify.SMTP.Port = port
		}
	}
	if v := os.Getenv("CRONBOX_SMTP_USERNAME"); v != "" {
		c.Notify.SMTP.Username = v
	}
	if v := os.Getenv("CRONBOX_SMTP_PASSWORD"); v != "" {
		c.Notify.SMTP.Password = v
	}
	if v := os.Getenv("CRONBOX_SMTP_FROM"); v != "" {
		c.Notify.SMTP.From = v
	}
	if v := os.Getenv("CRONBOX_LISTEN"); v != "" {
		c.Server.Listen = v
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be at least 1, got %d", c.Database.MaxConns)
	}
	if c.Executor.PoolSize < 1 {
		return fmt.Errorf("executor.pool_size must be at least 1, got %d", c.Executor.PoolSize)
	}
	if c.Executor.QueueCapacity < 1 {
		return fmt.Errorf("executor.queue_capacity must be at least 1, got %d", c.Executor.QueueCapacity)
	}
	if c.Probe.HTTPMaxResponseBytes < 1 {
		return fmt.Errorf("probe.http_max_response_bytes must be positive, got %d", c.Probe.HTTPMaxResponseBytes)
	}
	if c.Probe.ICMPMaxCount < 1 || c.Probe.ICMPMaxCount > 10 {
		return fmt.Errorf("probe.icmp_max_count must be 1..10, got %d", c.Probe.ICMPMaxCount)
	}
	if c.Execution.RetentionDefaultDays < 1 {
		return fmt.Errorf("execution.retention_default_days must be at least 1, got %d", c.Execution.RetentionDefaultDays)
	}
	for _, iv := range []struct {
		name string
		d    Duration
	}{
		{"scheduler.poll_interval_cron", c.Scheduler.PollIntervalCron},
		{"scheduler.poll_interval_delayed", c.Scheduler.PollIntervalDelayed},
		{"scheduler.poll_interval_chain", c.Scheduler.PollIntervalChain},
		{"scheduler.poll_interval_monitor", c.Scheduler.PollIntervalMonitor},
		{"overlap.cleanup_period", c.Overlap.CleanupPeriod},
		{"execution.gc_period", c.Execution.GCPeriod},
		{"notify.webhook_timeout", c.Notify.WebhookTimeout},
	} {
		if iv.d.Std() <= 0 {
			return fmt.Errorf("%s must be positive", iv.name)
		}
	}
	if c.Notify.Telegram.Enabled && c.Notify.Telegram.Token == "" {
		return fmt.Errorf("notify.telegram.token is required when telegram is enabled")
	}
	return nil
}
