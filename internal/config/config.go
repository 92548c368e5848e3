/*
Marid - composable mail transfer and authentication engine.
Copyright © 2021-2024 The Marid Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config defines the engine configuration that is loaded from a
// YAML file with environment variable overrides applied on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	// Output format: human or json.
	Format string `yaml:"format" env:"MARID_LOG_FORMAT"`
	Debug  bool   `yaml:"debug" env:"MARID_LOG_DEBUG"`
}

type QueueConfig struct {
	// Directory the queue entries are stored in.
	Location string `yaml:"location" env:"MARID_QUEUE_LOCATION"`

	Workers          int           `yaml:"workers" env:"MARID_QUEUE_WORKERS"`
	MaxTries         int           `yaml:"max_tries" env:"MARID_QUEUE_MAX_TRIES"`
	InitialRetryTime time.Duration `yaml:"initial_retry_time" env:"MARID_QUEUE_INITIAL_RETRY_TIME"`
	RetryTimeScale   float64       `yaml:"retry_time_scale" env:"MARID_QUEUE_RETRY_TIME_SCALE"`
	MaxRetryTime     time.Duration `yaml:"max_retry_time" env:"MARID_QUEUE_MAX_RETRY_TIME"`

	// Upper bound on the total time a message can spend in the queue before
	// it is bounced regardless of the amount of attempts made.
	GiveUpAfter time.Duration `yaml:"give_up_after" env:"MARID_QUEUE_GIVE_UP_AFTER"`

	// Per-attempt timeout for a single delivery attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"MARID_QUEUE_ATTEMPT_TIMEOUT"`
}

type RemoteConfig struct {
	// Host name the engine identifies itself with in HELO/EHLO and DSN
	// Reporting-MTA fields.
	Hostname string `yaml:"hostname" env:"MARID_HOSTNAME"`

	// Minimum accepted TLS security level: none, encrypted, authenticated.
	MinTLSLevel string `yaml:"min_tls_level" env:"MARID_REMOTE_MIN_TLS_LEVEL"`
	// Minimum accepted MX security level: none, mtasts, dnssec.
	MinMXLevel string `yaml:"min_mx_level" env:"MARID_REMOTE_MIN_MX_LEVEL"`

	// Directory used by the MTA-STS policy cache.
	MTASTSCache string `yaml:"mtasts_cache" env:"MARID_REMOTE_MTASTS_CACHE"`

	// Keep outbound connections open after delivery and reuse them for
	// later messages to the same domain.
	ConnReuse bool `yaml:"conn_reuse" env:"MARID_REMOTE_CONN_REUSE"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"MARID_REMOTE_CONNECT_TIMEOUT"`
	CommandTimeout time.Duration `yaml:"command_timeout" env:"MARID_REMOTE_COMMAND_TIMEOUT"`
	// Timeout for the message body transfer after DATA.
	SubmissionTimeout time.Duration `yaml:"submission_timeout" env:"MARID_REMOTE_SUBMISSION_TIMEOUT"`
}

type QuotaConfig struct {
	// Path of the SQLite database the ledger state is kept in.
	DBPath string `yaml:"db_path" env:"MARID_QUOTA_DB_PATH"`

	// Usage percentages that trigger warning events when crossed.
	WarnThresholds []int `yaml:"warn_thresholds" env:"MARID_QUOTA_WARN_THRESHOLDS"`

	// Minimum interval between repeated warnings for the same mailbox and
	// threshold.
	WarnInterval time.Duration `yaml:"warn_interval" env:"MARID_QUOTA_WARN_INTERVAL"`
}

type LimitsConfig struct {
	// Messages admitted per window for one (domain, direction) pair. Zero
	// disables the limiter.
	PerDomain int           `yaml:"per_domain" env:"MARID_LIMITS_PER_DOMAIN"`
	Window    time.Duration `yaml:"window" env:"MARID_LIMITS_WINDOW"`

	// Maximum parallel delivery attempts, across all domains.
	Concurrency int `yaml:"concurrency" env:"MARID_LIMITS_CONCURRENCY"`
}

type LocalConfig struct {
	// Domains served by this instance. Recipients in these domains are
	// delivered to local storage, everything else goes to the remote target.
	Domains []string `yaml:"domains" env:"MARID_LOCAL_DOMAINS"`

	// Path of the SQLite database with the account and alias tables.
	DBPath string `yaml:"db_path" env:"MARID_LOCAL_DB_PATH"`

	// Directory message payloads are stored in.
	MessagesPath string `yaml:"messages_path" env:"MARID_LOCAL_MESSAGES_PATH"`
}

type DKIMConfig struct {
	// Domains to sign outbound messages for. Empty disables signing.
	Domains  []string `yaml:"domains" env:"MARID_DKIM_DOMAINS"`
	Selector string   `yaml:"selector" env:"MARID_DKIM_SELECTOR"`

	// Private key path with {domain} and {selector} placeholders. Missing
	// keys are generated on startup.
	KeyPath string `yaml:"key_path" env:"MARID_DKIM_KEY_PATH"`
	KeyAlgo string `yaml:"key_algo" env:"MARID_DKIM_KEY_ALGO"`
}

type AuthConfig struct {
	// Inbound authentication checks. DMARC needs both SPF and DKIM to be
	// meaningful.
	SPF   bool `yaml:"spf" env:"MARID_AUTH_SPF"`
	DKIM  bool `yaml:"dkim" env:"MARID_AUTH_DKIM"`
	DMARC bool `yaml:"dmarc" env:"MARID_AUTH_DMARC"`
}

type DNSConfig struct {
	MinTTL      time.Duration `yaml:"min_ttl" env:"MARID_DNS_MIN_TTL"`
	MaxTTL      time.Duration `yaml:"max_ttl" env:"MARID_DNS_MAX_TTL"`
	NegativeTTL time.Duration `yaml:"negative_ttl" env:"MARID_DNS_NEGATIVE_TTL"`
	MaxEntries  int           `yaml:"max_entries" env:"MARID_DNS_MAX_ENTRIES"`
}

type Config struct {
	// Address the Prometheus metrics endpoint listens on. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr" env:"MARID_METRICS_ADDR"`

	Log    LogConfig    `yaml:"log"`
	Queue  QueueConfig  `yaml:"queue"`
	Remote RemoteConfig `yaml:"remote"`
	Quota  QuotaConfig  `yaml:"quota"`
	Limits LimitsConfig `yaml:"limits"`
	Local  LocalConfig  `yaml:"local"`
	DKIM   DKIMConfig   `yaml:"dkim"`
	Auth   AuthConfig   `yaml:"auth"`
	DNS    DNSConfig    `yaml:"dns"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Log: LogConfig{
			Format: "human",
		},
		Queue: QueueConfig{
			Location:         "/var/lib/marid/queue",
			Workers:          16,
			MaxTries:         20,
			InitialRetryTime: 15 * time.Minute,
			RetryTimeScale:   1.25,
			MaxRetryTime:     6 * time.Hour,
			GiveUpAfter:      72 * time.Hour,
			AttemptTimeout:   15 * time.Minute,
		},
		Remote: RemoteConfig{
			Hostname:          hostname,
			MinTLSLevel:       "encrypted",
			MinMXLevel:        "none",
			MTASTSCache:       "/var/lib/marid/mtasts-cache",
			ConnReuse:         true,
			ConnectTimeout:    5 * time.Minute,
			CommandTimeout:    5 * time.Minute,
			SubmissionTimeout: 12 * time.Minute,
		},
		Quota: QuotaConfig{
			DBPath:         "/var/lib/marid/quota.db",
			WarnThresholds: []int{80, 90, 95},
			WarnInterval:   24 * time.Hour,
		},
		Limits: LimitsConfig{
			PerDomain:   0,
			Window:      1 * time.Hour,
			Concurrency: 50,
		},
		Local: LocalConfig{
			DBPath:       "/var/lib/marid/accounts.db",
			MessagesPath: "/var/lib/marid/messages",
		},
		DKIM: DKIMConfig{
			Selector: "default",
			KeyPath:  "/var/lib/marid/dkim-keys/{domain}-{selector}.key",
			KeyAlgo:  "ed25519",
		},
		Auth: AuthConfig{
			SPF:   true,
			DKIM:  true,
			DMARC: true,
		},
		DNS: DNSConfig{
			MinTTL:      30 * time.Second,
			MaxTTL:      3 * time.Hour,
			NegativeTTL: 30 * time.Second,
			MaxEntries:  4096,
		},
	}
}

// Load reads the configuration file at path (if it exists) and applies
// environment variable overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: %w", err)
			}
		} else if err := yaml.Unmarshal(blob, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) check() error {
	if cfg.Queue.MaxTries < 1 {
		return fmt.Errorf("config: queue.max_tries should be at least 1")
	}
	if cfg.Queue.RetryTimeScale < 1 {
		return fmt.Errorf("config: queue.retry_time_scale should not be less than 1")
	}
	if cfg.Queue.Workers < 1 {
		return fmt.Errorf("config: queue.workers should be at least 1")
	}
	switch cfg.Log.Format {
	case "human", "json":
	default:
		return fmt.Errorf("config: unknown log.format: %s", cfg.Log.Format)
	}
	switch cfg.Remote.MinTLSLevel {
	case "none", "encrypted", "authenticated":
	default:
		return fmt.Errorf("config: unknown remote.min_tls_level: %s", cfg.Remote.MinTLSLevel)
	}
	switch cfg.Remote.MinMXLevel {
	case "none", "mtasts", "dnssec":
	default:
		return fmt.Errorf("config: unknown remote.min_mx_level: %s", cfg.Remote.MinMXLevel)
	}
	if len(cfg.DKIM.Domains) != 0 && cfg.DKIM.Selector == "" {
		return fmt.Errorf("config: dkim.selector is required when dkim.domains is set")
	}
	if cfg.Auth.DMARC && !(cfg.Auth.SPF && cfg.Auth.DKIM) {
		return fmt.Errorf("config: auth.dmarc requires both auth.spf and auth.dkim")
	}
	return nil
}
