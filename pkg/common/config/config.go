package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	ServerPort     string        `yaml:"server_port"`
	ServerHost     string        `yaml:"server_host"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxRequestBody int64         `yaml:"max_request_body"`

	// Upstream backends
	APIBaseURL           string        `yaml:"api_url"`
	ActiveLearningPrefix string        `yaml:"active_learning_prefix"`
	AdminAPIURL          string        `yaml:"admin_api"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	// Job status polling
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollGrace       time.Duration `yaml:"poll_grace"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	PollMaxFailures int           `yaml:"poll_max_failures"`
	PollMaxBackoff  time.Duration `yaml:"poll_max_backoff"`

	// Redis
	RedisHost       string        `yaml:"redis_host"`
	RedisPort       string        `yaml:"redis_port"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	JobListCacheTTL time.Duration `yaml:"job_list_cache_ttl"`

	// Kafka
	KafkaBrokers        []string `yaml:"kafka_brokers"`
	KafkaGroupID        string   `yaml:"kafka_group_id"`
	KafkaLifecycleTopic string   `yaml:"kafka_lifecycle_topic"`

	// Admin auth
	AdminToken        string   `yaml:"admin_token"`
	OAuthTokenURL     string   `yaml:"oauth_token_url"`
	OAuthClientID     string   `yaml:"oauth_client_id"`
	OAuthClientSecret string   `yaml:"oauth_client_secret"`
	OAuthScopes       []string `yaml:"oauth_scopes"`

	// Gateway specific
	GatewayRateLimitRPS   int  `yaml:"gateway_rate_limit_rps"`
	GatewayRateLimitBurst int  `yaml:"gateway_rate_limit_burst"`
	MetricsEnabled        bool `yaml:"metrics_enabled"`
}

// Load builds the configuration from defaults, an optional YAML file named by
// SENTILENS_CONFIG and the environment, in that order of precedence.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("SENTILENS_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServerPort:     "3000",
		ServerHost:     "0.0.0.0",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0,
		MaxRequestBody: 50 * 1024 * 1024,

		APIBaseURL:           "http://localhost:8000",
		ActiveLearningPrefix: "/feedback/active",
		AdminAPIURL:          "http://localhost:8000/admin",
		RequestTimeout:       15 * time.Second,

		PollInterval:    800 * time.Millisecond,
		PollGrace:       1300 * time.Millisecond,
		PollTimeout:     30 * time.Minute,
		PollMaxFailures: 10,
		PollMaxBackoff:  10 * time.Second,

		RedisHost:       "localhost",
		RedisPort:       "6379",
		JobListCacheTTL: 15 * time.Second,

		KafkaBrokers:        []string{"localhost:9092"},
		KafkaGroupID:        "sentilens-gateway",
		KafkaLifecycleTopic: "retrain-lifecycle",

		GatewayRateLimitRPS:   50,
		GatewayRateLimitBurst: 100,
		MetricsEnabled:        true,
	}
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.ServerHost = getEnv("SERVER_HOST", c.ServerHost)
	c.ReadTimeout = getDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.MaxRequestBody = int64(getIntEnv("MAX_REQUEST_BODY_BYTES", int(c.MaxRequestBody)))

	// NEXT_PUBLIC_API_URL is still honoured for deployments migrated from the old dashboard.
	c.APIBaseURL = getEnv("NEXT_PUBLIC_API_URL", c.APIBaseURL)
	c.APIBaseURL = strings.TrimRight(getEnv("API_URL", c.APIBaseURL), "/")
	c.ActiveLearningPrefix = getEnv("ACTIVE_LEARNING_PREFIX", c.ActiveLearningPrefix)
	c.AdminAPIURL = strings.TrimRight(getEnv("ADMIN_API", c.AdminAPIURL), "/")
	c.RequestTimeout = getDuration("REQUEST_TIMEOUT", c.RequestTimeout)

	c.PollInterval = getDuration("POLL_INTERVAL", c.PollInterval)
	c.PollGrace = getDuration("POLL_GRACE", c.PollGrace)
	c.PollTimeout = getDuration("POLL_TIMEOUT", c.PollTimeout)
	c.PollMaxFailures = getIntEnv("POLL_MAX_FAILURES", c.PollMaxFailures)
	c.PollMaxBackoff = getDuration("POLL_MAX_BACKOFF", c.PollMaxBackoff)

	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnv("REDIS_PORT", c.RedisPort)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getIntEnv("REDIS_DB", c.RedisDB)
	c.JobListCacheTTL = getDuration("JOB_LIST_CACHE_TTL", c.JobListCacheTTL)

	c.KafkaBrokers = getStringSliceEnv("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaGroupID = getEnv("KAFKA_GROUP_ID", c.KafkaGroupID)
	c.KafkaLifecycleTopic = getEnv("KAFKA_LIFECYCLE_TOPIC", c.KafkaLifecycleTopic)

	c.AdminToken = getEnv("ADMIN_TOKEN", c.AdminToken)
	c.OAuthTokenURL = getEnv("OAUTH_TOKEN_URL", c.OAuthTokenURL)
	c.OAuthClientID = getEnv("OAUTH_CLIENT_ID", c.OAuthClientID)
	c.OAuthClientSecret = getEnv("OAUTH_CLIENT_SECRET", c.OAuthClientSecret)
	c.OAuthScopes = getStringSliceEnv("OAUTH_SCOPES", c.OAuthScopes)

	c.GatewayRateLimitRPS = getIntEnv("GATEWAY_RATE_LIMIT_RPS", c.GatewayRateLimitRPS)
	c.GatewayRateLimitBurst = getIntEnv("GATEWAY_RATE_LIMIT_BURST", c.GatewayRateLimitBurst)
	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.MetricsEnabled)
}

// ActiveLearningURL joins the backend base URL, the active-learning prefix and path.
func (c *Config) ActiveLearningURL(path string) string {
	return c.APIBaseURL + "/" + strings.Trim(c.ActiveLearningPrefix, "/") + path
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
