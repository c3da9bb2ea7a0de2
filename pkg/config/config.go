package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

type RateLimitConfig struct {
	Producer RateLimitBucketConfig `yaml:"producer"`
	Admin    RateLimitBucketConfig `yaml:"admin"`
	Webhook  RateLimitBucketConfig `yaml:"webhook"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

type Config struct {
	Port          int    `yaml:"port"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	Timezone      string `yaml:"timezone"`
	LogLevel      string `yaml:"logLevel"`
	LogFormat     string `yaml:"logFormat"`
	Env           string `yaml:"env"`

	// Step execution.
	DefaultLeaseSeconds      int    `yaml:"defaultLeaseSeconds"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeatIntervalSeconds"`
	RequeueInspectLimit      int    `yaml:"requeueInspectLimit"`
	WorkerConcurrency        int    `yaml:"workerConcurrency"`
	PollIntervalSeconds      int    `yaml:"pollIntervalSeconds"`
	BackoffMaxSeconds        int    `yaml:"backoffMaxSeconds"`
	WorkDir                  string `yaml:"workDir"`
	LocalArtifactsDir        string `yaml:"localArtifactsDir"`
	FFmpegBin                string `yaml:"ffmpegBin"`
	FFprobeBin               string `yaml:"ffprobeBin"`

	// Analysis provider (object/label detection, transcription).
	AnalysisBaseURL        string `yaml:"analysisBaseUrl"`
	AnalysisAPIKey         string `yaml:"analysisApiKey"`
	AnalysisTimeoutSeconds int    `yaml:"analysisTimeoutSeconds"`

	// Producer authentication.
	AuthProvider            string `yaml:"authProvider"`
	AuthConfig              string `yaml:"authConfig"`
	AllowedClockSkewSeconds int    `yaml:"allowedClockSkewSeconds"`

	// Terminal-status webhooks.
	WebhookHmacSecret         string `yaml:"webhookHmacSecret"`
	WebhookMaxAttempts        int    `yaml:"webhookMaxAttempts"`
	WebhookBaseBackoffSeconds int    `yaml:"webhookBaseBackoffSeconds"`
	WebhookMaxBackoffSeconds  int    `yaml:"webhookMaxBackoffSeconds"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// LoadConfigOptional loads configuration from filePath when it exists; an
// empty or missing file yields a default config with env overrides applied.
func LoadConfigOptional(filePath string) (*Config, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return finish(&Config{})
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(&Config{})
		}
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return finish(&c)
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return finish(&c)
}

func finish(c *Config) (*Config, error) {
	applyEnv(c)
	applyDefaults(c)
	log.Printf("mediaq config: {Port:%d Redis:%s TZ:%s Lease:%ds Workers:%d}\n",
		c.Port, c.RedisAddr, c.Timezone, c.DefaultLeaseSeconds, c.WorkerConcurrency)
	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("LOCAL_ARTIFACTS_DIR"); v != "" {
		c.LocalArtifactsDir = v
	}
	if v := os.Getenv("FFMPEG_BIN"); v != "" {
		c.FFmpegBin = v
	}
	if v := os.Getenv("FFPROBE_BIN"); v != "" {
		c.FFprobeBin = v
	}
	if v := os.Getenv("ANALYSIS_BASE_URL"); v != "" {
		c.AnalysisBaseURL = v
	}
	if v := os.Getenv("ANALYSIS_API_KEY"); v != "" {
		c.AnalysisAPIKey = v
	}
	if v := os.Getenv("AUTH_PROVIDER"); v != "" {
		c.AuthProvider = v
	}
	if v := os.Getenv("AUTH_CONFIG"); v != "" {
		c.AuthConfig = v
	}
	if v := os.Getenv("WEBHOOK_HMAC_SECRET"); v != "" {
		c.WebhookHmacSecret = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("DEFAULT_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DefaultLeaseSeconds = n
		}
	}
	if v := os.Getenv("BACKOFF_MAX_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BackoffMaxSeconds = n
		}
	}
	if v := os.Getenv("OTEL_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "true" || v == "1"
	}
}

func applyDefaults(c *Config) {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.DefaultLeaseSeconds <= 0 {
		c.DefaultLeaseSeconds = 300
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = c.DefaultLeaseSeconds / 3
	}
	if c.RequeueInspectLimit <= 0 {
		c.RequeueInspectLimit = 200
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 4
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 1
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = 900
	}
	if c.WorkDir == "" {
		c.WorkDir = "/tmp/mediaq-work"
	}
	if c.LocalArtifactsDir == "" {
		c.LocalArtifactsDir = "/tmp/mediaq-artifacts"
	}
	if c.FFmpegBin == "" {
		c.FFmpegBin = "ffmpeg"
	}
	if c.FFprobeBin == "" {
		c.FFprobeBin = "ffprobe"
	}
	if c.AnalysisTimeoutSeconds <= 0 {
		c.AnalysisTimeoutSeconds = 120
	}
	if c.AllowedClockSkewSeconds <= 0 {
		c.AllowedClockSkewSeconds = 60
	}
	if c.WebhookMaxAttempts <= 0 {
		c.WebhookMaxAttempts = 5
	}
	if c.WebhookBaseBackoffSeconds <= 0 {
		c.WebhookBaseBackoffSeconds = 2
	}
	if c.WebhookMaxBackoffSeconds <= 0 {
		c.WebhookMaxBackoffSeconds = 60
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
}

func (c *Config) Validate() error {
	var errs []string
	env := strings.ToLower(strings.TrimSpace(c.Env))
	dev := env == "dev"

	if c.AuthProvider == "" && !dev {
		errs = append(errs, "authProvider is required in non-dev")
	}
	if c.AnalysisBaseURL != "" {
		u, err := url.Parse(c.AnalysisBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "analysisBaseUrl must be a valid http(s) URL")
		}
	}
	if strings.TrimSpace(c.WebhookHmacSecret) == "" && !dev {
		errs = append(errs, "webhookHmacSecret is required in non-dev")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
