// Package config loads the enclave worker's configuration from a YAML file
// overlaid with environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/letsesign/enclave-worker/infrastructure/httputil"
)

// HostConfig controls the loopback REST poll loop.
type HostConfig struct {
	BaseURL          string `yaml:"base_url" env:"HOST_BASE_URL"`
	PollIntervalMS   int    `yaml:"poll_interval_ms" env:"HOST_POLL_INTERVAL_MS"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms" env:"HOST_REQUEST_TIMEOUT_MS"`
	MaxResponseBytes int64  `yaml:"max_response_bytes" env:"HOST_MAX_RESPONSE_BYTES"`
}

// AWSConfig controls the KMS SigV4 client.
type AWSConfig struct {
	AccessKeyID     string `yaml:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	SessionToken    string `yaml:"session_token" env:"AWS_SESSION_TOKEN"`
	RequestTimeoutS int    `yaml:"request_timeout_s" env:"AWS_REQUEST_TIMEOUT_S"`
}

// MailConfig controls the notification mailer.
type MailConfig struct {
	SMTPHost        string `yaml:"smtp_host" env:"MAIL_SMTP_HOST"`
	SMTPPort        int    `yaml:"smtp_port" env:"MAIL_SMTP_PORT"`
	SMTPUser        string `yaml:"smtp_user" env:"MAIL_SMTP_USER"`
	SMTPPassword    string `yaml:"smtp_password" env:"MAIL_SMTP_PASSWORD"`
	SendGridAPIKey  string `yaml:"sendgrid_api_key" env:"MAIL_SENDGRID_API_KEY"`
	RequestTimeoutS int    `yaml:"request_timeout_s" env:"MAIL_REQUEST_TIMEOUT_S"`
}

// TwilioConfig controls the Twilio Verify client.
type TwilioConfig struct {
	AccountSID      string `yaml:"account_sid" env:"TWILIO_ACCOUNT_SID"`
	AuthToken       string `yaml:"auth_token" env:"TWILIO_AUTH_TOKEN"`
	RequestTimeoutS int    `yaml:"request_timeout_s" env:"TWILIO_REQUEST_TIMEOUT_S"`
}

// PCRTriple is one PCR0..2 measurement accepted as a predecessor enclave image.
type PCRTriple struct {
	PCR0 string `yaml:"pcr0"`
	PCR1 string `yaml:"pcr1"`
	PCR2 string `yaml:"pcr2"`
}

// EnclaveConfig controls attestation cross-checking.
type EnclaveConfig struct {
	DowngradeCompatVersions []PCRTriple `yaml:"downward_comp_version"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Config is the top-level configuration structure.
type Config struct {
	Host    HostConfig    `yaml:"host"`
	AWS     AWSConfig     `yaml:"aws"`
	Mail    MailConfig    `yaml:"mail"`
	Twilio  TwilioConfig  `yaml:"twilio"`
	Enclave EnclaveConfig `yaml:"enclave"`
	Logging LoggingConfig `yaml:"logging"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Host: HostConfig{
			BaseURL:          "http://127.0.0.1:8001",
			PollIntervalMS:   100,
			RequestTimeoutMS: 10000,
			MaxResponseBytes: 50 * 1024 * 1024,
		},
		AWS: AWSConfig{
			RequestTimeoutS: 10,
		},
		Mail: MailConfig{
			SMTPHost:        "email-smtp.us-east-1.amazonaws.com",
			SMTPPort:        587,
			RequestTimeoutS: 10,
		},
		Twilio: TwilioConfig{
			RequestTimeoutS: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "enclave-worker",
		},
	}
}

// Load loads configuration from an optional YAML file and environment
// variables, environment taking precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, defaults first.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize validates the fields whose malformed values would otherwise
// only surface mid-poll-loop. Today that is just the host base URL.
func (c *Config) normalize() error {
	baseURL, _, err := httputil.NormalizeBaseURL(c.Host.BaseURL)
	if err != nil {
		return fmt.Errorf("host base_url: %w", err)
	}
	c.Host.BaseURL = baseURL
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
