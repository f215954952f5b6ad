package models

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`
	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`

	BlobEndpoint  string `yaml:"blob_endpoint"`
	BlobAccessKey string `yaml:"blob_access_key"`
	BlobSecretKey string `yaml:"blob_secret_key"`
	BlobBucket    string `yaml:"blob_bucket"`
	BlobUseSSL    bool   `yaml:"blob_use_ssl"`

	WatermarkText string `yaml:"watermark_text"`

	BatchSize          int `yaml:"batch_size"`
	MaxAttempts        int `yaml:"max_attempts"`
	PruneDays          int `yaml:"prune_days"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PruneDays <= 0 {
		c.PruneDays = 7
	}
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = 30
	}
	if c.WatermarkText == "" {
		c.WatermarkText = "SAMPLE"
	}
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}
