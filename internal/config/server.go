// Package config provides configuration management for snapvault.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment     Environment
	LogLevel        string
	DatabaseURL     string
	ListenAddr      string
	LimitsFile      string // optional YAML file overriding DefaultLimits
	DispatchWorkers int

	S3   S3Config
	SMTP SMTPConfig
	// Apify is the scraping provider.
	Apify ApifyConfig
}

// S3Config holds object storage settings.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// SMTPConfig holds outgoing mail settings. An empty Host disables email.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

// ApifyConfig holds the scraping provider settings.
type ApifyConfig struct {
	Token         string
	BaseURL       string
	TimelineActor string
	SocialActor   string
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	workers := getEnvInt("DISPATCH_WORKERS", 4)
	if workers < 1 {
		workers = 4
	}

	smtpPort := getEnvInt("SMTP_PORT", 587)
	if smtpPort <= 0 {
		smtpPort = 587
	}

	return ServerConfig{
		Environment:     env,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		LimitsFile:      os.Getenv("LIMITS_FILE"),
		DispatchWorkers: workers,
		S3: S3Config{
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Bucket:          os.Getenv("S3_BUCKET"),
			Prefix:          os.Getenv("S3_PREFIX"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			ForcePathStyle:  getEnvBool("S3_FORCE_PATH_STYLE", false),
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     smtpPort,
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("SMTP_FROM", "snapvault@localhost"),
			UseTLS:   getEnvBool("SMTP_TLS", false),
		},
		Apify: ApifyConfig{
			Token:         os.Getenv("APIFY_TOKEN"),
			BaseURL:       getEnv("APIFY_BASE_URL", "https://api.apify.com"),
			TimelineActor: os.Getenv("APIFY_TIMELINE_ACTOR"),
			SocialActor:   os.Getenv("APIFY_SOCIAL_ACTOR"),
		},
	}
}

// IsProduction returns true when running in production.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
