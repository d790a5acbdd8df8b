package config

import (
	"os"
	"strconv"
)

// Settings is the environment-sourced service configuration, loaded once at
// startup.
type Settings struct {
	Host      string
	Port      int
	APIPrefix string

	// Region the service itself runs in; used as the default client region
	// for the secret manager and upstream provider.
	Region string

	// DataDir holds the BoltDB database file.
	DataDir string

	// PricebookPath points at the static pricebook YAML.
	PricebookPath string

	// Names of secrets resolved through the SecretSource at startup.
	TokenSigningSecretName    string
	ProvisioningKeySecretName string

	Environment string
	LogLevel    string
	LogJSON     bool

	// RetentionDays bounds the idempotency window on counter cells.
	RetentionDays int
}

// Load reads settings from the environment, applying defaults for anything
// unset.
func Load() Settings {
	return Settings{
		Host:                      envOr("MODELMETER_HOST", "0.0.0.0"),
		Port:                      envIntOr("MODELMETER_PORT", 8080),
		APIPrefix:                 envOr("MODELMETER_API_PREFIX", "/api/v1"),
		Region:                    envOr("AWS_REGION", "us-east-1"),
		DataDir:                   envOr("MODELMETER_DATA_DIR", "/var/lib/modelmeter"),
		PricebookPath:             envOr("MODELMETER_PRICEBOOK", "pricebook.yaml"),
		TokenSigningSecretName:    envOr("MODELMETER_JWT_SECRET_NAME", "modelmeter/jwt-signing-key"),
		ProvisioningKeySecretName: envOr("MODELMETER_PROVISIONING_KEY_NAME", "modelmeter/provisioning-api-key"),
		Environment:               envOr("MODELMETER_ENV", "dev"),
		LogLevel:                  envOr("MODELMETER_LOG_LEVEL", "info"),
		LogJSON:                   envOr("MODELMETER_LOG_FORMAT", "json") == "json",
		RetentionDays:             envIntOr("MODELMETER_RETENTION_DAYS", 32),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
